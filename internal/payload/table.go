package payload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// HandlerFunc consumes one decoded message.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handler is one registration in the dispatch table.
type Handler struct {
	Priority Priority
	Listener string
	Fn       HandlerFunc

	seq uint64
}

// DispatchResult summarizes one Dispatch call.
type DispatchResult struct {
	Invoked int
	Failed  int
}

type handlerSet map[TypeID][]Handler

// Table routes decoded payloads to handlers in priority order.
//
// Registration publishes a fresh copy of the handler map, so every Dispatch
// works on one immutable snapshot. A registration racing a dispatch may or
// may not be seen by that dispatch, but no handler is skipped or run twice.
type Table struct {
	mu   sync.Mutex
	seq  uint64
	snap atomic.Pointer[handlerSet]
	log  *zap.Logger
}

func NewTable(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Table{log: log}
	empty := handlerSet{}
	t.snap.Store(&empty)
	return t
}

// Register appends h for id and keeps the list stably sorted by priority.
func (t *Table) Register(id TypeID, h Handler) error {
	if id == "" {
		return fmt.Errorf("%w: empty type id", ErrInvalidHandler)
	}
	if h.Fn == nil {
		return fmt.Errorf("%w: %s has nil func", ErrInvalidHandler, id)
	}
	if !h.Priority.Valid() {
		return fmt.Errorf("%w: %s has %s", ErrInvalidHandler, id, h.Priority)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	h.seq = t.seq

	cur := *t.snap.Load()
	next := make(handlerSet, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	list := make([]Handler, 0, len(cur[id])+1)
	list = append(list, cur[id]...)
	list = append(list, h)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority == list[j].Priority {
			return list[i].seq < list[j].seq
		}
		return list[i].Priority < list[j].Priority
	})
	next[id] = list
	t.snap.Store(&next)
	return nil
}

// Handlers returns the current ordered handlers for id.
func (t *Table) Handlers(id TypeID) []Handler {
	list := (*t.snap.Load())[id]
	return append([]Handler(nil), list...)
}

// Dispatch runs every handler registered for msg.Type. A failing or
// panicking handler is logged and the remaining handlers still run.
func (t *Table) Dispatch(ctx context.Context, msg Message) DispatchResult {
	list := (*t.snap.Load())[msg.Type]
	var res DispatchResult
	for _, h := range list {
		res.Invoked++
		if err := t.invoke(ctx, h, msg); err != nil {
			res.Failed++
			t.log.Error("payload handler failed",
				zap.String("type", string(msg.Type)),
				zap.String("origin", msg.Origin),
				zap.String("listener", h.Listener),
				zap.Stringer("priority", h.Priority),
				zap.Error(err),
			)
		}
	}
	return res
}

func (t *Table) invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Fn(ctx, msg)
}

// Handle adapts a typed function into a HandlerFunc. Values of another type
// are reported as errors.
func Handle[T any](fn func(ctx context.Context, origin string, v *T) error) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		v, ok := msg.Value.(*T)
		if !ok {
			return fmt.Errorf("payload %s: unexpected value %T", msg.Type, msg.Value)
		}
		return fn(ctx, msg.Origin, v)
	}
}
