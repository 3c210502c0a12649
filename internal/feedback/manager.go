package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinTTL is the shortest window a request may stay open.
const MinTTL = 10 * time.Millisecond

var (
	ErrDuplicateRequest = errors.New("feedback: request already pending")
	ErrNilCallback      = errors.New("feedback: nil callback")
)

// Response is one unit's answer to a pending request.
type Response struct {
	ID     uuid.UUID
	Origin string
	Value  any
}

// Callback receives responses for one request.
type Callback func(ctx context.Context, r Response)

// On adapts a typed function into a Callback. Responses of another type are
// ignored.
func On[T any](fn func(ctx context.Context, origin string, v *T)) Callback {
	return func(ctx context.Context, r Response) {
		if v, ok := r.Value.(*T); ok {
			fn(ctx, r.Origin, v)
		}
	}
}

type request struct {
	mu        sync.Mutex
	id        uuid.UUID
	expiresAt time.Time
	callback  Callback
	responded map[string]struct{}
	timer     *time.Timer
	closed    bool
}

// Manager tracks outstanding requests by correlation id.
type Manager struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*request
	now     func() time.Time
	log     *zap.Logger
	onSize  func(int)
}

type Option func(*Manager)

// WithClock replaces time.Now for expiry checks. Timers still use real time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSizeObserver is called with the pending count after every change.
func WithSizeObserver(fn func(int)) Option {
	return func(m *Manager) { m.onSize = fn }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pending: make(map[uuid.UUID]*request),
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add opens a request that accepts responses for ttl.
func (m *Manager) Add(id uuid.UUID, ttl time.Duration, cb Callback) error {
	if cb == nil {
		return ErrNilCallback
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	req := &request{
		id:        id,
		expiresAt: m.now().Add(ttl),
		callback:  cb,
		responded: make(map[string]struct{}),
	}

	m.mu.Lock()
	if _, ok := m.pending[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	m.pending[id] = req
	// Hold req.mu until the timer is set so an early fire sees it.
	req.mu.Lock()
	size := len(m.pending)
	m.mu.Unlock()
	req.timer = time.AfterFunc(ttl, func() { m.expire(id) })
	req.mu.Unlock()

	m.observe(size)
	m.log.Debug("feedback request pending", zap.Stringer("id", id), zap.Duration("ttl", ttl))
	return nil
}

// Deliver hands a response from unit to the request's callback. It reports
// whether the callback ran. Unknown or expired ids and repeat answers from
// the same unit are ignored.
func (m *Manager) Deliver(ctx context.Context, id uuid.UUID, unit string, value any) bool {
	m.mu.Lock()
	req, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if req.closed || !m.now().Before(req.expiresAt) {
		return false
	}
	key := strings.ToLower(strings.TrimSpace(unit))
	if _, dup := req.responded[key]; dup {
		m.log.Debug("duplicate feedback response suppressed", zap.Stringer("id", id), zap.String("unit", unit))
		return false
	}
	req.responded[key] = struct{}{}
	req.callback(ctx, Response{ID: id, Origin: unit, Value: value})
	return true
}

// Remove drops a request and stops its timer. It must not be called from
// inside that request's own callback.
func (m *Manager) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	req, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	size := len(m.pending)
	m.mu.Unlock()
	if !ok {
		return false
	}
	req.close()
	m.observe(size)
	return true
}

func (m *Manager) expire(id uuid.UUID) {
	if m.Remove(id) {
		m.log.Debug("feedback request expired", zap.Stringer("id", id))
	}
}

// Pending reports the number of open requests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close drops every request and stops all timers.
func (m *Manager) Close() {
	m.mu.Lock()
	reqs := make([]*request, 0, len(m.pending))
	for id, req := range m.pending {
		reqs = append(reqs, req)
		delete(m.pending, id)
	}
	m.mu.Unlock()
	for _, req := range reqs {
		req.close()
	}
	m.observe(0)
}

func (m *Manager) observe(size int) {
	if m.onSize != nil {
		m.onSize(size)
	}
}

func (r *request) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
