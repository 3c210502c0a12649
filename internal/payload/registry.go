package payload

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps type ids to shapes. It only grows; there is no unregister.
type Registry struct {
	mu     sync.RWMutex
	shapes map[TypeID]Shape
}

func NewRegistry() *Registry {
	return &Registry{shapes: make(map[TypeID]Shape)}
}

// Register stores shape, failing if its id is already known.
func (r *Registry) Register(shape Shape) error {
	if err := shape.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shapes[shape.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, shape.ID)
	}
	r.shapes[shape.ID] = shape
	return nil
}

// RegisterAll registers every shape and reports all failures together.
func (r *Registry) RegisterAll(shapes ...Shape) error {
	var errs []error
	for _, s := range shapes {
		if err := r.Register(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MustRegister panics on failure. Intended for init-time wiring.
func (r *Registry) MustRegister(shapes ...Shape) {
	if err := r.RegisterAll(shapes...); err != nil {
		panic(err)
	}
}

// Resolve looks up a shape. A miss is normal on a shared channel.
func (r *Registry) Resolve(id TypeID) (Shape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shapes[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shapes)
}

func (r *Registry) IDs() []TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeID, 0, len(r.shapes))
	for id := range r.shapes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
