package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"unitcast/internal/payload"
)

const trafficEvent = "message"

// TrafficEvent is one inbound message as seen by the node after routing.
type TrafficEvent struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
}

// trafficFeed fans node observations out to stream subscribers. Slow
// subscribers miss events rather than block the receive goroutine.
type trafficFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan TrafficEvent
}

func newTrafficFeed() *trafficFeed {
	return &trafficFeed{subs: make(map[int]chan TrafficEvent)}
}

func (f *trafficFeed) publish(_ context.Context, msg payload.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return
	}
	evt := TrafficEvent{Type: string(msg.Type), Origin: msg.Origin, At: time.Now()}
	// Encoded here, while the receive goroutine still owns the value.
	if b, err := json.Marshal(msg.Value); err == nil {
		evt.Data = b
	}
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *trafficFeed) subscribe() (<-chan TrafficEvent, func()) {
	ch := make(chan TrafficEvent, 64)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "node unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel := s.traffic.subscribe()
	defer cancel()
	startStream(w, flusher)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("encode traffic event", zap.Error(err))
				continue
			}
			if !writeEvent(w, flusher, trafficEvent, b) {
				return
			}
		}
	}
}
