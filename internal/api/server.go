// Package api serves the admin HTTP surface of a unit: link status, the
// presence roster, on-demand roster queries, a roster event stream and a
// stream of inbound traffic.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"unitcast/internal/broadcast"
	"unitcast/internal/presence"
)

const (
	defaultQueryTTL = 2 * time.Second
	maxQueryTTL     = 30 * time.Second
)

// PeerInfo describes the transport's view of its peers. The libp2p
// transport implements it.
type PeerInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeers() []string
}

type Option func(*Server)

// WithPeers adds a peers block to /api/status.
func WithPeers(p PeerInfo) Option {
	return func(s *Server) { s.peers = p }
}

type Server struct {
	node     *broadcast.Node
	presence *presence.Manager
	peers    PeerInfo
	traffic  *trafficFeed
	log      *zap.Logger
}

func NewServer(node *broadcast.Node, p *presence.Manager, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.L()
	}
	s := &Server{node: node, presence: p, traffic: newTrafficFeed(), log: log.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	if node != nil {
		node.Observe(s.traffic.publish)
	}
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/units", s.handleUnits)
	mux.HandleFunc("/api/units/query", s.handleQuery)
	mux.HandleFunc("/api/units/stream", s.handleStream)
	mux.HandleFunc("/api/traffic/stream", s.handleTraffic)
}

// Handler returns the API routes wrapped with request logging and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.instrument(mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "node unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	types := s.node.PayloadTypes()
	names := make([]string, 0, len(types))
	for _, id := range types {
		names = append(names, string(id))
	}
	body := map[string]any{
		"network":          s.node.Network(),
		"unit":             s.node.Unit(),
		"link":             s.node.State().String(),
		"pending_feedback": s.node.PendingFeedback(),
		"payload_types":    names,
	}
	if s.peers != nil {
		body["peers"] = map[string]any{
			"id":        s.peers.PeerID(),
			"addrs":     nonNil(s.peers.ListenAddrs()),
			"connected": nonNil(s.peers.ConnectedPeers()),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": s.presence.Units()})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TTLMS int64 `json:"ttl_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TTLMS < 0 {
		writeError(w, http.StatusBadRequest, "ttl_ms must be >= 0")
		return
	}
	ttl := time.Duration(req.TTLMS) * time.Millisecond
	if ttl == 0 {
		ttl = defaultQueryTTL
	}
	if ttl > maxQueryTTL {
		ttl = maxQueryTTL
	}
	units, err := s.presence.Query(r.Context(), ttl)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units, "ttl_ms": ttl.Milliseconds()})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
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
	ch, cancel := s.presence.Subscribe()
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
				s.log.Warn("encode stream event", zap.Error(err))
				continue
			}
			if !writeEvent(w, flusher, evt.Type, b) {
				return
			}
		}
	}
}

func startStream(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) bool {
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
