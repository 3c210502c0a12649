// Package presence keeps a roster of the units on a network, built on
// periodic announcements and on-demand roster queries.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"unitcast/internal/broadcast"
	"unitcast/internal/feedback"
	"unitcast/internal/payload"
)

const (
	EventJoined = "unit_joined"
	EventSeen   = "unit_seen"
	EventPruned = "unit_pruned"
)

var ErrNodeRequired = errors.New("presence: node required")

type Unit struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Meta     map[string]string `json:"meta,omitempty"`
	Self     bool              `json:"self"`
	LastSeen time.Time         `json:"last_seen"`
}

type Event struct {
	Type string    `json:"type"`
	Unit *Unit     `json:"unit,omitempty"`
	At   time.Time `json:"at"`
}

type Options struct {
	Version          string
	Meta             map[string]string
	AnnounceInterval time.Duration
	StaleAfter       time.Duration
	Logger           *zap.Logger
}

// Manager tracks the roster for one node.
type Manager struct {
	node *broadcast.Node
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	units   map[string]*Unit
	subs    map[int]chan Event
	nextSub int
}

// NewManager registers the presence payloads and handlers on node.
func NewManager(node *broadcast.Node, opts Options) (*Manager, error) {
	if node == nil {
		return nil, ErrNodeRequired
	}
	if opts.AnnounceInterval <= 0 {
		opts.AnnounceInterval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 4 * opts.AnnounceInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	m := &Manager{
		node:  node,
		opts:  opts,
		log:   log.Named("presence"),
		now:   func() time.Time { return time.Now().UTC() },
		units: make(map[string]*Unit),
		subs:  make(map[int]chan Event),
	}

	if err := node.RegisterPayloads(Shapes()...); err != nil {
		return nil, fmt.Errorf("register presence payloads: %w", err)
	}
	if err := node.RegisterHandler(payload.NameOf[Announce](), payload.PriorityNormal, "presence",
		payload.Handle(m.handleAnnounce)); err != nil {
		return nil, err
	}
	if err := node.RegisterHandler(payload.NameOf[RosterQuery](), payload.PriorityNormal, "presence",
		payload.Handle(m.handleQuery)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.upsertLocked(node.Unit(), opts.Version, opts.Meta)
	m.mu.Unlock()
	return m, nil
}

// Start announces this unit and keeps announcing and pruning until ctx ends.
// A failed first announcement is logged; the link may still be coming up.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Announce(ctx); err != nil {
		m.log.Warn("initial announce failed", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(m.opts.AnnounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Announce(ctx); err != nil {
					m.log.Warn("announce failed", zap.Error(err))
				}
				if n := m.Prune(m.opts.StaleAfter); n > 0 {
					m.log.Info("pruned stale units", zap.Int("count", n))
				}
			}
		}
	}()
}

// Announce broadcasts this unit's description.
func (m *Manager) Announce(ctx context.Context) error {
	return m.node.Broadcast(ctx, &Announce{
		Unit:    m.node.Unit(),
		Version: m.opts.Version,
		Meta:    copyMeta(m.opts.Meta),
		At:      m.now(),
	})
}

// Query asks every unit to report itself and collects the answers until ttl
// runs out. The local unit is always part of the result.
func (m *Manager) Query(ctx context.Context, ttl time.Duration) ([]Unit, error) {
	var mu sync.Mutex
	collected := map[string]Unit{}
	self := m.describeSelf()
	collected[strings.ToLower(self.Name)] = self

	q := &RosterQuery{Feedback: feedback.New(ttl), At: m.now()}
	cb := feedback.On(func(_ context.Context, origin string, r *RosterQuery) {
		u := m.observe(origin, r.Version, r.Meta)
		mu.Lock()
		collected[strings.ToLower(origin)] = u
		mu.Unlock()
	})
	if err := m.node.BroadcastFeedback(ctx, q, ttl, cb); err != nil {
		return nil, err
	}

	timer := time.NewTimer(q.TTL())
	defer timer.Stop()
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
	}
	m.node.CancelFeedback(q.ID)

	mu.Lock()
	defer mu.Unlock()
	out := make([]Unit, 0, len(collected))
	for _, u := range collected {
		out = append(out, u)
	}
	sortUnits(out)
	return out, err
}

// Units returns the roster sorted by name.
func (m *Manager) Units() []Unit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, cloneUnit(u))
	}
	sortUnits(out)
	return out
}

// Subscribe streams roster changes. Slow subscribers miss events rather than
// block the receive path.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Prune forgets remote units not seen within maxAge and reports how many
// were removed.
func (m *Manager) Prune(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, u := range m.units {
		if u.Self || !u.LastSeen.Before(cutoff) {
			continue
		}
		delete(m.units, key)
		removed++
		cp := cloneUnit(u)
		m.emitLocked(Event{Type: EventPruned, Unit: &cp, At: m.now()})
	}
	return removed
}

func (m *Manager) handleAnnounce(_ context.Context, origin string, a *Announce) error {
	m.observe(origin, a.Version, a.Meta)
	return nil
}

func (m *Manager) handleQuery(ctx context.Context, origin string, q *RosterQuery) error {
	self := m.describeSelf()
	q.Unit = self.Name
	q.Version = self.Version
	q.Meta = self.Meta
	q.At = m.now()
	if err := m.node.Respond(ctx, q); err != nil {
		return fmt.Errorf("answer roster query from %s: %w", origin, err)
	}
	return nil
}

func (m *Manager) observe(name, version string, meta map[string]string) Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(name, version, meta)
}

func (m *Manager) upsertLocked(name, version string, meta map[string]string) Unit {
	key := strings.ToLower(name)
	u, ok := m.units[key]
	if !ok {
		u = &Unit{Name: name, Self: strings.EqualFold(name, m.node.Unit())}
		m.units[key] = u
	}
	u.Version = version
	u.Meta = copyMeta(meta)
	u.LastSeen = m.now()

	cp := cloneUnit(u)
	evt := Event{Type: EventSeen, Unit: &cp, At: u.LastSeen}
	if !ok {
		evt.Type = EventJoined
	}
	m.emitLocked(evt)
	return cp
}

func (m *Manager) emitLocked(evt Event) {
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) describeSelf() Unit {
	return Unit{
		Name:     m.node.Unit(),
		Version:  m.opts.Version,
		Meta:     copyMeta(m.opts.Meta),
		Self:     true,
		LastSeen: m.now(),
	}
}

func cloneUnit(u *Unit) Unit {
	cp := *u
	cp.Meta = copyMeta(u.Meta)
	return cp
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func sortUnits(units []Unit) {
	sort.Slice(units, func(i, j int) bool { return units[i].Name < units[j].Name })
}
