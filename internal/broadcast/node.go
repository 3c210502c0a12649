// Package broadcast is the facade units use to talk to each other: it owns
// the payload registry, the handler table and the feedback manager, keeps the
// network subscription alive and routes inbound envelopes.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unitcast/internal/core/network"
	"unitcast/internal/envelope"
	"unitcast/internal/feedback"
	"unitcast/internal/observability"
	"unitcast/internal/payload"
)

var (
	ErrClosed         = errors.New("broadcast: node closed")
	ErrAlreadyStarted = errors.New("broadcast: node already started")
	ErrNilPayload     = errors.New("broadcast: nil payload")
	ErrNotRequest     = errors.New("broadcast: feedback payload is not a request")
	ErrNoFeedbackID   = errors.New("broadcast: feedback payload has no id")
)

// Observer sees every inbound message that was routed to handlers or to a
// pending feedback request. Observers run on the receive goroutine.
type Observer func(ctx context.Context, msg payload.Message)

// Node is one unit's endpoint on a network.
type Node struct {
	cfg       Config
	transport network.PubSub
	log       *zap.Logger
	now       func() time.Time

	registry *payload.Registry
	table    *payload.Table
	feedback *feedback.Manager

	state     atomic.Int32
	receiving atomic.Bool

	mu        sync.Mutex
	observers []Observer
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, transport network.PubSub, opts ...Option) (*Node, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		transport: transport,
		log:       zap.L(),
		now:       time.Now,
		registry:  payload.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.Named("broadcast").With(zap.String("network", cfg.Network), zap.String("unit", cfg.Unit))
	n.table = payload.NewTable(n.log)
	n.feedback = feedback.NewManager(
		feedback.WithClock(n.now),
		feedback.WithLogger(n.log),
		feedback.WithSizeObserver(func(size int) {
			observability.SetFeedbackPending(cfg.Network, size)
		}),
	)
	n.state.Store(int32(LinkDisconnected))
	return n, nil
}

// Start connects the transport and launches the subscription loop. A failed
// first connect is returned and not retried.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return ErrClosed
	case n.started:
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	if err := n.connect(ctx); err != nil {
		n.mu.Lock()
		n.started = false
		n.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cancel()
		return ErrClosed
	}
	n.cancel, n.done = cancel, done
	n.mu.Unlock()

	go n.run(loopCtx, done)
	n.log.Info("node started", zap.Duration("retry_delay", n.cfg.RetryDelay))
	return nil
}

// Close stops the subscription loop, drops pending feedback requests and
// closes the transport. It is safe to call more than once. While a handler
// is running, including when that handler is the caller, Close returns after
// cancelling the loop and the rest of the teardown happens once the handler
// returns.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		if n.receiving.Load() {
			go func() {
				<-done
				if err := n.release(); err != nil {
					n.log.Warn("close transport", zap.Error(err))
				}
			}()
			return nil
		}
		<-done
	}
	return n.release()
}

func (n *Node) release() error {
	n.log.Info("node closed")
	n.feedback.Close()
	return n.transport.Close()
}

func (n *Node) RegisterPayload(shape payload.Shape) error {
	return n.registry.Register(shape)
}

// RegisterPayloads registers every shape and reports all failures together.
func (n *Node) RegisterPayloads(shapes ...payload.Shape) error {
	return n.registry.RegisterAll(shapes...)
}

func (n *Node) RegisterHandler(id payload.TypeID, priority payload.Priority, listener string, fn payload.HandlerFunc) error {
	return n.table.Register(id, payload.Handler{Priority: priority, Listener: listener, Fn: fn})
}

// Observe adds an observer for routed inbound messages.
func (n *Node) Observe(fn Observer) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, fn)
	n.mu.Unlock()
}

// Broadcast publishes p to every unit on the network. The sender only sees
// it locally when the payload type opts into self delivery.
func (n *Node) Broadcast(ctx context.Context, p payload.Payload) error {
	if p == nil {
		return ErrNilPayload
	}
	if n.isClosed() {
		return ErrClosed
	}
	id := p.PayloadType()
	data, err := envelope.EncodeBody(n.cfg.Codec, p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	raw, err := n.cfg.Format.Marshal(envelope.Envelope{
		Type:   string(id),
		Origin: n.cfg.Unit,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("wrap %s: %w", id, err)
	}
	if err := n.transport.Publish(ctx, n.cfg.Network, raw); err != nil {
		return fmt.Errorf("publish %s: %w", id, err)
	}
	observability.RecordPublished(n.cfg.Network, string(id))
	return nil
}

// BroadcastFeedback publishes a feedback request and routes responses to cb
// until the request expires. A ttl of zero falls back to the payload's TTL
// and then to the configured default.
func (n *Node) BroadcastFeedback(ctx context.Context, p feedback.Carrier, ttl time.Duration, cb feedback.Callback) error {
	if p == nil {
		return ErrNilPayload
	}
	if p.FeedbackState() != feedback.StateRequest {
		return ErrNotRequest
	}
	id := p.FeedbackID()
	if id == uuid.Nil {
		return ErrNoFeedbackID
	}
	if ttl <= 0 {
		ttl = p.TTL()
	}
	if ttl <= 0 {
		ttl = n.cfg.FeedbackTTL
	}
	if ttl < feedback.MinTTL {
		ttl = feedback.MinTTL
	}
	p.SetTTL(ttl)

	// Registered first so a loopback response cannot arrive before it.
	if err := n.feedback.Add(id, ttl, cb); err != nil {
		return err
	}
	if err := n.Broadcast(ctx, p); err != nil {
		n.feedback.Remove(id)
		return err
	}
	return nil
}

// Respond turns a received request into a response and broadcasts it.
// Calling it again on the same value does nothing.
func (n *Node) Respond(ctx context.Context, p feedback.Carrier) error {
	if p == nil {
		return ErrNilPayload
	}
	if !p.MarkResponse() {
		return nil
	}
	return n.Broadcast(ctx, p)
}

// CancelFeedback drops a pending request before it expires.
func (n *Node) CancelFeedback(id uuid.UUID) bool {
	return n.feedback.Remove(id)
}

func (n *Node) Unit() string    { return n.cfg.Unit }
func (n *Node) Network() string { return n.cfg.Network }

func (n *Node) State() LinkState { return LinkState(n.state.Load()) }

func (n *Node) PendingFeedback() int { return n.feedback.Pending() }

func (n *Node) PayloadTypes() []payload.TypeID { return n.registry.IDs() }

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// receive routes one transport message. Every failure is logged and the
// message dropped.
func (n *Node) receive(ctx context.Context, msg network.Message) {
	if msg.Topic != "" && msg.Topic != n.cfg.Network {
		n.log.Debug("ignore message from foreign channel", zap.String("topic", msg.Topic))
		observability.RecordReceived(n.cfg.Network, observability.OutcomeForeign)
		return
	}
	env, err := n.cfg.Format.Unmarshal(msg.Payload)
	if err != nil {
		n.log.Warn("drop malformed envelope", zap.Error(err))
		observability.RecordReceived(n.cfg.Network, observability.OutcomeMalformed)
		return
	}

	id := payload.TypeID(env.Type)
	shape, ok := n.registry.Resolve(id)
	if !ok {
		n.log.Debug("drop unknown payload type", zap.String("type", env.Type), zap.String("origin", env.Origin))
		observability.RecordReceived(n.cfg.Network, observability.OutcomeUnknownType)
		return
	}
	if env.Origin == n.cfg.Unit && !shape.SelfDelivery {
		observability.RecordReceived(n.cfg.Network, observability.OutcomeSelf)
		return
	}

	value := shape.New()
	if err := envelope.DecodeBody(n.cfg.Codec, env.Data, value); err != nil {
		n.log.Warn("drop undecodable payload",
			zap.String("type", env.Type),
			zap.String("origin", env.Origin),
			zap.Error(err),
		)
		observability.RecordReceived(n.cfg.Network, observability.OutcomeMalformed)
		return
	}

	m := payload.Message{Type: id, Origin: env.Origin, Value: value}
	if c, ok := value.(feedback.Carrier); ok && c.FeedbackState() == feedback.StateResponse {
		if !n.feedback.Deliver(ctx, c.FeedbackID(), env.Origin, value) {
			n.log.Debug("feedback response not delivered",
				zap.Stringer("id", c.FeedbackID()),
				zap.String("origin", env.Origin),
			)
		}
		observability.RecordReceived(n.cfg.Network, observability.OutcomeFeedback)
	} else {
		res := n.table.Dispatch(ctx, m)
		observability.RecordHandlerFailures(env.Type, res.Failed)
		observability.RecordReceived(n.cfg.Network, observability.OutcomeDispatched)
	}
	n.notify(ctx, m)
}

func (n *Node) notify(ctx context.Context, m payload.Message) {
	n.mu.Lock()
	observers := n.observers
	n.mu.Unlock()
	for _, fn := range observers {
		fn(ctx, m)
	}
}
