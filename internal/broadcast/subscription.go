package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"unitcast/internal/observability"
)

// LinkState is the state of the network subscription.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkSubscribing
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkSubscribing:
		return "subscribing"
	case LinkConnected:
		return "connected"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

var errSubscriptionClosed = errors.New("subscription closed by transport")

// run keeps the node subscribed until ctx is cancelled. Each failure is
// followed by a full RetryDelay wait before the next attempt.
func (n *Node) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer n.setState(LinkDisconnected)

	for {
		err := n.session(ctx)
		if ctx.Err() != nil {
			return
		}
		n.setState(LinkDisconnected)
		n.log.Warn("subscription lost, retrying",
			zap.Error(err),
			zap.Duration("retry_delay", n.cfg.RetryDelay),
		)
		if !sleepRetry(ctx, n.cfg.RetryDelay) {
			return
		}
		observability.RecordReconnect(n.cfg.Network)
	}
}

// session connects if needed, subscribes and consumes messages in transport
// order until the subscription ends. A slow handler delays the messages
// queued behind it.
func (n *Node) session(ctx context.Context) error {
	n.setState(LinkSubscribing)
	if !n.transport.Connected() {
		if err := n.connect(ctx); err != nil {
			return err
		}
	}
	msgs, unsubscribe, err := n.transport.Subscribe(ctx, n.cfg.Network)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.cfg.Network, err)
	}
	defer unsubscribe()

	n.setState(LinkConnected)
	n.log.Info("subscribed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errSubscriptionClosed
			}
			n.receiving.Store(true)
			n.receive(ctx, msg)
			n.receiving.Store(false)
		}
	}
}

func (n *Node) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()
	if err := n.transport.Connect(cctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (n *Node) setState(s LinkState) {
	n.state.Store(int32(s))
}

func sleepRetry(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
