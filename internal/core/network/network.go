package network

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("network: not connected")
	ErrClosed       = errors.New("network: transport closed")
)

// Message is one delivery from the transport.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is the broadcast transport used by a node. The channel returned by
// Subscribe is closed when the subscription is lost; callers resubscribe.
// Publish must be safe for concurrent callers.
type PubSub interface {
	Connect(ctx context.Context) error
	Connected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error)
	Close() error
}
