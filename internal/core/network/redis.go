package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MinConnectTimeout is the shortest dial timeout accepted for brokers.
const MinConnectTimeout = time.Second

// RedisOptions configures the Redis pub/sub transport.
type RedisOptions struct {
	URL            string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// RedisPubSub publishes and subscribes through Redis PUBLISH/SUBSCRIBE.
type RedisPubSub struct {
	opts    RedisOptions
	redisOp *redis.Options
	log     *zap.Logger

	mu        sync.Mutex
	client    *redis.Client
	connected bool
	closed    bool
}

// NewRedisPubSub validates the target URL. A malformed URL is a
// configuration error and is reported here rather than retried.
func NewRedisPubSub(opts RedisOptions) (*RedisPubSub, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ConnectTimeout < MinConnectTimeout {
		opts.ConnectTimeout = MinConnectTimeout
	}
	ro.DialTimeout = opts.ConnectTimeout
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPubSub{opts: opts, redisOp: ro, log: log.Named("redis")}, nil
}

func (r *RedisPubSub) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.client == nil {
		r.client = redis.NewClient(r.redisOp)
	}
	client := r.client
	r.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", r.redisOp.Addr, err)
	}

	r.mu.Lock()
	r.connected = !r.closed
	r.mu.Unlock()
	return nil
}

func (r *RedisPubSub) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := r.active()
	if err != nil {
		return err
	}
	return client.Publish(ctx, topic, payload).Err()
}

// Subscribe waits for the subscription confirmation before returning. The
// returned channel closes when the connection fails, after which the
// transport reports not connected.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	client, err := r.active()
	if err != nil {
		return nil, nil, err
	}
	sub := client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		r.markDown()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan Message, 64)
	subCtx, subCancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.ReceiveMessage(subCtx)
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
					r.log.Warn("redis subscription lost", zap.String("topic", topic), zap.Error(err))
					r.markDown()
				}
				return
			}
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			subCancel()
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.connected = false
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisPubSub) active() (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.client == nil || !r.connected {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

func (r *RedisPubSub) markDown() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}
