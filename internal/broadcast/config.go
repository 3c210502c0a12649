package broadcast

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"unitcast/internal/codec"
	"unitcast/internal/config"
	"unitcast/internal/envelope"
)

var ErrInvalidConfig = errors.New("broadcast: invalid config")

// DefaultFeedbackTTL applies when neither the call nor the config sets one.
const DefaultFeedbackTTL = 5 * time.Second

// Config describes one unit on one network.
type Config struct {
	Network        string
	Unit           string
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	FeedbackTTL    time.Duration

	// Codec encodes payload bodies. Defaults to JSON.
	Codec codec.Codec
	// Format encodes envelopes. Defaults to the canonical JSON envelope.
	Format envelope.Format
}

// FromConfig resolves the codec and wire format named in the application
// config.
func FromConfig(c *config.Config) (Config, error) {
	codecs, err := codec.Default()
	if err != nil {
		return Config{}, err
	}
	cd, err := codecs.Lookup(c.Codec)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	format, err := envelope.FormatByName(c.WireFormat)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Config{
		Network:        c.Network,
		Unit:           c.Unit,
		ConnectTimeout: c.ConnectTimeout,
		RetryDelay:     c.RetryDelay,
		FeedbackTTL:    c.FeedbackTTL,
		Codec:          cd,
		Format:         format,
	}, nil
}

func (c *Config) normalize() error {
	c.Network = strings.TrimSpace(c.Network)
	c.Unit = strings.TrimSpace(c.Unit)
	if c.Network == "" {
		return fmt.Errorf("%w: network is required", ErrInvalidConfig)
	}
	if c.Unit == "" {
		return fmt.Errorf("%w: unit is required", ErrInvalidConfig)
	}
	if c.ConnectTimeout < config.MinConnectTimeout {
		c.ConnectTimeout = config.MinConnectTimeout
	}
	if c.RetryDelay < config.MinRetryDelay {
		c.RetryDelay = config.MinRetryDelay
	}
	switch {
	case c.FeedbackTTL <= 0:
		c.FeedbackTTL = DefaultFeedbackTTL
	case c.FeedbackTTL < config.MinFeedbackTTL:
		c.FeedbackTTL = config.MinFeedbackTTL
	}
	if c.Codec == nil {
		c.Codec = codec.JSON()
	}
	if c.Format == nil {
		c.Format = envelope.Canonical()
	}
	if c.Format.Name() == envelope.Legacy().Name() && c.Codec.ContentType() != codec.JSON().ContentType() {
		return fmt.Errorf("%w: legacy wire format requires the json codec", ErrInvalidConfig)
	}
	return nil
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger sets the node logger. The default is zap.L().
func WithLogger(log *zap.Logger) Option {
	return func(n *Node) {
		if log != nil {
			n.log = log
		}
	}
}

// WithClock replaces the clock used for feedback expiry checks.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}
