package network

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"unitcast/internal/config"
)

// FromConfig builds the transport selected by cfg.Kind.
func FromConfig(cfg config.TransportConfig, connectTimeout time.Duration, log *zap.Logger) (PubSub, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemoryPubSub(), nil
	case "redis":
		return NewRedisPubSub(RedisOptions{
			URL:            cfg.Redis.URL,
			ConnectTimeout: connectTimeout,
			Logger:         log,
		})
	case "libp2p":
		return NewLibp2pPubSub(Libp2pOptions{
			ListenAddrs:     cfg.Libp2p.ListenAddrs,
			Bootstrap:       cfg.Libp2p.Bootstrap,
			Rendezvous:      cfg.Libp2p.Rendezvous,
			EnableMDNS:      cfg.Libp2p.EnableMDNS,
			IdentityKeyFile: cfg.Libp2p.IdentityKeyFile,
			Logger:          log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
