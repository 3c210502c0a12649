package network

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"unitcast/internal/config"
)

func TestFromConfigSelectsTransport(t *testing.T) {
	log := zaptest.NewLogger(t)
	cases := []struct {
		cfg  config.TransportConfig
		want string
	}{
		{config.TransportConfig{Kind: "memory"}, "*network.MemoryPubSub"},
		{config.TransportConfig{Kind: "redis", Redis: config.RedisConfig{URL: "redis://127.0.0.1:6379/0"}}, "*network.RedisPubSub"},
		{config.TransportConfig{Kind: "libp2p"}, "*network.Libp2pPubSub"},
	}
	for _, tc := range cases {
		ps, err := FromConfig(tc.cfg, time.Second, log)
		if err != nil {
			t.Fatalf("%s: %v", tc.cfg.Kind, err)
		}
		if got := typeName(ps); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.cfg.Kind, got, tc.want)
		}
		_ = ps.Close()
	}

	if _, err := FromConfig(config.TransportConfig{Kind: "redis", Redis: config.RedisConfig{URL: "::nope"}}, time.Second, log); err == nil {
		t.Fatalf("expected malformed redis url to fail")
	}
	if _, err := FromConfig(config.TransportConfig{Kind: "smoke-signals"}, time.Second, log); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func typeName(ps PubSub) string {
	switch ps.(type) {
	case *MemoryPubSub:
		return "*network.MemoryPubSub"
	case *RedisPubSub:
		return "*network.RedisPubSub"
	case *Libp2pPubSub:
		return "*network.Libp2pPubSub"
	default:
		return "unknown"
	}
}
