package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"unitcast/internal/core/network"
)

func TestBroadcastOverRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	transport := func() network.PubSub {
		ps, err := network.NewRedisPubSub(network.RedisOptions{
			URL:    "redis://" + srv.Addr(),
			Logger: zaptest.NewLogger(t),
		})
		if err != nil {
			t.Fatalf("redis transport: %v", err)
		}
		return ps
	}

	a := newTestNode(t, transport(), "A")
	b := newTestNode(t, transport(), "B")
	rec := recordPings(t, b)
	startNode(t, a)
	startNode(t, b)

	if err := a.Broadcast(context.Background(), &ping{Seq: 3}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0]; got.origin != "A" || got.seq != 3 {
		t.Fatalf("unexpected delivery %+v", got)
	}
}
