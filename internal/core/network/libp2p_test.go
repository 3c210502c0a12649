package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLibp2pRejectsInvalidListenAddr(t *testing.T) {
	p := NewLibp2pPubSub(Libp2pOptions{ListenAddrs: []string{"not-a-multiaddr"}})
	if err := p.Connect(context.Background()); err == nil {
		t.Fatalf("expected invalid multiaddr error")
	}
	if p.Connected() {
		t.Fatalf("failed connect must not report connected")
	}
	if err := p.Publish(context.Background(), "net", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLibp2pReportsPeers(t *testing.T) {
	a := NewLibp2pPubSub(Libp2pOptions{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	if a.PeerID() != "" || a.ListenAddrs() != nil || a.ConnectedPeers() != nil {
		t.Fatalf("unconnected host should report nothing")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()

	id := a.PeerID()
	addrs := a.ListenAddrs()
	if id == "" || len(addrs) == 0 {
		t.Fatalf("connected host has id=%q addrs=%v", id, addrs)
	}
	for _, addr := range addrs {
		if !strings.HasPrefix(addr, "/ip4/127.0.0.1/tcp/") || !strings.HasSuffix(addr, "/p2p/"+id) {
			t.Fatalf("unexpected listen addr %q", addr)
		}
	}
	if len(a.ConnectedPeers()) != 0 {
		t.Fatalf("lone host reports peers %v", a.ConnectedPeers())
	}

	b := NewLibp2pPubSub(Libp2pOptions{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   addrs[:1],
	})
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if peers := a.ConnectedPeers(); len(peers) == 1 && peers[0] == b.PeerID() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("a never saw b: %v", a.ConnectedPeers())
}
