package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	Logger          *zap.Logger
}

// Libp2pPubSub provides gossip-based pubsub over libp2p. The host is created
// by Connect, so a dropped node can be rebuilt without a new value.
type Libp2pPubSub struct {
	opts Libp2pOptions
	log  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service
	topics map[string]*pubsub.Topic
	closed bool
}

func NewLibp2pPubSub(opts Libp2pOptions) *Libp2pPubSub {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Libp2pPubSub{opts: opts, log: log.Named("libp2p")}
}

func (p *Libp2pPubSub) Connect(parent context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.host != nil {
		return nil
	}

	listenAddrs, err := parseMultiaddrs(p.opts.ListenAddrs)
	if err != nil {
		return err
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if p.opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(p.opts.IdentityKeyFile)
		if err != nil {
			return fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}

	// The host outlives the Connect call, so it is bound to its own context.
	ctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return fmt.Errorf("create gossipsub: %w", err)
	}

	p.ctx, p.cancel = ctx, cancel
	p.host, p.ps = h, ps
	p.topics = make(map[string]*pubsub.Topic)

	if p.opts.EnableMDNS {
		service := mdns.NewMdnsService(h, p.opts.Rendezvous, &mdnsNotifee{host: h, log: p.log})
		if err := service.Start(); err != nil {
			p.log.Warn("mdns start failed", zap.Error(err))
		} else {
			p.mdns = service
		}
	}

	for _, raw := range p.opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			p.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			p.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := h.Connect(parent, *info); err != nil {
			p.log.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
		} else {
			p.log.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
		}
	}
	return nil
}

func (p *Libp2pPubSub) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host != nil && !p.closed
}

func (p *Libp2pPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, payload)
}

func (p *Libp2pPubSub) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	base := p.ctx
	p.mu.Unlock()

	out := make(chan Message, 64)
	subCtx, subCancel := context.WithCancel(base)
	stop := context.AfterFunc(ctx, subCancel)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...)}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	cancel := func() {
		stop()
		subCancel()
		sub.Cancel()
	}
	return out, cancel, nil
}

func (p *Libp2pPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.host == nil {
		return nil
	}
	p.cancel()
	for _, t := range p.topics {
		_ = t.Close()
	}
	if p.mdns != nil {
		_ = p.mdns.Close()
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host == nil {
		return ""
	}
	return p.host.ID().String()
}

func (p *Libp2pPubSub) ListenAddrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host == nil {
		return nil
	}
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host == nil {
		return nil
	}
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.ps == nil {
		return nil, ErrNotConnected
	}
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, err
	}
	p.topics[name] = t
	return t, nil
}

func parseMultiaddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Warn("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
