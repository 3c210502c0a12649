package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"unitcast/internal/api"
	"unitcast/internal/broadcast"
	"unitcast/internal/config"
	"unitcast/internal/core/network"
	"unitcast/internal/observability"
	"unitcast/internal/presence"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "unitcast:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := network.FromConfig(cfg.Transport, cfg.ConnectTimeout, logger)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	nodeCfg, err := broadcast.FromConfig(cfg)
	if err != nil {
		return err
	}
	node, err := broadcast.New(nodeCfg, transport, broadcast.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	roster, err := presence.NewManager(node, presence.Options{
		Version:          cfg.Presence.Version,
		AnnounceInterval: cfg.Presence.AnnounceInterval,
		StaleAfter:       cfg.Presence.StaleAfter,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	roster.Start(ctx)
	logger.Info("unit online",
		zap.String("network", cfg.Network),
		zap.String("unit", cfg.Unit),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("codec", cfg.Codec),
		zap.String("wire_format", cfg.WireFormat),
	)

	if cfg.HTTP.Addr == "" {
		<-ctx.Done()
		return nil
	}

	var apiOpts []api.Option
	if p2p, ok := transport.(*network.Libp2pPubSub); ok {
		apiOpts = append(apiOpts, api.WithPeers(p2p))
		logger.Info("libp2p peer", zap.String("peer_id", p2p.PeerID()), zap.Strings("addrs", p2p.ListenAddrs()))
	}
	mux := http.NewServeMux()
	mux.Handle("/api/", api.NewServer(node, roster, logger, apiOpts...).Handler())
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("unit shutting down")
	return nil
}
