package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pairwave/callkit/internal/config"
	"github.com/pairwave/callkit/internal/metrics"
	"github.com/pairwave/callkit/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting callkit-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"turn_rest_enabled", cfg.TurnREST.Enabled(),
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := relay.New(cfg, logger, m, relay.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, relay.ErrServerClosed) {
			logger.Error("relay server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, relay.ErrServerClosed) {
		logger.Error("relay server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured; browser clients are limited to same-host origins")
	}
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration incomplete; /webrtc/ice will report unavailable", "err", err)
	}
	if cfg.TurnREST.Enabled() && cfg.TurnREST.TTLSeconds <= 0 {
		logger.Warn("turn rest ttl is not positive; credential minting will fail")
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
