package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/onevoice/media-control/internal/command"
	"github.com/onevoice/media-control/internal/config"
	"github.com/onevoice/media-control/internal/control"
	"github.com/onevoice/media-control/internal/engine"
	"github.com/onevoice/media-control/internal/httpserver"
	"github.com/onevoice/media-control/internal/metrics"
	"github.com/onevoice/media-control/internal/registry"
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

	logger.Info("starting onevoice-media-control",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"default_room_id", cfg.DefaultRoomID,
		"tap_bind_ip", cfg.TapBindIP.String(),
		"max_rooms", cfg.MaxRooms,
		"max_taps_per_room", cfg.MaxTapsPerRoom,
		"command_timeout", cfg.CommandTimeout,
		"engine_udp_port_range_set", cfg.EngineUDPPortRange != nil,
	)

	logStartupSecurityWarnings(logger, cfg)

	eng, err := engine.Start(cfg, logger, nil)
	if err != nil {
		logger.Error("failed to start media engine", "err", err)
		os.Exit(2)
	}
	// A dead engine leaves media state that cannot be reconciled in-process.
	// Exit and let supervision restart us from scratch.
	eng.OnDied(func(err error) {
		logger.Error("media engine died, exiting", "err", err)
		os.Exit(1)
	})

	m := metrics.New()
	reg := registry.New(registry.Options{
		Engine:         eng,
		Logger:         logger,
		Metrics:        m,
		DefaultRoomID:  cfg.DefaultRoomID,
		MaxRooms:       cfg.MaxRooms,
		MaxTapsPerRoom: cfg.MaxTapsPerRoom,
	})

	// The default room exists before the first command so recorders can
	// attach without any explicit room setup.
	if _, _, err := reg.GetOrCreateRoom(cfg.DefaultRoomID, nil); err != nil {
		logger.Error("failed to create default room", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, eng.Err)

	ctl := &control.Server{
		Dispatcher: command.NewDispatcher(command.DispatcherOptions{
			Registry:  reg,
			Engine:    eng,
			Logger:    logger,
			Metrics:   m,
			TapBindIP: cfg.TapBindIP,
			Timeout:   cfg.CommandTimeout,
		}),
		Logger:               logger,
		Metrics:              m,
		IdleTimeout:          cfg.ControlWSIdleTimeout,
		PingInterval:         cfg.ControlWSPingInterval,
		MaxMessageBytes:      cfg.MaxControlMessageBytes,
		MaxMessagesPerSecond: cfg.MaxControlMessagesPerSecond,
	}
	srv.Mux().HandleFunc("GET /control", ctl.HandleControl)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		reg.Close()
		eng.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	reg.Close()
	eng.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
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
