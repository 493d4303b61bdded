package main

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/onevoice/media-control/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	// The control socket carries no authentication. Anything other than a
	// loopback listener exposes room and recording control to the network.
	if host := listenHost(cfg.ListenAddr); host != "" && !isLoopbackHost(host) {
		logger.Warn("startup security warning: control socket listens on a non-loopback address without authentication",
			"warning_code", "control_listen_non_loopback",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_rooms_unlimited_in_prod",
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.EngineUDPPortRange == nil {
		logger.Warn("startup security warning: ENGINE_UDP_PORT_MIN/MAX unset while --mode=prod (media engine may bind any ephemeral UDP port; firewalling is harder)",
			"warning_code", "engine_udp_port_range_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.CommandTimeout > 2*time.Minute {
		logger.Warn("startup security warning: COMMAND_TIMEOUT is very large (a stuck command holds its control connection for that long)",
			"warning_code", "command_timeout_large",
			"command_timeout", cfg.CommandTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxControlMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_CONTROL_MESSAGE_BYTES is very large (increases per-message allocation risk on the control socket)",
			"warning_code", "max_control_message_large",
			"max_control_message_bytes", cfg.MaxControlMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func listenHost(addr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return ""
	}
	return host
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
