package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "MEDIA_CONTROL_LISTEN_ADDR"
	envVarLogFormat       = "MEDIA_CONTROL_LOG_FORMAT"
	envVarLogLevel        = "MEDIA_CONTROL_LOG_LEVEL"
	envVarShutdownTimeout = "MEDIA_CONTROL_SHUTDOWN_TIMEOUT"
	envVarMode            = "MEDIA_CONTROL_MODE"

	// Room and tap knobs.
	envVarDefaultRoomID  = "DEFAULT_ROOM_ID"
	envVarTapBindIP      = "TAP_BIND_IP"
	envVarMaxRooms       = "MAX_ROOMS"
	envVarMaxTapsPerRoom = "MAX_TAPS_PER_ROOM"
	envVarCommandTimeout = "COMMAND_TIMEOUT"

	// Media engine knobs.
	envVarEngineUDPPortMin = "ENGINE_UDP_PORT_MIN"
	envVarEngineUDPPortMax = "ENGINE_UDP_PORT_MAX"

	// Control WebSocket hardening.
	envVarControlWSIdleTimeout        = "CONTROL_WS_IDLE_TIMEOUT"
	envVarControlWSPingInterval       = "CONTROL_WS_PING_INTERVAL"
	envVarMaxControlMessageBytes      = "MAX_CONTROL_MESSAGE_BYTES"
	envVarMaxControlMessagesPerSecond = "MAX_CONTROL_MESSAGES_PER_SECOND"

	DefaultListenAddr           = "127.0.0.1:8082"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultRoomID               = "default-room"
	DefaultTapBindIP            = "127.0.0.1"
	DefaultMaxTapsPerRoom       = 128
	DefaultCommandTimeout       = 10 * time.Second

	DefaultControlWSIdleTimeout        = 60 * time.Second
	DefaultControlWSPingInterval       = 20 * time.Second
	DefaultMaxControlMessageBytes      = int64(64 * 1024)
	DefaultMaxControlMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// UDPPortRange restricts the ephemeral UDP ports the media engine may use for
// taps and transports. When nil, the OS picks ephemeral ports.
type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// DefaultRoomID names the room seeded at bootstrap. Commands that reference
	// an unknown room fall back to it.
	DefaultRoomID string

	// TapBindIP is the local address recording taps bind to. Must be a
	// loopback address: taps are for an on-host recorder, never for external
	// network exposure.
	TapBindIP net.IP

	// MaxRooms bounds the number of concurrently tracked rooms. <= 0 means
	// unlimited.
	MaxRooms int

	// MaxTapsPerRoom bounds concurrently open recording taps per room.
	MaxTapsPerRoom int

	// CommandTimeout bounds how long a single control command may spend in the
	// dispatcher (including engine calls) before it fails with an error result.
	CommandTimeout time.Duration

	// EngineUDPPortRange restricts the UDP ports used by the media engine.
	EngineUDPPortRange *UDPPortRange

	// Control WebSocket hardening.
	ControlWSIdleTimeout        time.Duration
	ControlWSPingInterval       time.Duration
	MaxControlMessageBytes      int64
	MaxControlMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	defaultRoomID := envOrDefault(lookup, envVarDefaultRoomID, DefaultRoomID)
	tapBindIPStr := envOrDefault(lookup, envVarTapBindIP, DefaultTapBindIP)

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	commandTimeout := DefaultCommandTimeout
	if raw, ok := lookup(envVarCommandTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarCommandTimeout, raw, err)
		}
		commandTimeout = d
	}

	maxRooms, err := envIntOrDefault(lookup, envVarMaxRooms, 0)
	if err != nil {
		return Config{}, err
	}
	maxTapsPerRoom, err := envIntOrDefault(lookup, envVarMaxTapsPerRoom, DefaultMaxTapsPerRoom)
	if err != nil {
		return Config{}, err
	}

	controlWSIdleTimeout := DefaultControlWSIdleTimeout
	if raw, ok := lookup(envVarControlWSIdleTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarControlWSIdleTimeout, raw, err)
		}
		controlWSIdleTimeout = d
	}

	controlWSPingInterval := DefaultControlWSPingInterval
	if raw, ok := lookup(envVarControlWSPingInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarControlWSPingInterval, raw, err)
		}
		controlWSPingInterval = d
	}

	maxControlMessageBytes := DefaultMaxControlMessageBytes
	if raw, ok := lookup(envVarMaxControlMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxControlMessageBytes, raw, err)
		}
		maxControlMessageBytes = n
	}

	maxControlMessagesPerSecond := DefaultMaxControlMessagesPerSecond
	if raw, ok := lookup(envVarMaxControlMessagesPerSecond); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxControlMessagesPerSecond, raw, err)
		}
		maxControlMessagesPerSecond = n
	}

	var engineUDPPortMin uint
	if raw, ok := lookup(envVarEngineUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarEngineUDPPortMin, raw, err)
		}
		engineUDPPortMin = uint(p)
	}

	var engineUDPPortMax uint
	if raw, ok := lookup(envVarEngineUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarEngineUDPPortMax, raw, err)
		}
		engineUDPPortMax = uint(p)
	}

	fs := flag.NewFlagSet("onevoice-media-control", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&defaultRoomID, "default-room-id", defaultRoomID, "Room seeded at startup and used as the unknown-room fallback (env "+envVarDefaultRoomID+")")
	fs.StringVar(&tapBindIPStr, "tap-bind-ip", tapBindIPStr, "Loopback IP recording taps bind to (env "+envVarTapBindIP+")")
	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Maximum concurrently tracked rooms (0 = unlimited; env "+envVarMaxRooms+")")
	fs.IntVar(&maxTapsPerRoom, "max-taps-per-room", maxTapsPerRoom, "Maximum open recording taps per room (env "+envVarMaxTapsPerRoom+")")
	fs.DurationVar(&commandTimeout, "command-timeout", commandTimeout, "Per-command execution timeout (env "+envVarCommandTimeout+")")

	fs.UintVar(&engineUDPPortMin, "engine-udp-port-min", engineUDPPortMin, "Min UDP port for media engine sockets (0 = unset; env "+envVarEngineUDPPortMin+")")
	fs.UintVar(&engineUDPPortMax, "engine-udp-port-max", engineUDPPortMax, "Max UDP port for media engine sockets (0 = unset; env "+envVarEngineUDPPortMax+")")

	fs.DurationVar(&controlWSIdleTimeout, "control-ws-idle-timeout", controlWSIdleTimeout, "Close idle control WebSocket connections after this duration (env "+envVarControlWSIdleTimeout+")")
	fs.DurationVar(&controlWSPingInterval, "control-ws-ping-interval", controlWSPingInterval, "Send ping frames on control WebSocket connections at this interval (must be < --control-ws-idle-timeout; env "+envVarControlWSPingInterval+")")
	fs.Int64Var(&maxControlMessageBytes, "max-control-message-bytes", maxControlMessageBytes, "Max inbound control WS message size in bytes (env "+envVarMaxControlMessageBytes+")")
	fs.IntVar(&maxControlMessagesPerSecond, "max-control-messages-per-second", maxControlMessagesPerSecond, "Max inbound control WS messages per second (env "+envVarMaxControlMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if strings.TrimSpace(defaultRoomID) == "" {
		return Config{}, fmt.Errorf("%s/--default-room-id must not be empty", envVarDefaultRoomID)
	}
	if commandTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--command-timeout must be > 0", envVarCommandTimeout)
	}
	if maxTapsPerRoom <= 0 {
		return Config{}, fmt.Errorf("%s/--max-taps-per-room must be > 0", envVarMaxTapsPerRoom)
	}
	if controlWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--control-ws-idle-timeout must be > 0", envVarControlWSIdleTimeout)
	}
	if controlWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--control-ws-ping-interval must be > 0", envVarControlWSPingInterval)
	}
	if controlWSPingInterval >= controlWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--control-ws-ping-interval must be < %s/--control-ws-idle-timeout", envVarControlWSPingInterval, envVarControlWSIdleTimeout)
	}
	if maxControlMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-control-message-bytes must be > 0", envVarMaxControlMessageBytes)
	}
	if maxControlMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-control-messages-per-second must be > 0", envVarMaxControlMessagesPerSecond)
	}

	tapBindIP := net.ParseIP(strings.TrimSpace(tapBindIPStr))
	if tapBindIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--tap-bind-ip %q", envVarTapBindIP, tapBindIPStr)
	}
	if !tapBindIP.IsLoopback() {
		// Taps feed an on-host recorder. Binding them anywhere else would turn
		// the control plane into an unauthenticated media exfiltration endpoint.
		return Config{}, fmt.Errorf("%s/--tap-bind-ip must be a loopback address; got %q", envVarTapBindIP, tapBindIPStr)
	}

	var engineUDPPortRange *UDPPortRange
	if engineUDPPortMin != 0 || engineUDPPortMax != 0 {
		if engineUDPPortMin == 0 || engineUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--engine-udp-port-min and %s/--engine-udp-port-max must be set together (or both unset)",
				envVarEngineUDPPortMin, envVarEngineUDPPortMax)
		}
		min, err := parsePortUint(engineUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--engine-udp-port-min: %w", envVarEngineUDPPortMin, err)
		}
		max, err := parsePortUint(engineUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--engine-udp-port-max: %w", envVarEngineUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("engine UDP port range min (%d) must be <= max (%d)", min, max)
		}
		engineUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	return Config{
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		DefaultRoomID:  defaultRoomID,
		TapBindIP:      tapBindIP,
		MaxRooms:       maxRooms,
		MaxTapsPerRoom: maxTapsPerRoom,
		CommandTimeout: commandTimeout,

		EngineUDPPortRange: engineUDPPortRange,

		ControlWSIdleTimeout:        controlWSIdleTimeout,
		ControlWSPingInterval:       controlWSPingInterval,
		MaxControlMessageBytes:      maxControlMessageBytes,
		MaxControlMessagesPerSecond: maxControlMessagesPerSecond,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return parsePortUint(uint(n))
}

func parsePortUint(n uint) (uint16, error) {
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", n)
	}
	return uint16(n), nil
}
