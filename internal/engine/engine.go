// Package engine wraps the media engine the control plane drives: worker
// lifecycle, per-room routing contexts, and loopback recording taps.
//
// The RTP data path itself (packet routing, SRTP, congestion control) lives
// inside the engine and is out of scope here; this package owns the handles.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
	"github.com/pion/webrtc/v4"

	"github.com/onevoice/media-control/internal/config"
)

var (
	ErrEngineDead   = errors.New("media engine is dead")
	ErrEngineClosed = errors.New("media engine closed")
)

// Engine is the handle to the running media engine worker. One per process.
//
// An unexpected worker death is unrecoverable: media state cannot be safely
// reconciled, so the owning process is expected to terminate and let
// supervision restart it. Orderly Close does not count as death.
type Engine struct {
	log           *slog.Logger
	net           transport.Net
	loggerFactory logging.LoggerFactory
	portRange     *config.UDPPortRange

	fatal chan error
	done  chan struct{}

	mu     sync.Mutex
	dead   bool
	closed bool
	onDied []func(error)
}

// Start launches the media engine worker. Death observers registered via
// OnDied before or after Start fire exactly once if the worker terminates
// unexpectedly.
//
// nw overrides socket creation (vnet in tests); nil means the host network.
func Start(cfg config.Config, logger *slog.Logger, nw transport.Net) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if nw == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("engine startup: %w", err)
		}
		nw = n
	}

	e := &Engine{
		log:           logger,
		net:           nw,
		loggerFactory: newLoggerFactory(cfg.LogLevel),
		portRange:     cfg.EngineUDPPortRange,
		fatal:         make(chan error, 1),
		done:          make(chan struct{}),
	}

	go e.watchWorker()

	logger.Info("media engine worker started")
	return e, nil
}

// watchWorker is the worker supervision loop. It terminates either via an
// injected fatal error (unexpected death) or via Close (orderly shutdown).
func (e *Engine) watchWorker() {
	select {
	case err := <-e.fatal:
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.dead = true
		callbacks := e.onDied
		e.onDied = nil
		e.mu.Unlock()

		e.log.Error("media engine worker died", "err", err)
		for _, cb := range callbacks {
			cb(err)
		}
	case <-e.done:
	}
}

// OnDied registers cb to run exactly once if the engine worker terminates
// unexpectedly. If the engine is already dead, cb runs synchronously.
func (e *Engine) OnDied(cb func(error)) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		cb(ErrEngineDead)
		return
	}
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.onDied = append(e.onDied, cb)
	e.mu.Unlock()
}

// Kill injects a fatal worker error. It exists for fault injection and tests;
// the production death path is the worker reporting its own demise.
func (e *Engine) Kill(err error) {
	if err == nil {
		err = errors.New("killed")
	}
	select {
	case e.fatal <- err:
	default:
	}
}

// Close shuts the engine down in an orderly fashion. Death observers do not
// fire. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed || e.dead {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
}

// Err reports why the engine can no longer serve, or nil while it is live.
func (e *Engine) Err() error { return e.alive() }

func (e *Engine) alive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return ErrEngineDead
	}
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// newLoggerFactory bridges the process log level into the engine internals so
// media-engine logs are leveled consistently with the rest of the process.
func newLoggerFactory(level slog.Level) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	switch {
	case level <= slog.LevelDebug:
		f.DefaultLogLevel = logging.LogLevelDebug
	case level <= slog.LevelInfo:
		f.DefaultLogLevel = logging.LogLevelInfo
	case level <= slog.LevelWarn:
		f.DefaultLogLevel = logging.LogLevelWarn
	default:
		f.DefaultLogLevel = logging.LogLevelError
	}
	return f
}

func (e *Engine) settingEngine() (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: e.loggerFactory,
	}
	if e.portRange != nil {
		if err := se.SetEphemeralUDPPortRange(e.portRange.Min, e.portRange.Max); err != nil {
			return webrtc.SettingEngine{}, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	se.SetNet(e.net)
	return se, nil
}
