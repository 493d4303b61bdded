// Package control serves the websocket control socket. Each connection gets
// its own session; commands on a connection are processed strictly in order.
package control

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onevoice/media-control/internal/command"
	"github.com/onevoice/media-control/internal/metrics"
	"github.com/onevoice/media-control/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Server upgrades control connections and runs their sessions.
type Server struct {
	Dispatcher *command.Dispatcher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// IdleTimeout closes a connection with no traffic (pongs included).
	IdleTimeout time.Duration
	// PingInterval must be below IdleTimeout so a healthy idle client stays
	// connected.
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var discardMetrics = metrics.New()

func (s *Server) metrics() *metrics.Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return discardMetrics
}

// HandleControl is the handler for the control websocket endpoint.
func (s *Server) HandleControl(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		http.Error(w, "dispatcher not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		// The control socket binds to loopback; cross-origin browser access is
		// not a supported client.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.metrics().Inc(metrics.ControlConnections)

	ws := &wsSession{
		srv:  s,
		conn: conn,
		ctx:  r.Context(),
		log:  s.logger().With("remote_addr", conn.RemoteAddr().String()),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.MaxMessagesPerSecond),
			int64(s.MaxMessagesPerSecond),
		),
	}
	ws.run()
}

type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (wss *wsSession) run() {
	defer wss.Close()

	wss.log.Info("control connection opened")

	if wss.srv.MaxMessageBytes > 0 {
		wss.conn.SetReadLimit(wss.srv.MaxMessageBytes)
	}
	wss.extendReadDeadline()
	wss.conn.SetPongHandler(func(string) error {
		wss.extendReadDeadline()
		return nil
	})

	stopPings := wss.startPings()
	defer stopPings()

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wss.log.Info("control connection closed by client")
			} else {
				wss.log.Info("control connection read failed", "err", err)
			}
			return
		}
		wss.extendReadDeadline()

		// The message rate limit is applied *after* reading so an abusive
		// client is disconnected instead of backpressured.
		if !wss.limiter.Allow(1) {
			wss.srv.metrics().Inc(metrics.DropRateLimited)
			wss.sendResult(command.ErrorResult("rate limit exceeded"))
			wss.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.sendResult(command.ErrorResult("expected text message"))
			wss.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// Bad commands get an error result and the connection stays open;
		// control clients are long-lived and a typo must not drop them.
		res := wss.srv.Dispatcher.Dispatch(wss.ctx, data)
		if !wss.sendResult(res) {
			return
		}
	}
}

func (wss *wsSession) extendReadDeadline() {
	if wss.srv.IdleTimeout > 0 {
		_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.IdleTimeout))
	}
}

func (wss *wsSession) startPings() func() {
	if wss.srv.PingInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wss.srv.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				wss.writeMu.Lock()
				err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				wss.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (wss *wsSession) sendResult(res command.Result) bool {
	data, err := res.Encode()
	if err != nil {
		wss.log.Error("encode control result", "err", err)
		return false
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := wss.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		wss.log.Info("control connection write failed", "err", err)
		return false
	}
	return true
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		_ = wss.conn.Close()
		wss.log.Info("control connection closed")
	})
}
