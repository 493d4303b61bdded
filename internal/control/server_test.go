package control

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/onevoice/media-control/internal/command"
	"github.com/onevoice/media-control/internal/config"
	"github.com/onevoice/media-control/internal/engine"
	"github.com/onevoice/media-control/internal/metrics"
	"github.com/onevoice/media-control/internal/registry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("vnet.NewRouter: %v", err)
	}
	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.10"}})
	if err != nil {
		t.Fatalf("vnet.NewNet: %v", err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("router.AddNet: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("router.Start: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	e, err := engine.Start(config.Config{LogLevel: slog.LevelError}, quietLogger(), n)
	if err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

type testControl struct {
	server  *Server
	metrics *metrics.Metrics
	url     string
}

func newTestControl(t *testing.T, mutate func(*Server)) *testControl {
	t.Helper()

	e := newTestEngine(t)
	m := metrics.New()
	reg := registry.New(registry.Options{
		Engine:        e,
		Logger:        quietLogger(),
		Metrics:       m,
		DefaultRoomID: "default-room",
	})
	t.Cleanup(reg.Close)
	if _, _, err := reg.GetOrCreateRoom("default-room", nil); err != nil {
		t.Fatalf("seed default room: %v", err)
	}

	srv := &Server{
		Dispatcher: command.NewDispatcher(command.DispatcherOptions{
			Registry: reg,
			Engine:   e,
			Logger:   quietLogger(),
			Metrics:  m,
			Timeout:  5 * time.Second,
		}),
		Logger:               quietLogger(),
		Metrics:              m,
		IdleTimeout:          10 * time.Second,
		PingInterval:         time.Second,
		MaxMessageBytes:      1024,
		MaxMessagesPerSecond: 100,
	}
	if mutate != nil {
		mutate(srv)
	}

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleControl))
	t.Cleanup(ts.Close)

	return &testControl{
		server:  srv,
		metrics: m,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dialControl(t *testing.T, tc *testControl) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tc.url, nil)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req string) command.Result {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write %q: %v", req, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response to %q: %v", req, err)
	}
	var res command.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode response %q: %v", data, err)
	}
	return res
}

func TestControl_RecordingScenario(t *testing.T) {
	tc := newTestControl(t, nil)
	conn := dialControl(t, tc)

	res := roundTrip(t, conn, `{"action":"start-recording","roomId":"no-such-room"}`)
	if res.Status != command.StatusRecordingPipeReady {
		t.Fatalf("status = %q (%s), want %q", res.Status, res.Message, command.StatusRecordingPipeReady)
	}
	if res.RoomID != "default-room" {
		t.Fatalf("roomId = %q, want default-room", res.RoomID)
	}
	if res.ProducerID != "simulated-audio-stream" {
		t.Fatalf("producerId = %q, want simulated-audio-stream", res.ProducerID)
	}
	if res.RTPPort == 0 {
		t.Fatal("rtpPort is 0")
	}

	res = roundTrip(t, conn, `{"action":"stop-recording"}`)
	if res.Status != command.StatusRecordingStopped {
		t.Fatalf("stop status = %q (%s)", res.Status, res.Message)
	}
}

func TestControl_MalformedCommandKeepsConnectionOpen(t *testing.T) {
	tc := newTestControl(t, nil)
	conn := dialControl(t, tc)

	res := roundTrip(t, conn, `this is not json`)
	if res.Status != command.StatusError {
		t.Fatalf("status = %q, want %q", res.Status, command.StatusError)
	}

	res = roundTrip(t, conn, `{"action":"bogus-action"}`)
	if res.Status != command.StatusError {
		t.Fatalf("status = %q, want %q", res.Status, command.StatusError)
	}

	// The connection is still usable.
	res = roundTrip(t, conn, `{"action":"list-rooms"}`)
	if res.Status != command.StatusRoomList {
		t.Fatalf("status after errors = %q (%s), want %q", res.Status, res.Message, command.StatusRoomList)
	}
}

func TestControl_ConnectionsAreIsolated(t *testing.T) {
	tc := newTestControl(t, nil)
	connA := dialControl(t, tc)
	connB := dialControl(t, tc)

	res := roundTrip(t, connA, `garbage`)
	if res.Status != command.StatusError {
		t.Fatalf("connection A status = %q, want %q", res.Status, command.StatusError)
	}

	res = roundTrip(t, connB, `{"action":"start-recording"}`)
	if res.Status != command.StatusRecordingPipeReady {
		t.Fatalf("connection B status = %q (%s), want %q", res.Status, res.Message, command.StatusRecordingPipeReady)
	}

	res = roundTrip(t, connA, `{"action":"list-rooms"}`)
	if res.Status != command.StatusRoomList {
		t.Fatalf("connection A after error: status = %q (%s)", res.Status, res.Message)
	}
}

func TestControl_CommandsProcessedInOrder(t *testing.T) {
	tc := newTestControl(t, nil)
	conn := dialControl(t, tc)

	for _, req := range []string{
		`{"action":"create-room","roomId":"ordered"}`,
		`{"action":"start-recording","roomId":"ordered","producerId":"p1"}`,
		`{"action":"stop-recording","roomId":"ordered","producerId":"p1"}`,
		`{"action":"close-room","roomId":"ordered"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
			t.Fatalf("write %q: %v", req, err)
		}
	}

	want := []string{
		command.StatusRoomReady,
		command.StatusRecordingPipeReady,
		command.StatusRecordingStopped,
		command.StatusRoomClosed,
	}
	for i, status := range want {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		var res command.Result
		if err := json.Unmarshal(data, &res); err != nil {
			t.Fatalf("decode response %d: %v", i, err)
		}
		if res.Status != status {
			t.Fatalf("response %d status = %q (%s), want %q", i, res.Status, res.Message, status)
		}
	}
}

func TestControl_BinaryMessageRejected(t *testing.T) {
	tc := newTestControl(t, nil)
	conn := dialControl(t, tc)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error result: %v", err)
	}
	var res command.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != command.StatusError {
		t.Fatalf("status = %q, want %q", res.Status, command.StatusError)
	}

	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("connection error = %v, want close %d", err, websocket.CloseUnsupportedData)
	}
}

func TestControl_RateLimitDisconnects(t *testing.T) {
	tc := newTestControl(t, func(s *Server) {
		s.MaxMessagesPerSecond = 2
	})
	conn := dialControl(t, tc)

	sawRateLimit := false
	for i := 0; i < 10 && !sawRateLimit; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"list-rooms"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var res command.Result
		if err := json.Unmarshal(data, &res); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if res.Status == command.StatusError && strings.Contains(res.Message, "rate limit") {
			sawRateLimit = true
		}
	}
	if !sawRateLimit {
		t.Fatal("rate limit never triggered")
	}

	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("connection error = %v, want close %d", err, websocket.ClosePolicyViolation)
	}
	if got := tc.metrics.Get(metrics.DropRateLimited); got == 0 {
		t.Fatal("rate limited counter not incremented")
	}
}

func TestControl_OversizeMessageCloses(t *testing.T) {
	tc := newTestControl(t, func(s *Server) {
		s.MaxMessageBytes = 64
	})
	conn := dialControl(t, tc)

	big := `{"action":"create-room","roomId":"` + strings.Repeat("x", 256) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write oversize: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("connection error = %v, want close %d", err, websocket.CloseMessageTooBig)
	}
}
