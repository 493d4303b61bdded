package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/onevoice/media-control/internal/config"
	"github.com/onevoice/media-control/internal/engine"
	"github.com/onevoice/media-control/internal/metrics"
)

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

	e, err := engine.Start(config.Config{LogLevel: slog.LevelError}, nil, n)
	if err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *engine.Engine) {
	t.Helper()
	e := newTestEngine(t)
	opts.Engine = e
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	r := New(opts)
	t.Cleanup(r.Close)
	return r, e
}

func openTap(t *testing.T, r *Registry, e *engine.Engine, roomID, producerID string) TapInfo {
	t.Helper()
	info, err := r.OpenTap(roomID, producerID, func() (*engine.Tap, error) {
		return e.CreateTap(context.Background(), net.IPv4(127, 0, 0, 1))
	})
	if err != nil {
		t.Fatalf("OpenTap(%q, %q): %v", roomID, producerID, err)
	}
	return info
}

func TestGetOrCreateRoom_CreatesOnce(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	rm, created, err := r.GetOrCreateRoom("conference-1", nil)
	if err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	if !created {
		t.Fatal("first call reported created=false")
	}
	if rm.RouterID == "" {
		t.Fatal("room has no routing context")
	}

	again, created, err := r.GetOrCreateRoom("conference-1", nil)
	if err != nil {
		t.Fatalf("second GetOrCreateRoom: %v", err)
	}
	if created {
		t.Fatal("second call reported created=true")
	}
	if again.RouterID != rm.RouterID {
		t.Fatalf("routing context changed: %q != %q", again.RouterID, rm.RouterID)
	}
}

func TestGetOrCreateRoom_ConcurrentSingleContext(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	const workers = 16
	routerIDs := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rm, _, err := r.GetOrCreateRoom("contested", nil)
			if err != nil {
				t.Errorf("GetOrCreateRoom: %v", err)
				return
			}
			routerIDs[i] = rm.RouterID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if routerIDs[i] != routerIDs[0] {
			t.Fatalf("worker %d saw routing context %q, worker 0 saw %q", i, routerIDs[i], routerIDs[0])
		}
	}
	if got := len(r.Rooms()); got != 1 {
		t.Fatalf("got %d rooms, want 1", got)
	}
}

func TestGetOrCreateRoom_MaxRooms(t *testing.T) {
	r, _ := newTestRegistry(t, Options{MaxRooms: 2})

	for _, id := range []string{"a", "b"} {
		if _, _, err := r.GetOrCreateRoom(id, nil); err != nil {
			t.Fatalf("GetOrCreateRoom(%q): %v", id, err)
		}
	}
	if _, _, err := r.GetOrCreateRoom("c", nil); !errors.Is(err, ErrRoomLimitReached) {
		t.Fatalf("GetOrCreateRoom over limit = %v, want ErrRoomLimitReached", err)
	}
	// Existing rooms are still retrievable at the limit.
	if _, created, err := r.GetOrCreateRoom("a", nil); err != nil || created {
		t.Fatalf("GetOrCreateRoom(existing) = created=%v err=%v", created, err)
	}
}

func TestResolveRoom_FallsBackToDefault(t *testing.T) {
	m := metrics.New()
	r, _ := newTestRegistry(t, Options{DefaultRoomID: "default-room", Metrics: m})
	if _, _, err := r.GetOrCreateRoom("default-room", nil); err != nil {
		t.Fatalf("seed default room: %v", err)
	}

	rm, err := r.ResolveRoom("no-such-room")
	if err != nil {
		t.Fatalf("ResolveRoom: %v", err)
	}
	if rm.ID != "default-room" {
		t.Fatalf("resolved room %q, want default-room", rm.ID)
	}
	if got := m.Get(metrics.RoomFallbackDefault); got != 1 {
		t.Fatalf("fallback counter = %d, want 1", got)
	}

	// An empty id also resolves to the default room, but is not a fallback.
	rm, err = r.ResolveRoom("")
	if err != nil {
		t.Fatalf("ResolveRoom(\"\"): %v", err)
	}
	if rm.ID != "default-room" {
		t.Fatalf("resolved room %q, want default-room", rm.ID)
	}
	if got := m.Get(metrics.RoomFallbackDefault); got != 1 {
		t.Fatalf("fallback counter after empty id = %d, want 1", got)
	}
}

func TestResolveRoom_NoDefault(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	if _, err := r.ResolveRoom("ghost"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("ResolveRoom = %v, want ErrRoomNotFound", err)
	}
}

func TestOpenTap_ReplacesPerProducer(t *testing.T) {
	m := metrics.New()
	r, e := newTestRegistry(t, Options{Metrics: m})
	if _, _, err := r.GetOrCreateRoom("room-1", nil); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}

	first := openTap(t, r, e, "room-1", "producer-a")
	second := openTap(t, r, e, "room-1", "producer-a")
	if first.Port == second.Port {
		t.Fatalf("replacement tap kept port %d", first.Port)
	}
	if got := m.Get(metrics.TapsClosed); got != 1 {
		t.Fatalf("taps closed counter = %d, want 1 (the replaced tap)", got)
	}

	// Replacement does not grow the room's tap count.
	rooms := r.Rooms()
	if len(rooms) != 1 || rooms[0].TapCount != 1 {
		t.Fatalf("unexpected rooms after replacement: %+v", rooms)
	}

	other := openTap(t, r, e, "room-1", "producer-b")
	if other.Port == second.Port {
		t.Fatalf("distinct producers share port %d", other.Port)
	}
}

func TestOpenTap_PerRoomLimit(t *testing.T) {
	r, e := newTestRegistry(t, Options{MaxTapsPerRoom: 1})
	if _, _, err := r.GetOrCreateRoom("room-1", nil); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}

	openTap(t, r, e, "room-1", "producer-a")
	_, err := r.OpenTap("room-1", "producer-b", func() (*engine.Tap, error) {
		return e.CreateTap(context.Background(), net.IPv4(127, 0, 0, 1))
	})
	if !errors.Is(err, ErrTapLimitReached) {
		t.Fatalf("OpenTap over limit = %v, want ErrTapLimitReached", err)
	}
}

func TestCloseTap(t *testing.T) {
	r, e := newTestRegistry(t, Options{})
	if _, _, err := r.GetOrCreateRoom("room-1", nil); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	info := openTap(t, r, e, "room-1", "producer-a")

	closed, err := r.CloseTap("room-1", "producer-a")
	if err != nil {
		t.Fatalf("CloseTap: %v", err)
	}
	if closed.TapID != info.TapID {
		t.Fatalf("closed tap %q, want %q", closed.TapID, info.TapID)
	}

	if _, err := r.CloseTap("room-1", "producer-a"); !errors.Is(err, ErrTapNotFound) {
		t.Fatalf("second CloseTap = %v, want ErrTapNotFound", err)
	}
}

func TestCloseRoom_ClosesTaps(t *testing.T) {
	m := metrics.New()
	r, e := newTestRegistry(t, Options{Metrics: m})
	if _, _, err := r.GetOrCreateRoom("room-1", nil); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	openTap(t, r, e, "room-1", "producer-a")
	openTap(t, r, e, "room-1", "producer-b")

	rm, err := r.CloseRoom("room-1")
	if err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	if rm.TapCount != 2 {
		t.Fatalf("closed room reported %d taps, want 2", rm.TapCount)
	}
	if got := m.Get(metrics.TapsClosed); got != 2 {
		t.Fatalf("taps closed counter = %d, want 2", got)
	}
	if _, err := r.CloseRoom("room-1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("second CloseRoom = %v, want ErrRoomNotFound", err)
	}
}

func TestCloseRoom_DefaultRoomProtected(t *testing.T) {
	r, _ := newTestRegistry(t, Options{DefaultRoomID: "default-room"})
	if _, _, err := r.GetOrCreateRoom("default-room", nil); err != nil {
		t.Fatalf("seed default room: %v", err)
	}

	if _, err := r.CloseRoom("default-room"); !errors.Is(err, ErrDefaultRoom) {
		t.Fatalf("CloseRoom(default) = %v, want ErrDefaultRoom", err)
	}
}

func TestRooms_SortedByID(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	for _, id := range []string{"zulu", "alpha", "mike"} {
		if _, _, err := r.GetOrCreateRoom(id, nil); err != nil {
			t.Fatalf("GetOrCreateRoom(%q): %v", id, err)
		}
	}

	rooms := r.Rooms()
	want := []string{"alpha", "mike", "zulu"}
	if len(rooms) != len(want) {
		t.Fatalf("got %d rooms, want %d", len(rooms), len(want))
	}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Fatalf("rooms[%d].ID = %q, want %q", i, rooms[i].ID, id)
		}
	}
}
