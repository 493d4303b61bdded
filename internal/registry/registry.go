// Package registry tracks the control plane's live state: rooms with their
// routing contexts, and the recording taps open inside them.
//
// The registry is the single owner of this state. Callers hold opaque
// snapshots (Room, TapInfo) and never mutate registry internals directly.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/onevoice/media-control/internal/engine"
	"github.com/onevoice/media-control/internal/metrics"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomLimitReached = errors.New("room limit reached")
	ErrTapLimitReached  = errors.New("tap limit reached")
	ErrTapNotFound      = errors.New("no active recording tap")
	ErrDefaultRoom      = errors.New("default room cannot be closed")
)

// Room is a snapshot of a tracked room. Safe to retain; it does not observe
// later registry mutations.
type Room struct {
	ID        string
	RouterID  string
	CreatedAt time.Time
	TapCount  int
}

// TapInfo describes an open recording tap.
type TapInfo struct {
	RoomID     string
	ProducerID string
	TapID      string
	Port       int
}

type room struct {
	id        string
	router    *engine.Router
	createdAt time.Time

	// taps are keyed by producer id. One tap per producer per room.
	taps map[string]*engine.Tap
}

// Registry owns the room and tap tables. All methods are safe for concurrent
// use.
type Registry struct {
	eng            *engine.Engine
	log            *slog.Logger
	metrics        *metrics.Metrics
	defaultRoomID  string
	maxRooms       int
	maxTapsPerRoom int

	mu    sync.Mutex
	rooms map[string]*room
}

// Options configures a Registry. Engine is required; everything else has a
// usable zero value.
type Options struct {
	Engine         *engine.Engine
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	DefaultRoomID  string
	MaxRooms       int
	MaxTapsPerRoom int
}

func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Registry{
		eng:            opts.Engine,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		defaultRoomID:  opts.DefaultRoomID,
		maxRooms:       opts.MaxRooms,
		maxTapsPerRoom: opts.MaxTapsPerRoom,
		rooms:          make(map[string]*room),
	}
}

// DefaultRoomID returns the id of the fallback room, or "" if none is
// configured.
func (r *Registry) DefaultRoomID() string { return r.defaultRoomID }

// GetOrCreateRoom returns the room with the given id, creating it with the
// supplied codecs (nil means the default codec set) if it does not exist.
// Concurrent calls for the same id yield the same room; exactly one routing
// context is ever created per id.
func (r *Registry) GetOrCreateRoom(id string, codecs []webrtc.RTPCodecParameters) (Room, bool, error) {
	if id == "" {
		return Room{}, false, fmt.Errorf("room id must not be empty")
	}

	// The routing context is created under the lock. Creation is a local,
	// bounded operation, and holding the lock is what guarantees a lost
	// concurrent creation never leaks a second context for the same id.
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[id]; ok {
		return snapshotRoom(rm), false, nil
	}
	if r.maxRooms > 0 && len(r.rooms) >= r.maxRooms {
		return Room{}, false, fmt.Errorf("%w (max %d)", ErrRoomLimitReached, r.maxRooms)
	}

	router, err := r.eng.CreateRouter(codecs)
	if err != nil {
		return Room{}, false, fmt.Errorf("create routing context for room %q: %w", id, err)
	}
	rm := &room{
		id:        id,
		router:    router,
		createdAt: time.Now(),
		taps:      make(map[string]*engine.Tap),
	}
	r.rooms[id] = rm
	r.metrics.Inc(metrics.RoomsCreated)
	r.log.Info("room created", "room_id", id, "router_id", router.ID())
	return snapshotRoom(rm), true, nil
}

// ResolveRoom finds the room a command targets. A missing or unknown id falls
// back to the default room when one is tracked; the returned Room carries the
// id actually used.
func (r *Registry) ResolveRoom(id string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if rm, ok := r.rooms[id]; ok {
			return snapshotRoom(rm), nil
		}
	}
	if rm, ok := r.rooms[r.defaultRoomID]; ok {
		if id != "" {
			r.metrics.Inc(metrics.RoomFallbackDefault)
			r.log.Info("room not found, using default", "room_id", id, "default_room_id", r.defaultRoomID)
		}
		return snapshotRoom(rm), nil
	}
	if id == "" {
		return Room{}, fmt.Errorf("%w: no room id given and no default room", ErrRoomNotFound)
	}
	return Room{}, fmt.Errorf("%w: %q", ErrRoomNotFound, id)
}

// OpenTap opens a recording tap for producerID in roomID. roomID must name a
// tracked room (callers resolve fallback first). If the producer already has
// an open tap in the room, the old tap is closed and replaced: a recorder
// re-issuing start is asking for a fresh pipe, and the new port proves the
// old one is gone. The replacement is bound before the old tap closes so the
// two ports are always distinct.
func (r *Registry) OpenTap(roomID, producerID string, open func() (*engine.Tap, error)) (TapInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return TapInfo{}, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	old, replacing := rm.taps[producerID]
	if !replacing && r.maxTapsPerRoom > 0 && len(rm.taps) >= r.maxTapsPerRoom {
		return TapInfo{}, fmt.Errorf("%w (max %d per room)", ErrTapLimitReached, r.maxTapsPerRoom)
	}

	tap, err := open()
	if err != nil {
		r.metrics.Inc(metrics.TapCreateFailed)
		return TapInfo{}, err
	}
	if replacing {
		if err := old.Close(); err != nil {
			r.log.Warn("tap close failed during replacement", "tap_id", old.ID(), "err", err)
		}
		r.metrics.Inc(metrics.TapsClosed)
		r.log.Info("recording tap replaced",
			"room_id", roomID, "producer_id", producerID, "old_tap_id", old.ID(), "old_port", old.Port())
	}
	rm.taps[producerID] = tap
	r.metrics.Inc(metrics.TapsCreated)
	r.log.Info("recording tap opened",
		"room_id", roomID, "producer_id", producerID, "tap_id", tap.ID(), "port", tap.Port())
	return TapInfo{RoomID: roomID, ProducerID: producerID, TapID: tap.ID(), Port: tap.Port()}, nil
}

// CloseTap closes the tap for producerID in roomID.
func (r *Registry) CloseTap(roomID, producerID string) (TapInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return TapInfo{}, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	tap, ok := rm.taps[producerID]
	if !ok {
		return TapInfo{}, fmt.Errorf("%w for producer %q in room %q", ErrTapNotFound, producerID, roomID)
	}
	delete(rm.taps, producerID)
	info := TapInfo{RoomID: roomID, ProducerID: producerID, TapID: tap.ID(), Port: tap.Port()}
	if err := tap.Close(); err != nil {
		r.log.Warn("tap close failed", "tap_id", tap.ID(), "err", err)
	}
	r.metrics.Inc(metrics.TapsClosed)
	r.log.Info("recording tap closed", "room_id", roomID, "producer_id", producerID, "tap_id", tap.ID())
	return info, nil
}

// CloseRoom removes the room and closes every tap open inside it. The default
// room cannot be closed.
func (r *Registry) CloseRoom(id string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.defaultRoomID && r.defaultRoomID != "" {
		return Room{}, ErrDefaultRoom
	}
	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("%w: %q", ErrRoomNotFound, id)
	}
	delete(r.rooms, id)

	for producerID, tap := range rm.taps {
		if err := tap.Close(); err != nil {
			r.log.Warn("tap close failed during room teardown",
				"room_id", id, "producer_id", producerID, "tap_id", tap.ID(), "err", err)
		}
		r.metrics.Inc(metrics.TapsClosed)
	}
	snapshot := snapshotRoom(rm)
	rm.taps = nil

	r.metrics.Inc(metrics.RoomsClosed)
	r.log.Info("room closed", "room_id", id, "taps_closed", snapshot.TapCount)
	return snapshot, nil
}

// Rooms returns snapshots of all tracked rooms, ordered by id.
func (r *Registry) Rooms() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, snapshotRoom(rm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close tears down every room and tap. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*room)
	r.mu.Unlock()

	for _, rm := range rooms {
		for _, tap := range rm.taps {
			tap.Close()
		}
	}
}

func snapshotRoom(rm *room) Room {
	return Room{
		ID:        rm.id,
		RouterID:  rm.router.ID(),
		CreatedAt: rm.createdAt,
		TapCount:  len(rm.taps),
	}
}
