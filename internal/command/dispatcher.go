package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/onevoice/media-control/internal/engine"
	"github.com/onevoice/media-control/internal/metrics"
	"github.com/onevoice/media-control/internal/registry"
)

// Dispatcher executes parsed commands against the registry and the engine.
// One dispatcher serves all control connections.
type Dispatcher struct {
	reg       *registry.Registry
	eng       *engine.Engine
	log       *slog.Logger
	metrics   *metrics.Metrics
	tapBindIP net.IP
	timeout   time.Duration
}

// DispatcherOptions configures a Dispatcher. Registry and Engine are
// required.
type DispatcherOptions struct {
	Registry  *registry.Registry
	Engine    *engine.Engine
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	TapBindIP net.IP
	Timeout   time.Duration
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.TapBindIP == nil {
		opts.TapBindIP = net.IPv4(127, 0, 0, 1)
	}
	return &Dispatcher{
		reg:       opts.Registry,
		eng:       opts.Engine,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tapBindIP: opts.TapBindIP,
		timeout:   opts.Timeout,
	}
}

// Dispatch parses and executes one raw control request, always producing a
// result. Protocol errors (bad JSON, unknown action) and execution errors
// both surface as an error result rather than a dropped connection, so a
// misbehaving client learns what it did wrong.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) Result {
	d.metrics.Inc(metrics.CommandsReceived)

	cmd, err := ParseCommand(raw)
	if err != nil {
		d.metrics.Inc(metrics.CommandParseError)
		d.log.Warn("malformed control command", "err", err)
		return ErrorResult(fmt.Sprintf("invalid command: %v", err))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	done := make(chan Result, 1)
	go func() { done <- d.execute(ctx, cmd) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		d.metrics.Inc(metrics.CommandTimeout)
		d.log.Error("control command timed out", "action", cmd.Action, "room_id", cmd.RoomID)
		return ErrorResult(fmt.Sprintf("command %q timed out", cmd.Action))
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) Result {
	switch cmd.Action {
	case ActionStartRecording:
		return d.startRecording(ctx, cmd)
	case ActionStopRecording:
		return d.stopRecording(cmd)
	case ActionCreateRoom:
		return d.createRoom(cmd)
	case ActionCloseRoom:
		return d.closeRoom(cmd)
	case ActionListRooms:
		return d.listRooms()
	default:
		d.metrics.Inc(metrics.UnknownAction)
		d.log.Warn("unknown control action", "action", cmd.Action)
		return ErrorResult(fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

// startRecording opens (or replaces) the recording tap for the command's
// producer. The command's room resolves through the default-room fallback;
// the result reports the room actually used.
func (d *Dispatcher) startRecording(ctx context.Context, cmd Command) Result {
	rm, err := d.reg.ResolveRoom(cmd.RoomID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	producerID := cmd.ProducerID
	if producerID == "" {
		producerID = PlaceholderProducerID
	}

	tap, err := d.reg.OpenTap(rm.ID, producerID, func() (*engine.Tap, error) {
		return d.eng.CreateTap(ctx, d.tapBindIP)
	})
	if err != nil {
		d.log.Error("start-recording failed", "room_id", rm.ID, "producer_id", producerID, "err", err)
		return ErrorResult(err.Error())
	}
	return Result{
		Status:     StatusRecordingPipeReady,
		RoomID:     tap.RoomID,
		ProducerID: tap.ProducerID,
		RTPPort:    tap.Port,
	}
}

func (d *Dispatcher) stopRecording(cmd Command) Result {
	rm, err := d.reg.ResolveRoom(cmd.RoomID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	producerID := cmd.ProducerID
	if producerID == "" {
		producerID = PlaceholderProducerID
	}

	tap, err := d.reg.CloseTap(rm.ID, producerID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return Result{
		Status:     StatusRecordingStopped,
		RoomID:     tap.RoomID,
		ProducerID: tap.ProducerID,
	}
}

func (d *Dispatcher) createRoom(cmd Command) Result {
	if cmd.RoomID == "" {
		return ErrorResult("create-room requires roomId")
	}
	rm, created, err := d.reg.GetOrCreateRoom(cmd.RoomID, nil)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return Result{
		Status:  StatusRoomReady,
		RoomID:  rm.ID,
		Created: created,
	}
}

func (d *Dispatcher) closeRoom(cmd Command) Result {
	if cmd.RoomID == "" {
		return ErrorResult("close-room requires roomId")
	}
	rm, err := d.reg.CloseRoom(cmd.RoomID)
	if err != nil {
		if errors.Is(err, registry.ErrDefaultRoom) {
			return ErrorResult("the default room cannot be closed")
		}
		return ErrorResult(err.Error())
	}
	return Result{
		Status:     StatusRoomClosed,
		RoomID:     rm.ID,
		TapsClosed: rm.TapCount,
	}
}

func (d *Dispatcher) listRooms() Result {
	rooms := d.reg.Rooms()
	out := make([]RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, RoomSummary{
			RoomID:    rm.ID,
			TapCount:  rm.TapCount,
			CreatedAt: rm.CreatedAt,
		})
	}
	return Result{Status: StatusRoomList, Rooms: out}
}
