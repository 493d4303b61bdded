// Package command implements the control protocol: parsing the JSON commands
// received over the control socket and dispatching them against the room
// registry and the media engine.
package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Actions accepted over the control socket.
const (
	ActionStartRecording = "start-recording"
	ActionStopRecording  = "stop-recording"
	ActionCreateRoom     = "create-room"
	ActionCloseRoom      = "close-room"
	ActionListRooms      = "list-rooms"
)

// Result statuses.
const (
	StatusRecordingPipeReady = "recording-pipe-ready"
	StatusRecordingStopped   = "recording-stopped"
	StatusRoomReady          = "room-ready"
	StatusRoomClosed         = "room-closed"
	StatusRoomList           = "room-list"
	StatusError              = "error"
)

// PlaceholderProducerID is used when a command does not name a producer.
// Recorders bootstrapped before real producers exist rely on it.
const PlaceholderProducerID = "simulated-audio-stream"

// Command is a single control request. Action is required; the other fields
// are interpreted per action.
type Command struct {
	Action     string `json:"action"`
	RoomID     string `json:"roomId,omitempty"`
	ProducerID string `json:"producerId,omitempty"`
}

func (c Command) validate() error {
	if c.Action == "" {
		return fmt.Errorf("missing action")
	}
	return nil
}

// ParseCommand decodes a control request. Unknown fields and trailing data
// are rejected so protocol drift surfaces as an error instead of silently
// ignored input.
func ParseCommand(data []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, err
	}
	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Command{}, fmt.Errorf("unexpected trailing data")
	}
	return cmd, nil
}

// Result is a single control response. Status is always set; the remaining
// fields depend on it.
type Result struct {
	Status     string `json:"status"`
	RoomID     string `json:"roomId,omitempty"`
	ProducerID string `json:"producerId,omitempty"`
	RTPPort    int    `json:"rtpPort,omitempty"`
	Created    bool   `json:"created,omitempty"`
	TapsClosed int    `json:"tapsClosed,omitempty"`

	Rooms []RoomSummary `json:"rooms,omitempty"`

	Message string `json:"message,omitempty"`
}

// RoomSummary is one entry of a room-list result.
type RoomSummary struct {
	RoomID    string    `json:"roomId"`
	TapCount  int       `json:"tapCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Encode marshals the result for the wire.
func (r Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ErrorResult builds the error response sent for any failed command.
func ErrorResult(msg string) Result {
	return Result{Status: StatusError, Message: msg}
}
