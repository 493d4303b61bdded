package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Router is a per-room media routing context. It pins the codec capabilities
// every endpoint in the room must negotiate against.
type Router struct {
	id        string
	codecs    []webrtc.RTPCodecParameters
	api       *webrtc.API
	createdAt time.Time
}

func (r *Router) ID() string { return r.id }

// Codecs returns the codec capabilities this router was created with.
func (r *Router) Codecs() []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, len(r.codecs))
	copy(out, r.codecs)
	return out
}

func (r *Router) CreatedAt() time.Time { return r.createdAt }

// DefaultMediaCodecs is the capability set rooms are created with unless the
// caller says otherwise: Opus for voice, VP8 for video.
func DefaultMediaCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
	}
}

// CreateRouter allocates a routing context on the live engine worker. The
// codec set must contain at least one audio and one video capability so both
// halves of a call can be routed.
func (e *Engine) CreateRouter(codecs []webrtc.RTPCodecParameters) (*Router, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		codecs = DefaultMediaCodecs()
	}

	me := &webrtc.MediaEngine{}
	var haveAudio, haveVideo bool
	for _, c := range codecs {
		typ, err := codecType(c)
		if err != nil {
			return nil, err
		}
		if err := me.RegisterCodec(c, typ); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
		switch typ {
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		case webrtc.RTPCodecTypeVideo:
			haveVideo = true
		}
	}
	if !haveAudio || !haveVideo {
		return nil, fmt.Errorf("router codecs must include at least one audio and one video capability")
	}

	se, err := e.settingEngine()
	if err != nil {
		return nil, err
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	return &Router{
		id:        id,
		codecs:    append([]webrtc.RTPCodecParameters(nil), codecs...),
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
		createdAt: time.Now(),
	}, nil
}

func codecType(c webrtc.RTPCodecParameters) (webrtc.RTPCodecType, error) {
	typ := webrtc.NewRTPCodecType(c.MimeType)
	if typ != webrtc.RTPCodecTypeAudio && typ != webrtc.RTPCodecTypeVideo {
		return 0, fmt.Errorf("codec %q: mime type must be audio/* or video/*", c.MimeType)
	}
	return typ, nil
}

func newID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
