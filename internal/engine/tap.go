package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/transport/v4"
)

// Tap is a recording pipe endpoint: a UDP socket the engine forwards a
// producer's RTP onto so an on-host recorder can consume it.
type Tap struct {
	id   string
	conn transport.UDPConn
	port int

	closeOnce sync.Once
	closeErr  error
}

func (t *Tap) ID() string { return t.id }

// Port is the local UDP port the recorder should listen from.
func (t *Tap) Port() int { return t.port }

// Close releases the tap socket. Idempotent.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// CreateTap binds a fresh UDP socket on bindIP with an engine-chosen
// ephemeral port. Every call yields a distinct port; taps are never shared.
func (e *Engine) CreateTap(ctx context.Context, bindIP net.IP) (*Tap, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := e.net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind tap socket on %s: %w", bindIP, err)
	}

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("tap socket has non-UDP local address %v", conn.LocalAddr())
	}

	id, err := newID()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Tap{id: id, conn: conn, port: addr.Port}, nil
}
