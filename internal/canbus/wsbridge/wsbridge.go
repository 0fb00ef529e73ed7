// Package wsbridge implements the canbus.Bus interface over a WebSocket
// tunnel: each binary message carries one CAN frame. It is the backend for
// a CANnuccia bus that sits behind a network gateway rather than on the
// host's own CAN hardware.
package wsbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
)

func init() {
	canbus.Register("wsbridge", Open)
}

const (
	dialTimeout = 15 * time.Second
	canEFFMask  = 0x1FFFFFFF
)

// Bus is a WebSocket-tunneled CAN connection. Wire framing per message:
// 4 bytes little-endian frame ID, 1 byte data length, then that many data
// bytes.
type Bus struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Open dials iface (ws:// or wss://) and returns a ready Bus. iface is the
// full WebSocket URL; CANnuccia's gateway needs no extra handshake beyond
// the connection itself.
func Open(iface string) (canbus.Bus, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, iface, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsbridge: dial %s (HTTP %d): %w", iface, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wsbridge: dial %s: %w", iface, err)
	}

	return &Bus{conn: conn, closed: make(chan struct{})}, nil
}

// Send writes frame as one binary WebSocket message.
func (b *Bus) Send(frame canbus.Frame) error {
	select {
	case <-b.closed:
		return canbus.ErrClosed
	default:
	}
	if len(frame.Data) > 8 {
		return fmt.Errorf("wsbridge: frame data length %d exceeds 8", len(frame.Data))
	}

	buf := make([]byte, 5+len(frame.Data))
	id := frame.ID & canEFFMask
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	buf[4] = byte(len(frame.Data))
	copy(buf[5:], frame.Data)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("wsbridge: write: %w", err)
	}
	return nil
}

// Recv reads the next binary message and decodes it as one frame, skipping
// any non-binary control/text messages the gateway sends.
func (b *Bus) Recv() (canbus.Frame, error) {
	for {
		select {
		case <-b.closed:
			return canbus.Frame{}, canbus.ErrClosed
		default:
		}

		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closed:
				return canbus.Frame{}, canbus.ErrClosed
			default:
			}
			return canbus.Frame{}, fmt.Errorf("wsbridge: read: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) < 5 {
			continue
		}

		id := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		dlc := int(data[4])
		if dlc > 8 || len(data) < 5+dlc {
			continue
		}
		payload := make([]byte, dlc)
		copy(payload, data[5:5+dlc])

		return canbus.Frame{ID: id & canEFFMask, Data: payload}, nil
	}
}

// Close closes the underlying WebSocket connection.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}
