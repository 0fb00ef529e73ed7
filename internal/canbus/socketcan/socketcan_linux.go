//go:build linux

// Package socketcan implements the canbus.Bus interface over a Linux
// SocketCAN AF_CAN/CAN_RAW socket. It is the primary backend for a real
// CANnuccia network wired to a Linux host's can0/vcan0 interface.
package socketcan

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
)

func init() {
	canbus.Register("socketcan", Open)
}

const (
	canEFFFlag = 0x80000000
	canEFFMask = 0x1FFFFFFF

	// Classical can_frame is 16 bytes: 4 (can_id) + 1 (dlc) + 3 (padding) + 8 (data).
	frameSize = 16
)

// Bus is a SocketCAN raw-socket connection to a single CAN interface.
type Bus struct {
	fd int

	closeOnce sync.Once
	closed    chan struct{}
}

// Open binds a CAN_RAW socket to the named interface (e.g. "vcan0", "can0").
func Open(iface string) (canbus.Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open socket: %w", err)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: resolve interface %q: %w", iface, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind %q: %w", iface, err)
	}

	return &Bus{fd: fd, closed: make(chan struct{})}, nil
}

// Send marshals frame into a classical can_frame and writes it to the socket.
func (b *Bus) Send(frame canbus.Frame) error {
	select {
	case <-b.closed:
		return canbus.ErrClosed
	default:
	}

	if len(frame.Data) > 8 {
		return fmt.Errorf("socketcan: frame data length %d exceeds 8", len(frame.Data))
	}

	buf := make([]byte, frameSize)
	id := (frame.ID & canEFFMask) | canEFFFlag
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	buf[4] = byte(len(frame.Data))
	copy(buf[8:], frame.Data)

	if _, err := unix.Write(b.fd, buf); err != nil {
		return fmt.Errorf("socketcan: write: %w", err)
	}
	return nil
}

// Recv blocks on the socket for the next frame.
func (b *Bus) Recv() (canbus.Frame, error) {
	buf := make([]byte, frameSize)
	for {
		n, err := unix.Read(b.fd, buf)
		select {
		case <-b.closed:
			return canbus.Frame{}, canbus.ErrClosed
		default:
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return canbus.Frame{}, fmt.Errorf("socketcan: read: %w", err)
		}
		if n < frameSize {
			continue
		}

		id := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		dlc := int(buf[4])
		if dlc > 8 {
			dlc = 8
		}
		data := make([]byte, dlc)
		copy(data, buf[8:8+dlc])

		return canbus.Frame{ID: id & canEFFMask, Data: data}, nil
	}
}

// Close closes the underlying socket. Safe to call more than once.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = unix.Close(b.fd)
	})
	return err
}
