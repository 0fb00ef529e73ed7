// Package slcan implements the canbus.Bus interface over the ASCII
// Lawicel/CANable "slcan" line protocol, carried on a serial port opened
// through internal/serial. This is the backend for USB-CAN adapters that
// present themselves as a serial device rather than a kernel CAN interface.
package slcan

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
	"github.com/bigbag/cannuccia-flasher/internal/serial"
)

func init() {
	canbus.Register("slcan", Open)
}

const (
	defaultBaud = 115200
	canEFFMask  = 0x1FFFFFFF
)

// Bus is an slcan-protocol connection over a serial port.
type Bus struct {
	port   *serial.Port
	reader *bufio.Reader

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens the serial port iface at the adapter's fixed baud rate, puts it into open
// CAN-bus mode, and returns a ready Bus. iface is the serial device path
// (e.g. "/dev/ttyACM0").
func Open(iface string) (canbus.Bus, error) {
	port, err := serial.Open(iface, defaultBaud)
	if err != nil {
		return nil, fmt.Errorf("slcan: %w", err)
	}

	b := &Bus{
		port:   port,
		reader: bufio.NewReader(port),
		closed: make(chan struct{}),
	}

	// S6 selects 500kbit/s; a real deployment would make this configurable,
	// but every CANnuccia firmware build fixes the bus speed at 500kbit/s.
	if err := b.writeLine("S6"); err != nil {
		port.Close()
		return nil, err
	}
	if err := b.writeLine("O"); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: open bus: %w", err)
	}

	return b, nil
}

func (b *Bus) writeLine(s string) error {
	_, err := b.port.Write([]byte(s + "\r"))
	return err
}

// Send encodes frame as an slcan extended-frame transmit command:
// T<8-hex-digit id><1-digit dlc><hex data>\r
func (b *Bus) Send(frame canbus.Frame) error {
	select {
	case <-b.closed:
		return canbus.ErrClosed
	default:
	}
	if len(frame.Data) > 8 {
		return fmt.Errorf("slcan: frame data length %d exceeds 8", len(frame.Data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "T%08X%d%s", frame.ID&canEFFMask, len(frame.Data), hex.EncodeToString(frame.Data))
	return b.writeLine(sb.String())
}

// Recv reads slcan lines from the port until it decodes a well-formed
// extended-frame report ("T..." terminated by \r), skipping anything else
// (status replies, partial reads, standard-frame reports).
func (b *Bus) Recv() (canbus.Frame, error) {
	for {
		select {
		case <-b.closed:
			return canbus.Frame{}, canbus.ErrClosed
		default:
		}

		line, err := b.reader.ReadString('\r')
		if err != nil {
			select {
			case <-b.closed:
				return canbus.Frame{}, canbus.ErrClosed
			default:
			}
			// A read timeout with no data is routine; keep polling.
			if strings.Contains(err.Error(), "timeout") || line == "" {
				continue
			}
			return canbus.Frame{}, fmt.Errorf("slcan: read: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		frame, ok, perr := parseExtendedFrame(line)
		if perr != nil {
			continue
		}
		if !ok {
			continue
		}
		return frame, nil
	}
}

func parseExtendedFrame(line string) (canbus.Frame, bool, error) {
	if len(line) < 10 || line[0] != 'T' {
		return canbus.Frame{}, false, nil
	}

	id, err := strconv.ParseUint(line[1:9], 16, 32)
	if err != nil {
		return canbus.Frame{}, false, err
	}
	dlc, err := strconv.Atoi(line[9:10])
	if err != nil || dlc < 0 || dlc > 8 {
		return canbus.Frame{}, false, fmt.Errorf("slcan: bad dlc in %q", line)
	}

	dataHex := line[10:]
	if len(dataHex) < dlc*2 {
		return canbus.Frame{}, false, fmt.Errorf("slcan: short data in %q", line)
	}
	data, err := hex.DecodeString(dataHex[:dlc*2])
	if err != nil {
		return canbus.Frame{}, false, err
	}

	return canbus.Frame{ID: uint32(id) & canEFFMask, Data: data}, true, nil
}

// Close releases the open-bus mode and closes the serial port.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		b.writeLine("C")
		b.mu.Unlock()
		err = b.port.Close()
	})
	return err
}
