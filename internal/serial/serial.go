// Package serial wraps go.bug.st/serial with the handful of operations
// internal/canbus/slcan needs: open at a fixed mode, read with a
// timeout, write, close. internal/canbus/slcan is the only caller; this
// package exists so that wrapping isn't duplicated inline there.
package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port wraps a single serial connection.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens portName at baudRate, 8 data bits, no parity, one stop bit,
// with a default 200ms read timeout.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port, portName: portName, baudRate: baudRate}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port, blocking up to the configured
// read timeout. Satisfies io.Reader, so a Port can back a bufio.Reader
// directly.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// SetReadTimeout changes how long Read blocks waiting for data.
func (p *Port) SetReadTimeout(timeout time.Duration) error {
	return p.port.SetReadTimeout(timeout)
}

// PortName returns the port name Open was called with.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the configured baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns the names of available serial ports on this host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
