//go:build !linux

// Package socketcan implements the canbus.Bus interface over a Linux
// SocketCAN AF_CAN/CAN_RAW socket. This file backs every other GOOS: the
// AF_CAN socket family doesn't exist there, so Open just reports that
// plainly instead of leaving "socketcan" unregistered (which would
// otherwise surface as a confusing "unknown backend" error).
package socketcan

import (
	"fmt"
	"runtime"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
)

func init() {
	canbus.Register("socketcan", Open)
}

// Open always fails on non-Linux platforms: SocketCAN is a Linux kernel
// facility with no equivalent elsewhere.
func Open(iface string) (canbus.Bus, error) {
	return nil, fmt.Errorf("socketcan: not supported on %s (Linux only)", runtime.GOOS)
}
