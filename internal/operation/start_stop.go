package operation

import (
	"fmt"

	"github.com/bigbag/cannuccia-flasher/internal/cnerr"
	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// StartDevicesOp issues progStart to a set of devices and reports
// progress as each one unlocks.
type StartDevicesOp struct {
	devices  map[uint8]struct{}
	nDevices int

	comms    *comms.Comms
	progress ProgressFunc
	token    comms.Token
}

// NewStartDevicesOp builds a StartDevicesOp over deviceIDs. Duplicates are
// collapsed.
func NewStartDevicesOp(deviceIDs []uint8) *StartDevicesOp {
	devices := make(map[uint8]struct{}, len(deviceIDs))
	for _, d := range deviceIDs {
		devices[d] = struct{}{}
	}
	return &StartDevicesOp{devices: devices, nDevices: len(devices)}
}

func (op *StartDevicesOp) Start(c *comms.Comms, progress ProgressFunc) {
	op.comms = c
	op.progress = progress

	if op.nDevices == 0 {
		progress("No devices to unlock", 100)
		return
	}

	op.token = c.Subscribe(comms.Handlers{OnProgStarted: op.onProgStarted})
	for devID := range op.devices {
		if err := c.ProgStart(devID); err != nil {
			progress(fmt.Sprintf("failed to send PROG_REQ to device 0x%02X: %v", devID, err), cnerr.ProgressErrLink)
			c.Unsubscribe(op.token)
			return
		}
	}
}

func (op *StartDevicesOp) onProgStarted(devID uint8, _ protocol.DeviceStats) {
	if _, ours := op.devices[devID]; !ours {
		return
	}
	delete(op.devices, devID)

	completed := op.nDevices - len(op.devices)
	if len(op.devices) > 0 {
		pct := 100 * completed / op.nDevices
		if pct > 99 {
			pct = 99
		}
		op.progress(fmt.Sprintf("Unlocked device 0x%02X (%d of %d)", devID, completed, op.nDevices), pct)
		return
	}

	op.comms.Unsubscribe(op.token)
	op.progress(fmt.Sprintf("Unlocked %d devices", op.nDevices), 100)
}

// StopDevicesOp is StartDevicesOp's mirror image: progEnd/progEnded
// instead of progStart/progStarted.
type StopDevicesOp struct {
	devices  map[uint8]struct{}
	nDevices int

	comms    *comms.Comms
	progress ProgressFunc
	token    comms.Token
}

// NewStopDevicesOp builds a StopDevicesOp over deviceIDs. Duplicates are
// collapsed.
func NewStopDevicesOp(deviceIDs []uint8) *StopDevicesOp {
	devices := make(map[uint8]struct{}, len(deviceIDs))
	for _, d := range deviceIDs {
		devices[d] = struct{}{}
	}
	return &StopDevicesOp{devices: devices, nDevices: len(devices)}
}

func (op *StopDevicesOp) Start(c *comms.Comms, progress ProgressFunc) {
	op.comms = c
	op.progress = progress

	if op.nDevices == 0 {
		progress("No devices to lock", 100)
		return
	}

	op.token = c.Subscribe(comms.Handlers{OnProgEnded: op.onProgEnded})
	for devID := range op.devices {
		if err := c.ProgEnd(devID); err != nil {
			progress(fmt.Sprintf("failed to send PROG_DONE to device 0x%02X: %v", devID, err), cnerr.ProgressErrLink)
			c.Unsubscribe(op.token)
			return
		}
	}
}

func (op *StopDevicesOp) onProgEnded(devID uint8) {
	if _, ours := op.devices[devID]; !ours {
		return
	}
	delete(op.devices, devID)

	completed := op.nDevices - len(op.devices)
	if len(op.devices) > 0 {
		pct := 100 * completed / op.nDevices
		if pct > 99 {
			pct = 99
		}
		op.progress(fmt.Sprintf("Locked device 0x%02X (%d of %d)", devID, completed, op.nDevices), pct)
		return
	}

	op.comms.Unsubscribe(op.token)
	op.progress(fmt.Sprintf("Locked %d devices", op.nDevices), 100)
}
