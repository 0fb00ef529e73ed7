// Package operation implements the long-running tasks the engine drives
// on top of internal/comms: unlocking or locking a set of devices, and
// flashing an ELF image onto one device.
package operation

import "github.com/bigbag/cannuccia-flasher/internal/comms"

// ProgressFunc reports an Operation's progress. Convention: [0, 99] is an
// in-progress percentage, 100 is a success terminal, and a negative value
// is an error terminal whose magnitude is the error code (see
// internal/cnerr). A terminal value is the operation's "done" signal.
type ProgressFunc func(message string, progress int)

// Operation is a stateful, event-driven task with a single progress
// callback. Start is invoked once by the scheduler; the operation
// subscribes to whichever comms.Handlers it needs and may issue commands
// immediately, then returns — it is resumed only by its own subscribed
// handlers firing. It must unsubscribe before reporting a terminal
// progress value, so it stops receiving events meant for whatever
// operation runs next.
type Operation interface {
	Start(c *comms.Comms, progress ProgressFunc)
}
