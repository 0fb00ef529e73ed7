package engine

import (
	"time"

	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// wireDeviceCache subscribes a standing handler that records every
// device's stats the moment it unlocks, independent of whatever
// Operation is currently using those events. The cache never gates an
// operation — it only remembers what it happens to see.
func (e *Engine) wireDeviceCache() {
	e.comms.Subscribe(comms.Handlers{
		OnProgStarted: func(devID uint8, stats protocol.DeviceStats) {
			e.cache.Put(devID, stats, time.Now())
		},
	})
}
