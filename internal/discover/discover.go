// Package discover implements a bus scan: find which devices in an id
// range are actually present before running a bulk start/stop, without
// leaving any responder unlocked. It is built entirely on the same
// Comms/Operation machinery as the rest of the engine, plus the one
// timeout anywhere in the system — a bounded wait for responses, since a
// scan across "every possible device id" would otherwise stall forever
// on a sparsely populated bus.
//
// Scan never touches Comms from its own goroutine directly: all reads
// and writes of engine state are marshaled through engine.Post, same as
// every other collaborator. Only the wait for responses happens on the
// caller's goroutine, driven by a channel the subscribed handler feeds.
package discover

import (
	"context"
	"sort"
	"time"

	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/engine"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// Found is one device observed responding during a scan.
type Found struct {
	DevID uint8
	Stats protocol.DeviceStats
}

// Scan issues progStart to every id in [loID, hiID] and collects whoever
// responds within timeout of the last response seen (so a device that
// answers right at the deadline isn't dropped just because the window
// started at the first progStart). Every responder is sent progEnd
// before Scan returns, even if ctx is canceled early — a scan never
// leaves a device unlocked.
func Scan(ctx context.Context, eng *engine.Engine, loID, hiID uint8, timeout time.Duration) ([]Found, error) {
	results := make(chan Found, 256)

	var token comms.Token
	eng.Post(func() {
		token = eng.Comms().Subscribe(comms.Handlers{
			OnProgStarted: func(devID uint8, stats protocol.DeviceStats) {
				select {
				case results <- Found{DevID: devID, Stats: stats}:
				default:
				}
			},
		})
		for id := int(loID); id <= int(hiID); id++ {
			if err := eng.Comms().ProgStart(uint8(id)); err != nil {
				eng.Logger().Warn("discover: failed to send PROG_REQ", "device", id, "err", err)
			}
		}
	})

	found := make(map[uint8]protocol.DeviceStats)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

wait:
	for {
		select {
		case f := <-results:
			found[f.DevID] = f.Stats
			timer.Reset(timeout)
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	done := make(chan struct{})
	eng.Post(func() {
		eng.Comms().Unsubscribe(token)
		close(done)
	})
	<-done

	list := make([]Found, 0, len(found))
	for devID, stats := range found {
		list = append(list, Found{DevID: devID, Stats: stats})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DevID < list[j].DevID })

	relockDone := make(chan struct{})
	eng.Post(func() {
		for _, f := range list {
			if err := eng.Comms().ProgEnd(f.DevID); err != nil {
				eng.Logger().Warn("discover: failed to re-lock responder", "device", f.DevID, "err", err)
			}
		}
		close(relockDone)
	})
	<-relockDone

	return list, ctx.Err()
}
