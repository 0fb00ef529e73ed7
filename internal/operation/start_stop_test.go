package operation

import (
	"errors"
	"testing"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
	"github.com/bigbag/cannuccia-flasher/internal/codec"
	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

type fakeBus struct{ sent []canbus.Frame }

func (b *fakeBus) Send(frame canbus.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}
func (b *fakeBus) Recv() (canbus.Frame, error) { return canbus.Frame{}, errors.New("not used") }
func (b *fakeBus) Close() error                { return nil }

func inject(c *comms.Comms, msgID uint32, devID uint8, payload []byte) {
	eid := codec.PackEID(msgID, devID)
	c.HandleFrame(canbus.Frame{ID: codec.ShiftToDriver(eid), Data: payload})
}

func TestStartDevicesOpEmptySet(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	op := NewStartDevicesOp(nil)

	var gotMsg string
	var gotProgress int
	op.Start(c, func(msg string, p int) { gotMsg, gotProgress = msg, p })

	if gotProgress != 100 {
		t.Fatalf("progress = %d, want 100", gotProgress)
	}
	if gotMsg == "" {
		t.Error("expected a non-empty progress message")
	}
}

func TestStopDevicesOpS4BulkSubsetAck(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	op := NewStopDevicesOp([]uint8{0x10, 0x11, 0x12})

	var progressions []int
	done := false
	op.Start(c, func(_ string, p int) {
		progressions = append(progressions, p)
		if p == 100 {
			if done {
				t.Error("progress 100 reported more than once")
			}
			done = true
		}
	})

	inject(c, protocol.ProgDoneAck, 0x10, nil)
	inject(c, protocol.ProgDoneAck, 0x12, nil)
	inject(c, protocol.ProgDoneAck, 0x11, nil)

	for i := 1; i < len(progressions); i++ {
		if progressions[i] < progressions[i-1] {
			t.Fatalf("progress sequence not monotonic: %v", progressions)
		}
	}
	if progressions[len(progressions)-1] != 100 {
		t.Fatalf("final progress = %d, want 100", progressions[len(progressions)-1])
	}

	// A stray ack after completion must not invoke the handler again.
	before := len(progressions)
	inject(c, protocol.ProgDoneAck, 0x10, nil)
	if len(progressions) != before {
		t.Error("stray PROG_DONE_ACK after completion triggered another progress report")
	}
}

func TestStartDevicesOpIgnoresForeignDevice(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	op := NewStartDevicesOp([]uint8{0x01})

	var reports int
	op.Start(c, func(string, int) { reports++ })

	inject(c, protocol.ProgReqResp, 0x02, []byte{0x08, 0x01, 0x00, 0x00, 0x00})
	inject(c, protocol.Unlocked, 0x02, nil)

	if reports != 0 {
		t.Errorf("expected no progress reports for a device outside the set, got %d", reports)
	}
}
