package discover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
	"github.com/bigbag/cannuccia-flasher/internal/codec"
	"github.com/bigbag/cannuccia-flasher/internal/engine"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// fakeBus simulates a set of CANnuccia devices: it auto-replies to
// PROG_REQ, UNLOCK and PROG_DONE for every devID in responders, and stays
// silent for everyone else.
type fakeBus struct {
	mu          sync.Mutex
	responders  map[uint8]bool
	recv        chan canbus.Frame
	closed      bool
	sent        []canbus.Frame
	progDoneIDs []uint8
}

func newFakeBus(responders ...uint8) *fakeBus {
	set := make(map[uint8]bool, len(responders))
	for _, id := range responders {
		set[id] = true
	}
	return &fakeBus{responders: set, recv: make(chan canbus.Frame, 256)}
}

func (b *fakeBus) Send(frame canbus.Frame) error {
	b.mu.Lock()
	b.sent = append(b.sent, frame)
	b.mu.Unlock()

	eid := codec.ShiftFromDriver(frame.ID)
	msgID, devID := codec.UnpackEID(eid)
	if !b.responders[devID] {
		return nil
	}

	var reply canbus.Frame
	switch msgID {
	case protocol.ProgReq:
		reply = b.frame(protocol.ProgReqResp, devID, []byte{0x08, 0x40, 0x00, 0x53, 0x00})
	case protocol.Unlock:
		reply = b.frame(protocol.Unlocked, devID, nil)
	case protocol.ProgDone:
		b.mu.Lock()
		b.progDoneIDs = append(b.progDoneIDs, devID)
		b.mu.Unlock()
		reply = b.frame(protocol.ProgDoneAck, devID, nil)
	default:
		return nil
	}
	b.recv <- reply
	return nil
}

func (b *fakeBus) frame(msgID uint32, devID uint8, payload []byte) canbus.Frame {
	eid := codec.PackEID(msgID, devID)
	return canbus.Frame{ID: codec.ShiftToDriver(eid), Data: payload}
}

func (b *fakeBus) Recv() (canbus.Frame, error) {
	frame, ok := <-b.recv
	if !ok {
		return canbus.Frame{}, canbus.ErrClosed
	}
	return frame, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.recv)
	}
	return nil
}

func (b *fakeBus) progDoneCount(devID uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range b.progDoneIDs {
		if id == devID {
			n++
		}
	}
	return n
}

var backendSeq int

func registerFakeBackend(bus *fakeBus) string {
	backendSeq++
	name := "discover-test-fake"
	// Re-registering the same name is fine: canbus.Register just
	// overwrites the map entry, and each test only opens its engine once.
	canbus.Register(name, func(string) (canbus.Bus, error) { return bus, nil })
	return name
}

func newTestEngine(t *testing.T, bus *fakeBus) *engine.Engine {
	t.Helper()
	name := registerFakeBackend(bus)
	eng, err := engine.New(engine.WithBackend(name), engine.WithInterface("fake0"))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestScanFindsResponderAndRelocks(t *testing.T) {
	bus := newFakeBus(0x05)
	eng := newTestEngine(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found, err := Scan(ctx, eng, 0x00, 0x0F, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 1 || found[0].DevID != 0x05 {
		t.Fatalf("found = %+v, want exactly device 0x05", found)
	}
	if found[0].Stats.PageSize != 256 || found[0].Stats.NFlashPages != 64 || found[0].Stats.ElfMachine != 0x0053 {
		t.Errorf("unexpected stats: %+v", found[0].Stats)
	}

	if bus.progDoneCount(0x05) != 1 {
		t.Errorf("expected exactly one PROG_DONE for the responder, got %d", bus.progDoneCount(0x05))
	}
}

func TestScanNoRespondersProducesEmptyResultNoRelock(t *testing.T) {
	bus := newFakeBus()
	eng := newTestEngine(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found, err := Scan(ctx, eng, 0x00, 0x03, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("found = %+v, want none", found)
	}
	if bus.progDoneCount(0x00) != 0 {
		t.Error("no PROG_DONE should be sent to a device that never responded")
	}
}

func TestScanResultsSortedByDevID(t *testing.T) {
	bus := newFakeBus(0x09, 0x02, 0x07)
	eng := newTestEngine(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found, err := Scan(ctx, eng, 0x00, 0x0F, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("found = %+v, want 3 devices", found)
	}
	for i := 1; i < len(found); i++ {
		if found[i-1].DevID >= found[i].DevID {
			t.Fatalf("results not sorted: %+v", found)
		}
	}
	if found[0].DevID != 0x02 || found[1].DevID != 0x07 || found[2].DevID != 0x09 {
		t.Errorf("unexpected order: %+v", found)
	}
}

func TestScanCanceledContextStillRelocksAlreadyFoundDevices(t *testing.T) {
	bus := newFakeBus(0x0A)
	eng := newTestEngine(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel shortly after responses have had time to arrive but long
	// before the quiet-period timeout would naturally expire.
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	found, err := Scan(ctx, eng, 0x00, 0x0F, 5*time.Second)
	if err == nil {
		t.Error("expected ctx.Err() to be returned on cancellation")
	}
	if len(found) != 1 || found[0].DevID != 0x0A {
		t.Fatalf("found = %+v, want device 0x0A picked up before cancellation", found)
	}
	if bus.progDoneCount(0x0A) != 1 {
		t.Errorf("expected the canceled scan to still re-lock its responder, got %d PROG_DONE", bus.progDoneCount(0x0A))
	}
}
