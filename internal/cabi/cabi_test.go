package cabi

import (
	"testing"
	"time"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
)

type nullBus struct{ recv chan canbus.Frame }

func (b *nullBus) Send(canbus.Frame) error { return nil }
func (b *nullBus) Recv() (canbus.Frame, error) {
	frame, ok := <-b.recv
	if !ok {
		return canbus.Frame{}, canbus.ErrClosed
	}
	return frame, nil
}
func (b *nullBus) Close() error {
	close(b.recv)
	return nil
}

func init() {
	canbus.Register("cabi-test-null", func(string) (canbus.Bus, error) {
		return &nullBus{recv: make(chan canbus.Frame)}, nil
	})
}

func TestInitHaltLifecycle(t *testing.T) {
	h, err := Init("cabi-test-null", "fake0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Halt(h); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := Halt(h); err == nil {
		t.Error("expected Halt on an already-closed handle to fail")
	}
}

func TestInitUnknownBackend(t *testing.T) {
	if _, err := Init("does-not-exist", "fake0"); err == nil {
		t.Error("expected Init with an unregistered backend to fail")
	}
}

func TestStartDevicesUnknownEngineHandle(t *testing.T) {
	if _, err := StartDevices(Handle(999999), []uint8{1, 2}); err == nil {
		t.Error("expected StartDevices on an unknown handle to fail")
	}
}

func TestStartDevicesPollReachesTerminalForEmptySet(t *testing.T) {
	h, err := Init("cabi-test-null", "fake0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Halt(h)

	callH, err := StartDevices(h, nil)
	if err != nil {
		t.Fatalf("StartDevices: %v", err)
	}
	defer ReleaseCall(callH)

	deadline := time.After(time.Second)
	for {
		_, progress, done, ok := Poll(callH)
		if !ok {
			t.Fatal("Poll: call handle vanished unexpectedly")
		}
		if done {
			if progress != 100 {
				t.Errorf("progress = %d, want 100 for an empty device set", progress)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for StartDevices to reach a terminal progress")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPollUnknownCallHandle(t *testing.T) {
	if _, _, _, ok := Poll(Handle(999999)); ok {
		t.Error("expected Poll on an unknown call handle to report !ok")
	}
}

func TestReleaseCallFreesHandle(t *testing.T) {
	h, err := Init("cabi-test-null", "fake0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Halt(h)

	callH, err := StartDevices(h, nil)
	if err != nil {
		t.Fatalf("StartDevices: %v", err)
	}
	ReleaseCall(callH)
	if _, _, _, ok := Poll(callH); ok {
		t.Error("expected Poll after ReleaseCall to report !ok")
	}
}
