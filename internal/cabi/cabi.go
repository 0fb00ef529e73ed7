// Package cabi is the pure-Go half of the C ABI boundary: a handle-based,
// poll-driven API that the cgo shim in cmd/cannuccia-flasher-cabi does
// nothing but marshal C calls into. Keeping the actual logic here, free of
// "C" imports, means it builds and tests like any other package — the
// cgo file only exists to satisfy callers that can't link Go directly.
package cabi

import (
	"sync"
	"sync/atomic"

	"github.com/bigbag/cannuccia-flasher/internal/engine"
	"github.com/bigbag/cannuccia-flasher/internal/log"
)

// Handle identifies either an open engine (returned by Init) or an
// in-flight call (returned by StartDevices/StopDevices/FlashELF). The two
// namespaces never collide: both are drawn from the same counter.
type Handle int32

// Error codes returned across the boundary. These are a separate
// namespace from the progress-terminal error codes in internal/cnerr —
// those describe why an Operation failed; these describe why the ABI
// call itself couldn't be made.
const (
	ErrOK            = 0
	ErrConfig        = -1
	ErrLink          = -2
	ErrUnknownHandle = -3
	ErrElfTooLarge   = -4
)

var nextHandle atomic.Int32

func newHandle() Handle {
	return Handle(nextHandle.Add(1))
}

var engines sync.Map // Handle -> *engine.Engine

// Init opens an engine against the named backend/interface and returns a
// handle for every other call in this package. Mirrors caInit.
func Init(backend, iface string) (Handle, error) {
	eng, err := engine.New(engine.WithBackend(backend), engine.WithInterface(iface), engine.WithLogger(log.Nop{}))
	if err != nil {
		return 0, err
	}
	h := newHandle()
	engines.Store(h, eng)
	return h, nil
}

// Halt closes the engine behind h. Mirrors caHalt.
func Halt(h Handle) error {
	eng, ok := lookup(h)
	if !ok {
		return errUnknownHandle(h)
	}
	engines.Delete(h)
	return eng.Close()
}

func lookup(h Handle) (*engine.Engine, bool) {
	v, ok := engines.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*engine.Engine), true
}

type callState struct {
	mu       sync.Mutex
	message  string
	progress int
	done     bool
}

var calls sync.Map // Handle -> *callState

func newCall() (Handle, *callState) {
	h := newHandle()
	cs := &callState{}
	calls.Store(h, cs)
	return h, cs
}

func (cs *callState) report(message string, progress int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.message = message
	cs.progress = progress
	if progress >= 100 || progress < 0 {
		cs.done = true
	}
}

// Poll returns the latest progress reported for a call handle returned by
// StartDevices/StopDevices/FlashELF. ok is false if callHandle is unknown
// (including after ReleaseCall). Non-blocking: callers poll on their own
// cadence, since the cgo boundary has no good way to carry a Go channel.
func Poll(callHandle Handle) (message string, progress int, done bool, ok bool) {
	v, found := calls.Load(callHandle)
	if !found {
		return "", 0, false, false
	}
	cs := v.(*callState)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.message, cs.progress, cs.done, true
}

// ReleaseCall frees the bookkeeping for a finished call handle. Callers
// should release every handle StartDevices/StopDevices/FlashELF returns
// once Poll reports done, or it leaks for the life of the process.
func ReleaseCall(callHandle Handle) {
	calls.Delete(callHandle)
}

// StartDevices begins unlocking every device in ids and returns a call
// handle to Poll for progress. Mirrors caStartDevices.
func StartDevices(h Handle, ids []uint8) (Handle, error) {
	eng, ok := lookup(h)
	if !ok {
		return 0, errUnknownHandle(h)
	}
	callH, cs := newCall()
	eng.StartDevices(ids, cs.report)
	return callH, nil
}

// StopDevices begins locking every device in ids and returns a call
// handle to Poll for progress. Mirrors caStopDevices.
func StopDevices(h Handle, ids []uint8) (Handle, error) {
	eng, ok := lookup(h)
	if !ok {
		return 0, errUnknownHandle(h)
	}
	callH, cs := newCall()
	eng.StopDevices(ids, cs.report)
	return callH, nil
}

// MaxELFSize bounds the byte slice the cgo shim is allowed to copy in
// from a C buffer in one call, so a malformed length argument on the C
// side can't be used to force an unbounded allocation. Exported so the
// cgo shim can reject an oversized elfLen before it allocates and copies
// anything out of the C buffer.
const MaxELFSize = 64 << 20

// FlashELF begins flashing elfBytes onto devID and returns a call handle
// to Poll for progress. Mirrors caFlashELF.
func FlashELF(h Handle, devID uint8, elfBytes []byte) (Handle, error) {
	if len(elfBytes) > MaxELFSize {
		return 0, &tooLargeError{len(elfBytes)}
	}
	eng, ok := lookup(h)
	if !ok {
		return 0, errUnknownHandle(h)
	}
	callH, cs := newCall()
	eng.FlashELF(devID, elfBytes, cs.report)
	return callH, nil
}

type unknownHandleError struct{ h Handle }

func (e *unknownHandleError) Error() string { return "cabi: unknown handle" }

func errUnknownHandle(h Handle) error { return &unknownHandleError{h} }

type tooLargeError struct{ n int }

func (e *tooLargeError) Error() string { return "cabi: elf payload exceeds maximum size" }
