// Command cannuccia-flasher-cabi builds the C ABI boundary described in
// the external interfaces: an opaque engine handle plus
// caInit/caHalt/caStartDevices/caStopDevices/caFlashELF/caPoll/caReleaseCall,
// built with `go build -buildmode=c-shared`. Every exported function is
// a thin marshal into internal/cabi; no protocol or engine logic lives
// in this file.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"unsafe"

	_ "github.com/bigbag/cannuccia-flasher/internal/backends"
	"github.com/bigbag/cannuccia-flasher/internal/cabi"
)

//export caInit
func caInit(backend *C.char, iface *C.char) C.int32_t {
	h, err := cabi.Init(C.GoString(backend), C.GoString(iface))
	if err != nil {
		return C.int32_t(cabi.ErrLink)
	}
	return C.int32_t(h)
}

//export caHalt
func caHalt(handle C.int32_t) C.int32_t {
	if err := cabi.Halt(cabi.Handle(handle)); err != nil {
		return C.int32_t(cabi.ErrUnknownHandle)
	}
	return C.int32_t(cabi.ErrOK)
}

//export caStartDevices
func caStartDevices(handle C.int32_t, ids *C.uint8_t, nIDs C.int32_t) C.int32_t {
	callH, err := cabi.StartDevices(cabi.Handle(handle), cIDSlice(ids, nIDs))
	if err != nil {
		return C.int32_t(cabi.ErrUnknownHandle)
	}
	return C.int32_t(callH)
}

//export caStopDevices
func caStopDevices(handle C.int32_t, ids *C.uint8_t, nIDs C.int32_t) C.int32_t {
	callH, err := cabi.StopDevices(cabi.Handle(handle), cIDSlice(ids, nIDs))
	if err != nil {
		return C.int32_t(cabi.ErrUnknownHandle)
	}
	return C.int32_t(callH)
}

//export caFlashELF
func caFlashELF(handle C.int32_t, devID C.uint8_t, elfBytes *C.uint8_t, elfLen C.int32_t) C.int32_t {
	if elfLen < 0 || elfLen > C.int32_t(cabi.MaxELFSize) {
		return C.int32_t(cabi.ErrElfTooLarge)
	}

	buf := make([]byte, int(elfLen))
	if elfLen > 0 {
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(elfBytes)), int(elfLen)))
	}
	callH, err := cabi.FlashELF(cabi.Handle(handle), uint8(devID), buf)
	if err != nil {
		return C.int32_t(cabi.ErrUnknownHandle)
	}
	return C.int32_t(callH)
}

// caPoll writes the latest progress for callHandle into *outProgress and
// returns 1 if the call has reached a terminal value, 0 if still in
// progress, or cabi.ErrUnknownHandle if callHandle is unknown or already
// released.
//
//export caPoll
func caPoll(callHandle C.int32_t, outProgress *C.int32_t) C.int32_t {
	_, progress, done, ok := cabi.Poll(cabi.Handle(callHandle))
	if !ok {
		return C.int32_t(cabi.ErrUnknownHandle)
	}
	*outProgress = C.int32_t(progress)
	if done {
		return 1
	}
	return 0
}

//export caReleaseCall
func caReleaseCall(callHandle C.int32_t) {
	cabi.ReleaseCall(cabi.Handle(callHandle))
}

func cIDSlice(ids *C.uint8_t, n C.int32_t) []uint8 {
	if n == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(ids)), int(n))
	out := make([]uint8, n)
	copy(out, src)
	return out
}

func main() {}
