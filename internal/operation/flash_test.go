package operation

import (
	"debug/elf"
	"testing"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
	"github.com/bigbag/cannuccia-flasher/internal/codec"
	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// elfWithOneSegment builds a little-endian ELF with a single PT_LOAD
// segment carrying data at physAddr, targeting machine.
func elfWithOneSegment(t *testing.T, machine elf.Machine, physAddr uint64, data []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56
	const phoff = uint64(ehsize)
	dataOff := phoff + phentsize

	b := make([]byte, int(dataOff)+len(data))
	copy(b[0:4], []byte{0x7F, 'E', 'L', 'F'})
	b[4] = 2 // ELFCLASS64
	b[5] = 1 // ELFDATA2LSB
	b[6] = 1 // EV_CURRENT
	b[16] = 2 // ET_EXEC
	codec.WriteU16LE(b[18:20], uint16(machine))
	codec.WriteU32LE(b[20:24], 1) // e_version
	writeU64LE(b[32:40], phoff)   // e_phoff
	codec.WriteU16LE(b[52:54], ehsize)
	codec.WriteU16LE(b[54:56], phentsize)
	codec.WriteU16LE(b[56:58], 1) // e_phnum
	codec.WriteU16LE(b[58:60], 64)
	codec.WriteU16LE(b[60:62], 0)

	ph := b[phoff : phoff+phentsize]
	codec.WriteU32LE(ph[0:4], uint32(elf.PT_LOAD))
	codec.WriteU32LE(ph[4:8], uint32(elf.PF_R|elf.PF_W))
	writeU64LE(ph[8:16], dataOff)            // p_offset
	writeU64LE(ph[16:24], physAddr)          // p_vaddr
	writeU64LE(ph[24:32], physAddr)          // p_paddr
	writeU64LE(ph[32:40], uint64(len(data))) // p_filesz
	writeU64LE(ph[40:48], uint64(len(data))) // p_memsz
	writeU64LE(ph[48:56], 1)                 // p_align

	copy(b[dataOff:], data)
	return b
}

func writeU64LE(b []byte, v uint64) {
	codec.WriteU32LE(b[0:4], uint32(v))
	codec.WriteU32LE(b[4:8], uint32(v>>32))
}

func countSelectPage(sent []canbus.Frame) int {
	n := 0
	for _, f := range sent {
		eid := codec.ShiftFromDriver(f.ID)
		msgID, _ := codec.UnpackEID(eid)
		if msgID == protocol.SelectPage {
			n++
		}
	}
	return n
}

// minimalELF builds the smallest valid little-endian ELF with zero
// PT_LOAD segments carrying file bytes, targeting e_machine.
func minimalELF(t *testing.T, machine elf.Machine) []byte {
	t.Helper()
	// A bare ELF header with e_phnum=0 is sufficient: elfimage.Parse only
	// looks at program headers, and debug/elf happily parses a
	// headers-only file.
	const ehsize = 64
	b := make([]byte, ehsize)
	copy(b[0:4], []byte{0x7F, 'E', 'L', 'F'})
	b[4] = 2 // ELFCLASS64
	b[5] = 1 // ELFDATA2LSB
	b[6] = 1 // EV_CURRENT
	b[16] = 2 // ET_EXEC
	codec.WriteU16LE(b[18:20], uint16(machine))
	codec.WriteU32LE(b[20:24], 1) // e_version
	codec.WriteU16LE(b[52:54], ehsize) // e_ehsize
	codec.WriteU16LE(b[54:56], 56)     // e_phentsize
	codec.WriteU16LE(b[56:58], 0)      // e_phnum
	codec.WriteU16LE(b[58:60], 64)     // e_shentsize
	codec.WriteU16LE(b[60:62], 0)      // e_shnum
	return b
}

func TestFlashElfOpNoELFSupplied(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	op := NewFlashElfOp(0x01, nil, nil)

	var gotProgress int
	op.Start(c, func(_ string, p int) { gotProgress = p })

	if gotProgress >= 0 {
		t.Fatalf("progress = %d, want a negative terminal code", gotProgress)
	}
}

func TestFlashElfOpEmptyElf_S3(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	elfBytes := minimalELF(t, elf.EM_ARM)
	op := NewFlashElfOp(0x01, elfBytes, nil)

	var progressions []int
	op.Start(c, func(_ string, p int) { progressions = append(progressions, p) })

	// Drive progStart -> progStarted.
	inject(c, protocol.ProgReqResp, 0x01, []byte{0x08, 0x01, 0x00, byte(elf.EM_ARM), 0x00})
	inject(c, protocol.Unlocked, 0x01, nil)

	final := progressions[len(progressions)-1]
	if final != 100 {
		t.Fatalf("final progress = %d, want 100 for an ELF with no flashable segments", final)
	}
}

func TestFlashElfOpIncompatibleMachine(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	elfBytes := minimalELF(t, elf.EM_ARM)
	op := NewFlashElfOp(0x01, elfBytes, nil)

	var gotProgress int
	op.Start(c, func(_ string, p int) { gotProgress = p })

	inject(c, protocol.ProgReqResp, 0x01, []byte{0x08, 0x01, 0x00, byte(elf.EM_XTENSA), 0x00})
	inject(c, protocol.Unlocked, 0x01, nil)

	if gotProgress != -2 {
		t.Fatalf("progress = %d, want -2 (IncompatibleTarget)", gotProgress)
	}
}

func TestFlashElfOpIgnoresForeignDevice(t *testing.T) {
	c := comms.New(&fakeBus{}, nil)
	elfBytes := minimalELF(t, elf.EM_ARM)
	op := NewFlashElfOp(0x01, elfBytes, nil)

	var progressions []int
	op.Start(c, func(_ string, p int) { progressions = append(progressions, p) })

	before := len(progressions)
	inject(c, protocol.ProgReqResp, 0x02, []byte{0x08, 0x01, 0x00, byte(elf.EM_ARM), 0x00})
	inject(c, protocol.Unlocked, 0x02, nil)

	if len(progressions) != before {
		t.Error("events for a foreign device must not move this operation forward")
	}
}

// TestFlashElfOpCrcMismatchRetriesWithSingleSelectPage drives a real,
// single-page flash through a CRC mismatch and checks that the retry
// FlashElfOp.onPageFlashErrored triggers synchronously does not cause
// comms.handleWritesChecked to also issue its own, redundant SELECT_PAGE
// for the same page.
func TestFlashElfOpCrcMismatchRetriesWithSingleSelectPage(t *testing.T) {
	bus := &fakeBus{}
	c := comms.New(bus, nil)

	pageData := make([]byte, 256)
	for i := range pageData {
		pageData[i] = byte(i)
	}
	elfBytes := elfWithOneSegment(t, elf.EM_ARM, 0x08000000, pageData)
	op := NewFlashElfOp(0x01, elfBytes, nil)

	var progressions []int
	op.Start(c, func(_ string, p int) { progressions = append(progressions, p) })

	// pageSizePow2=8 (256), nFlashPages=1, elfMachine=EM_ARM.
	inject(c, protocol.ProgReqResp, 0x01, []byte{0x08, 0x01, 0x00, byte(elf.EM_ARM), 0x00})
	inject(c, protocol.Unlocked, 0x01, nil)

	if got := countSelectPage(bus.sent); got != 1 {
		t.Fatalf("SELECT_PAGE count after initial select = %d, want 1", got)
	}

	inject(c, protocol.PageSelected, 0x01, protocol.EncodePageAddr(0x08000000))
	inject(c, protocol.WritesChecked, 0x01, protocol.EncodeChecksum(0xFFFF)) // wrong CRC

	if got := countSelectPage(bus.sent); got != 2 {
		t.Fatalf("SELECT_PAGE count after CRC-mismatch retry = %d, want exactly 2 (initial + one retry, no duplicate)", got)
	}

	expectedCrc := codec.CRC16XMODEM(pageData)
	inject(c, protocol.PageSelected, 0x01, protocol.EncodePageAddr(0x08000000))
	inject(c, protocol.WritesChecked, 0x01, protocol.EncodeChecksum(expectedCrc))
	inject(c, protocol.WritesCommitted, 0x01, protocol.EncodePageAddr(0x08000000))

	if got := countSelectPage(bus.sent); got != 2 {
		t.Fatalf("SELECT_PAGE count after successful commit = %d, want still 2", got)
	}
	final := progressions[len(progressions)-1]
	if final != 100 {
		t.Fatalf("final progress = %d, want 100", final)
	}
}
