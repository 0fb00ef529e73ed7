// Package elfimage parses a firmware ELF image into the loadable segments
// a CANnuccia device needs flashed, and carves those segments into
// page-aligned chunks addressed the way the target's flash expects.
package elfimage

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"github.com/bigbag/cannuccia-flasher/internal/cnerr"
	"github.com/bigbag/cannuccia-flasher/internal/log"
)

// Segment is one ELF PT_LOAD segment with a non-zero file size: bytes to
// be written at PhysAddr in the target's flash.
type Segment struct {
	PhysAddr uint64
	MemSize  uint64
	Data     []byte
}

// Image is a parsed firmware ELF, reduced to what FlashMap needs.
type Image struct {
	Machine  elf.Machine
	Segments []Segment
}

// Parse reads elfBytes and returns the PT_LOAD segments with fileSize > 0,
// in file order. Segments that are loadable but carry no file bytes (pure
// .bss) are skipped, mirroring the original loader's behavior.
func Parse(elfBytes []byte, logger log.Logger) (*Image, error) {
	if logger == nil {
		logger = log.Nop{}
	}

	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return nil, &cnerr.ElfParseError{Err: err}
	}
	defer f.Close()

	logger.Debug("parsed elf image", "machine", f.Machine.String(), "osabi", f.OSABI.String())
	logger.Debug("elf segment count", "count", len(f.Progs))

	img := &Image{Machine: f.Machine}
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			logger.Debug("segment not loadable, skip", "index", i)
			continue
		}
		if prog.Filesz == 0 {
			logger.Debug("segment loadable but fileSize=0, skip", "index", i)
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, &cnerr.ElfParseError{Err: fmt.Errorf("read segment %d: %w", i, err)}
		}

		logger.Debug("segment loadable, will flash",
			"index", i, "fileSize", prog.Filesz, "memSize", prog.Memsz, "physAddr", fmt.Sprintf("0x%08X", prog.Paddr))

		img.Segments = append(img.Segments, Segment{
			PhysAddr: prog.Paddr,
			MemSize:  prog.Memsz,
			Data:     data,
		})
	}

	return img, nil
}

// FlashMap is the page-addressed view of an Image's segments, carved to a
// fixed pageSize. Take drains the pages as flashing proceeds; numPages stays
// fixed as the progress denominator.
type FlashMap struct {
	pageSize uint32
	numPages int
	pages    map[uint32][]byte
}

// BuildFlashMap carves segments into pageSize-aligned chunks. Each segment
// contributes floor(fileSize/pageSize) full pages plus, if there's a
// remainder, one more page zero-padded to pageSize. Segments are processed
// in order; a later segment's page overwrites an earlier one at the same
// address (well-formed firmware ELFs never overlap).
func BuildFlashMap(segments []Segment, pageSize uint32) (*FlashMap, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("elfimage: pageSize must be non-zero")
	}

	pages := make(map[uint32][]byte)
	for _, seg := range segments {
		full := len(seg.Data) / int(pageSize)
		for i := 0; i < full; i++ {
			addr := uint32(seg.PhysAddr) + uint32(i)*pageSize
			page := make([]byte, pageSize)
			copy(page, seg.Data[i*int(pageSize):(i+1)*int(pageSize)])
			pages[addr] = page
		}

		left := len(seg.Data) % int(pageSize)
		if left != 0 {
			addr := uint32(seg.PhysAddr) + uint32(full)*pageSize
			page := make([]byte, pageSize)
			copy(page, seg.Data[full*int(pageSize):])
			pages[addr] = page
		}
	}

	return &FlashMap{pageSize: pageSize, numPages: len(pages), pages: pages}, nil
}

// NumPages returns the page count captured at construction; it does not
// change as Take drains the map.
func (m *FlashMap) NumPages() int { return m.numPages }

// Remaining returns how many pages have not yet been taken.
func (m *FlashMap) Remaining() int { return len(m.pages) }

// Addrs returns the addresses still pending, sorted ascending, so callers
// get deterministic flash order.
func (m *FlashMap) Addrs() []uint32 {
	addrs := make([]uint32, 0, len(m.pages))
	for addr := range m.pages {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Page returns the page data at addr and whether it is still pending.
func (m *FlashMap) Page(addr uint32) ([]byte, bool) {
	page, ok := m.pages[addr]
	return page, ok
}

// Take removes and returns the page at addr.
func (m *FlashMap) Take(addr uint32) ([]byte, bool) {
	page, ok := m.pages[addr]
	if ok {
		delete(m.pages, addr)
	}
	return page, ok
}
