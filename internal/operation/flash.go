package operation

import (
	"fmt"

	"github.com/bigbag/cannuccia-flasher/internal/cnerr"
	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/elfimage"
	"github.com/bigbag/cannuccia-flasher/internal/log"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// FlashElfOp unlocks one device, checks it against an ELF image's
// e_machine, carves the image into flash pages, and writes them one at a
// time. It does not re-lock the device; a following StopDevicesOp is the
// caller's responsibility, so several FlashElfOps can share one unlock
// window.
type FlashElfOp struct {
	devID    uint8
	elfBytes []byte
	logger   log.Logger

	comms    *comms.Comms
	progress ProgressFunc

	startToken comms.Token
	flashToken comms.Token

	image    *elfimage.Image
	flashMap *elfimage.FlashMap
}

// NewFlashElfOp builds a FlashElfOp targeting devID with the given raw
// ELF bytes. logger may be nil.
func NewFlashElfOp(devID uint8, elfBytes []byte, logger log.Logger) *FlashElfOp {
	if logger == nil {
		logger = log.Nop{}
	}
	return &FlashElfOp{devID: devID, elfBytes: elfBytes, logger: logger}
}

func (op *FlashElfOp) devIDStr() string { return fmt.Sprintf("0x%02X", op.devID) }

func (op *FlashElfOp) Start(c *comms.Comms, progress ProgressFunc) {
	op.comms = c
	op.progress = progress

	if len(op.elfBytes) == 0 {
		progress(fmt.Sprintf("No ELF supplied for %s", op.devIDStr()), cnerr.ProgressErrElfParse)
		return
	}

	progress(fmt.Sprintf("Loading ELF for %s", op.devIDStr()), 0)
	img, err := elfimage.Parse(op.elfBytes, op.logger)
	if err != nil {
		op.logger.Error("failed to parse ELF", "device", op.devID, "err", err)
		progress(fmt.Sprintf("Failed to load ELF for %s", op.devIDStr()), cnerr.ProgressErrElfParse)
		return
	}
	op.image = img
	progress(fmt.Sprintf("ELF loaded for %s", op.devIDStr()), 4)

	progress(fmt.Sprintf("Unlocking %s to flash ELF", op.devIDStr()), 5)
	op.startToken = c.Subscribe(comms.Handlers{OnProgStarted: op.onProgStarted})
	if err := c.ProgStart(op.devID); err != nil {
		op.logger.Error("failed to send PROG_REQ", "device", op.devID, "err", err)
		c.Unsubscribe(op.startToken)
		progress(fmt.Sprintf("Failed to unlock %s", op.devIDStr()), cnerr.ProgressErrLink)
	}
}

func (op *FlashElfOp) onProgStarted(devID uint8, stats protocol.DeviceStats) {
	if devID != op.devID {
		return
	}
	op.comms.Unsubscribe(op.startToken)

	op.progress(fmt.Sprintf("%s unlocked", op.devIDStr()), 9)

	op.progress(fmt.Sprintf("Checking if %s is compatible with ELF", op.devIDStr()), 10)
	if stats.ElfMachine != uint16(op.image.Machine) {
		incompatible := &cnerr.IncompatibleTarget{
			DeviceID:   op.devID,
			Expected:   stats.ElfMachine,
			ElfMachine: uint16(op.image.Machine),
		}
		op.logger.Error(incompatible.Error())
		op.progress(fmt.Sprintf("%s: %s", op.devIDStr(), incompatible.Error()), cnerr.ProgressErrIncompatible)
		return
	}

	op.progress(fmt.Sprintf("Building ELF flash map for %s", op.devIDStr()), 11)
	fm, err := elfimage.BuildFlashMap(op.image.Segments, stats.PageSize)
	if err != nil {
		op.logger.Error("failed to build flash map", "device", op.devID, "err", err)
		op.progress(fmt.Sprintf("Failed to build flash map for %s", op.devIDStr()), cnerr.ProgressErrProtocol)
		return
	}
	op.flashMap = fm

	if fm.NumPages() == 0 {
		op.progress(fmt.Sprintf("Nothing to flash on %s", op.devIDStr()), 100)
		return
	}

	op.progress(fmt.Sprintf("Flashing %d pages to %s", fm.NumPages(), op.devIDStr()), 14)
	op.flashToken = op.comms.Subscribe(comms.Handlers{
		OnPageFlashed:      op.onPageFlashed,
		OnPageFlashErrored: op.onPageFlashErrored,
	})
	op.flashNext()
}

// flashNext enqueues the lowest-addressed still-pending page. Only one
// page is ever in flight, which keeps progress reporting linear.
func (op *FlashElfOp) flashNext() {
	addrs := op.flashMap.Addrs()
	if len(addrs) == 0 {
		op.comms.Unsubscribe(op.flashToken)
		op.progress(fmt.Sprintf("%s flashed", op.devIDStr()), 100)
		return
	}

	addr := addrs[0]
	data, _ := op.flashMap.Page(addr)
	if err := op.comms.FlashPage(op.devID, addr, data); err != nil {
		op.logger.Error("failed to queue page flash", "device", op.devID, "page", addr, "err", err)
		op.comms.Unsubscribe(op.flashToken)
		op.progress(fmt.Sprintf("Failed to flash page 0x%08X on %s", addr, op.devIDStr()), cnerr.ProgressErrLink)
	}
}

func (op *FlashElfOp) onPageFlashed(devID uint8, pageAddr uint32) {
	if devID != op.devID {
		return
	}

	total := op.flashMap.NumPages()
	op.flashMap.Take(pageAddr)
	remaining := op.flashMap.Remaining()
	done := total - remaining

	if remaining == 0 {
		op.comms.Unsubscribe(op.flashToken)
		op.progress(fmt.Sprintf("%s flashed (%d pages)", op.devIDStr(), total), 100)
		return
	}

	pct := 15 + (84 * done / total)
	if pct > 99 {
		pct = 99
	}
	op.progress(fmt.Sprintf("Flashed page 0x%08X on %s (%d of %d)", pageAddr, op.devIDStr(), done, total), pct)
	op.flashNext()
}

func (op *FlashElfOp) onPageFlashErrored(devID uint8, pageAddr uint32, expectedCrc, receivedCrc uint16) {
	if devID != op.devID {
		return
	}

	op.logger.Warn("page CRC mismatch, retrying",
		"device", op.devID, "page", pageAddr, "expectedCrc", expectedCrc, "receivedCrc", receivedCrc)

	data, ok := op.flashMap.Page(pageAddr)
	if !ok {
		// The page isn't ours to retry (shouldn't happen in practice);
		// just move on to whatever's next.
		op.flashNext()
		return
	}
	if err := op.comms.FlashPage(op.devID, pageAddr, data); err != nil {
		op.logger.Error("failed to re-queue page flash", "device", op.devID, "page", pageAddr, "err", err)
	}
}
