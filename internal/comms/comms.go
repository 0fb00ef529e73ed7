// Package comms implements the CANnuccia protocol engine: the per-device
// state machine that turns inbound CAN frames into typed events and turns
// host commands into outbound CAN frames. It owns the only CAN backend
// handle in the process and the only per-device state.
package comms

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
	"github.com/bigbag/cannuccia-flasher/internal/cnerr"
	"github.com/bigbag/cannuccia-flasher/internal/codec"
	"github.com/bigbag/cannuccia-flasher/internal/log"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// NoPage is the sentinel meaning "no page currently selected" for a
// device. Re-exported from codec so callers outside internal/codec don't
// need to import it just for this constant.
const NoPage = codec.NoPage

// deviceState is the engine-local per-device bookkeeping described in
// §3 of the design: DeviceStats plus the page-write queue and the page
// the device last confirmed selecting.
type deviceState struct {
	stats        protocol.DeviceStats
	pendingPages map[uint32][]byte
	selectedPage uint32
}

func newDeviceState() *deviceState {
	return &deviceState{pendingPages: make(map[uint32][]byte), selectedPage: NoPage}
}

// Token identifies a Subscribe call so its Handlers can later be removed
// with Unsubscribe. Operations must do so before reporting terminal
// progress (see internal/operation) so they stop receiving events meant
// for whichever operation runs next.
type Token uint64

// Handlers is the set of event callbacks an Operation registers. Any
// field may be left nil; Comms skips nil handlers when dispatching.
type Handlers struct {
	OnProgStarted      func(devID uint8, stats protocol.DeviceStats)
	OnProgEnded        func(devID uint8)
	OnPageFlashed      func(devID uint8, pageAddr uint32)
	OnPageFlashErrored func(devID uint8, pageAddr uint32, expectedCrc, receivedCrc uint16)
}

// Comms is the protocol state machine. It is not safe for concurrent use:
// per the single-threaded cooperative model, every method must be called
// from the one logical executor that also delivers inbound frames via
// HandleFrame.
type Comms struct {
	bus    canbus.Bus
	logger log.Logger

	devices map[uint8]*deviceState

	subMu       sync.Mutex // guards subscriber bookkeeping only; dispatch itself stays single-threaded
	subscribers map[Token]Handlers
	nextToken   Token
}

// New builds a Comms driving bus. logger may be nil, in which case events
// and wire anomalies are discarded.
func New(bus canbus.Bus, logger log.Logger) *Comms {
	if logger == nil {
		logger = log.Nop{}
	}
	return &Comms{
		bus:         bus,
		logger:      logger,
		devices:     make(map[uint8]*deviceState),
		subscribers: make(map[Token]Handlers),
	}
}

// Subscribe registers h and returns a Token to later Unsubscribe with.
func (c *Comms) Subscribe(h Handlers) Token {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextToken++
	tok := c.nextToken
	c.subscribers[tok] = h
	return tok
}

// Unsubscribe removes a previously registered Handlers set. A caller must
// do this before its owning Operation emits a terminal progress value.
func (c *Comms) Unsubscribe(tok Token) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscribers, tok)
}

func (c *Comms) forEachSubscriber(fn func(Handlers)) {
	c.subMu.Lock()
	handlers := make([]Handlers, 0, len(c.subscribers))
	for _, h := range c.subscribers {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		fn(h)
	}
}

func (c *Comms) deviceFor(devID uint8) *deviceState {
	ds, ok := c.devices[devID]
	if !ok {
		ds = newDeviceState()
		c.devices[devID] = ds
	}
	return ds
}

func (c *Comms) send(msgID uint32, devID uint8, payload []byte) error {
	eid := codec.PackEID(msgID, devID)
	frame := canbus.Frame{ID: codec.ShiftToDriver(eid), Data: payload}
	if err := c.bus.Send(frame); err != nil {
		return fmt.Errorf("comms: send %s to device 0x%02X: %w", protocol.Name(msgID), devID, err)
	}
	return nil
}

// ProgStart issues PROG_REQ to devID. The reply sequence
// (PROG_REQ_RESP -> UNLOCK -> UNLOCKED) eventually fires OnProgStarted.
func (c *Comms) ProgStart(devID uint8) error {
	return c.send(protocol.ProgReq, devID, nil)
}

// ProgEnd issues PROG_DONE to devID. The reply (PROG_DONE_ACK) eventually
// fires OnProgEnded.
func (c *Comms) ProgEnd(devID uint8) error {
	return c.send(protocol.ProgDone, devID, nil)
}

// FlashPage queues pageData to be written at pageAddr on devID. If no
// page is currently selected for this device, a SELECT_PAGE is issued
// immediately; otherwise this page is picked up by selectNextPage once
// the device's current flow completes.
func (c *Comms) FlashPage(devID uint8, pageAddr uint32, pageData []byte) error {
	if pageAddr == NoPage {
		return fmt.Errorf("comms: pageAddr %#x is the reserved NO_PAGE sentinel", pageAddr)
	}

	ds := c.deviceFor(devID)
	ds.pendingPages[pageAddr] = pageData

	if ds.selectedPage == NoPage {
		return c.sendSelectPage(devID, pageAddr)
	}
	return nil
}

func (c *Comms) sendSelectPage(devID uint8, pageAddr uint32) error {
	return c.send(protocol.SelectPage, devID, protocol.EncodePageAddr(pageAddr))
}

// sendPageWriteCmds emits WRITE frames carrying up to 8 payload bytes
// each, in order, until all of pageData has been transmitted.
func (c *Comms) sendPageWriteCmds(devID uint8, pageData []byte) error {
	for i := 0; i < len(pageData); i += 8 {
		end := i + 8
		if end > len(pageData) {
			end = len(pageData)
		}
		if err := c.send(protocol.Write, devID, pageData[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// selectNextPage picks the first pending page for devID whose address
// differs from the currently selected one and issues SELECT_PAGE for it.
// Iteration order is address-sorted so behavior is deterministic.
func (c *Comms) selectNextPage(devID uint8) error {
	ds := c.deviceFor(devID)

	addrs := make([]uint32, 0, len(ds.pendingPages))
	for addr := range ds.pendingPages {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		if addr != ds.selectedPage {
			return c.sendSelectPage(devID, addr)
		}
	}
	return nil
}

// HandleFrame dispatches one inbound CAN frame. frame.ID is in the
// shifted "CAN driver" form; HandleFrame converts it back to the bxCAN
// EID before splitting msgId/devId. Must only be called from the engine's
// single logical executor.
func (c *Comms) HandleFrame(frame canbus.Frame) {
	eid := codec.ShiftFromDriver(frame.ID)
	msgID, devID := codec.UnpackEID(eid)

	switch msgID {
	case protocol.ProgReqResp:
		c.handleProgReqResp(devID, frame.Data)
	case protocol.Unlocked:
		c.handleUnlocked(devID)
	case protocol.ProgDoneAck:
		c.handleProgDoneAck(devID)
	case protocol.PageSelected:
		c.handlePageSelected(devID, frame.Data)
	case protocol.WritesChecked:
		c.handleWritesChecked(devID, frame.Data)
	case protocol.WritesCommitted:
		c.handleWritesCommitted(devID, frame.Data)
	default:
		// Unknown msgId: silently ignored, including all non-CANnuccia
		// traffic sharing the bus.
	}
}

func (c *Comms) handleProgReqResp(devID uint8, payload []byte) {
	stats, err := protocol.DecodeProgReqResp(payload)
	if err != nil {
		malformed := &cnerr.ProtocolMalformed{MsgID: protocol.ProgReqResp, DevID: devID, Reason: err.Error()}
		c.logger.Warn(malformed.Error())
		return
	}

	ds := c.deviceFor(devID)
	ds.stats = stats

	if err := c.send(protocol.Unlock, devID, nil); err != nil {
		c.logger.Error("failed to send UNLOCK", "device", devID, "err", err)
	}
}

func (c *Comms) handleUnlocked(devID uint8) {
	ds := c.deviceFor(devID)
	stats := ds.stats
	c.forEachSubscriber(func(h Handlers) {
		if h.OnProgStarted != nil {
			h.OnProgStarted(devID, stats)
		}
	})
}

func (c *Comms) handleProgDoneAck(devID uint8) {
	c.forEachSubscriber(func(h Handlers) {
		if h.OnProgEnded != nil {
			h.OnProgEnded(devID)
		}
	})
}

func (c *Comms) handlePageSelected(devID uint8, payload []byte) {
	addr, err := protocol.DecodePageAddr(payload)
	if err != nil {
		malformed := &cnerr.ProtocolMalformed{MsgID: protocol.PageSelected, DevID: devID, Reason: err.Error()}
		c.logger.Warn(malformed.Error())
		return
	}

	ds := c.deviceFor(devID)
	ds.selectedPage = addr

	pageData, ok := ds.pendingPages[addr]
	if !ok {
		// Stray selection with no matching pending data; advance.
		if err := c.selectNextPage(devID); err != nil {
			c.logger.Error("failed to select next page", "device", devID, "err", err)
		}
		return
	}

	if err := c.sendPageWriteCmds(devID, pageData); err != nil {
		c.logger.Error("failed to send page writes", "device", devID, "err", err)
		return
	}
	if err := c.send(protocol.CheckWrites, devID, nil); err != nil {
		c.logger.Error("failed to send CHECK_WRITES", "device", devID, "err", err)
	}
}

func (c *Comms) handleWritesChecked(devID uint8, payload []byte) {
	ds := c.deviceFor(devID)

	pageData, ok := ds.pendingPages[ds.selectedPage]
	if !ok {
		c.logger.Warn("WRITES_CHECKED for a page we have no pending data for", "device", devID)
		if err := c.selectNextPage(devID); err != nil {
			c.logger.Error("failed to select next page", "device", devID, "err", err)
		}
		return
	}

	receivedCrc := protocol.DecodeChecksum(payload)
	if len(payload) != 2 {
		reason := fmt.Sprintf("payload length %d, want 2", len(payload))
		malformed := &cnerr.ProtocolMalformed{MsgID: protocol.WritesChecked, DevID: devID, Reason: reason}
		c.logger.Warn(malformed.Error())
	}
	expectedCrc := codec.CRC16XMODEM(pageData)

	if receivedCrc == expectedCrc {
		if err := c.send(protocol.CommitWrites, devID, nil); err != nil {
			c.logger.Error("failed to send COMMIT_WRITES", "device", devID, "err", err)
		}
		return
	}

	addr := ds.selectedPage
	delete(ds.pendingPages, addr)
	ds.selectedPage = NoPage
	pendingBefore := len(ds.pendingPages)

	mismatch := &cnerr.PageCrcMismatch{DevID: devID, PageAddr: addr, ExpectedCrc: expectedCrc, ReceivedCrc: receivedCrc}
	c.logger.Warn(mismatch.Error())

	c.forEachSubscriber(func(h Handlers) {
		if h.OnPageFlashErrored != nil {
			h.OnPageFlashErrored(devID, addr, expectedCrc, receivedCrc)
		}
	})

	// A subscriber (FlashElfOp's retry, typically) may have called
	// FlashPage synchronously from inside OnPageFlashErrored. Since
	// ds.selectedPage was NoPage throughout that call, FlashPage already
	// issued its own SELECT_PAGE; selecting again here would double it
	// up for the same page. Only advance ourselves if nothing was queued
	// during the callback.
	if len(ds.pendingPages) == pendingBefore {
		if err := c.selectNextPage(devID); err != nil {
			c.logger.Error("failed to select next page", "device", devID, "err", err)
		}
	}
}

func (c *Comms) handleWritesCommitted(devID uint8, payload []byte) {
	ds := c.deviceFor(devID)

	pageAddr := ds.selectedPage
	if addr, err := protocol.DecodePageAddr(payload); err == nil {
		pageAddr = addr
	} else {
		malformed := &cnerr.ProtocolMalformed{MsgID: protocol.WritesCommitted, DevID: devID, Reason: err.Error()}
		c.logger.Warn(malformed.Error())
	}

	c.forEachSubscriber(func(h Handlers) {
		if h.OnPageFlashed != nil {
			h.OnPageFlashed(devID, pageAddr)
		}
	})

	delete(ds.pendingPages, ds.selectedPage)
	ds.selectedPage = NoPage

	if err := c.selectNextPage(devID); err != nil {
		c.logger.Error("failed to select next page", "device", devID, "err", err)
	}
}
