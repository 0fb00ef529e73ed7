// Package engine ties the CAN backend, the protocol state machine, and
// the operation scheduler together into the single cooperative executor
// the rest of the system talks to: the one object a CLI, a TUI, or a C
// ABI wrapper constructs and drives.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bigbag/cannuccia-flasher/internal/canbus"
	"github.com/bigbag/cannuccia-flasher/internal/cnerr"
	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/devcache"
	"github.com/bigbag/cannuccia-flasher/internal/log"
	"github.com/bigbag/cannuccia-flasher/internal/operation"
)

// Engine owns the CAN backend, the Comms state machine, and the
// Scheduler. Every mutation of that state happens on a single internal
// goroutine; all public methods are safe to call from any goroutine
// because they post work to that executor rather than touching state
// directly.
type Engine struct {
	bus    canbus.Bus
	comms  *comms.Comms
	sched  *operation.Scheduler
	logger log.Logger
	cache  *devcache.Store

	cmds   chan func()
	frames chan canbus.Frame
	stop   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New opens the configured CAN backend and starts the engine's executor
// goroutine. Returns a *cnerr.ConfigError if the backend/interface are
// missing, or a *cnerr.LinkError if the backend fails to open.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.CANBackend == "" {
		return nil, &cnerr.ConfigError{Field: "canBackend", Reason: "must be set"}
	}
	if cfg.CANInterface == "" {
		return nil, &cnerr.ConfigError{Field: "canInterface", Reason: "must be set"}
	}

	bus, err := canbus.Open(cfg.CANBackend, cfg.CANInterface)
	if err != nil {
		return nil, &cnerr.LinkError{Backend: cfg.CANBackend, Err: err}
	}

	var cache *devcache.Store
	if cfg.DeviceCachePath != "" {
		cache, err = devcache.Open(cfg.DeviceCachePath, cfg.Logger)
		if err != nil {
			cfg.Logger.Warn("device cache unavailable, continuing without it", "path", cfg.DeviceCachePath, "err", err)
			cache = devcache.Empty(cfg.DeviceCachePath, cfg.Logger)
		}
	}

	c := comms.New(bus, cfg.Logger)
	e := &Engine{
		bus:    bus,
		comms:  c,
		sched:  operation.NewScheduler(c, cfg.Logger),
		logger: cfg.Logger,
		cache:  cache,
		cmds:   make(chan func(), 16),
		frames: make(chan canbus.Frame, 64),
		stop:   make(chan struct{}),
	}

	if cache != nil {
		e.wireDeviceCache()
	}

	e.wg.Add(2)
	go e.recvLoop()
	go e.cmdLoop()

	return e, nil
}

func (e *Engine) recvLoop() {
	defer e.wg.Done()
	for {
		frame, err := e.bus.Recv()
		if err != nil {
			if !errors.Is(err, canbus.ErrClosed) {
				e.logger.Error("canbus recv failed, backend stopping", "err", err)
			}
			return
		}
		select {
		case e.frames <- frame:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) cmdLoop() {
	defer e.wg.Done()
	for {
		select {
		case fn, ok := <-e.cmds:
			if !ok {
				return
			}
			fn()
		case frame := <-e.frames:
			e.comms.HandleFrame(frame)
		case <-e.stop:
			return
		}
	}
}

// Post runs fn on the engine's single executor goroutine, the same one
// that mutates Comms state. Enqueue (and so every Operation) and
// discovery use this instead of touching Comms directly from another
// goroutine.
func (e *Engine) Post(fn func()) {
	e.cmds <- fn
}

// Comms exposes the underlying protocol state machine for collaborators
// (such as internal/discover) that need to Subscribe directly
// instead of going through the Scheduler. Callers must only touch it from
// inside a Post callback.
func (e *Engine) Comms() *comms.Comms { return e.comms }

// Logger returns the engine's logging sink.
func (e *Engine) Logger() log.Logger { return e.logger }

// Enqueue posts op onto the scheduler. Safe to call from any goroutine.
func (e *Engine) Enqueue(op operation.Operation, onProgress operation.ProgressFunc) {
	e.Post(func() { e.sched.Enqueue(op, onProgress) })
}

// StartDevices unlocks every device in ids.
func (e *Engine) StartDevices(ids []uint8, onProgress operation.ProgressFunc) {
	e.Enqueue(operation.NewStartDevicesOp(ids), onProgress)
}

// StopDevices locks every device in ids.
func (e *Engine) StopDevices(ids []uint8, onProgress operation.ProgressFunc) {
	e.Enqueue(operation.NewStopDevicesOp(ids), onProgress)
}

// FlashELF flashes elfBytes onto devID.
func (e *Engine) FlashELF(devID uint8, elfBytes []byte, onProgress operation.ProgressFunc) {
	e.Enqueue(operation.NewFlashElfOp(devID, elfBytes, e.logger), onProgress)
}

// Close stops the executor and closes the CAN backend. Safe to call more
// than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stop)
		err = e.bus.Close()
		close(e.cmds)
		e.wg.Wait()
		if e.cache != nil {
			if cerr := e.cache.Flush(); cerr != nil {
				e.logger.Warn("failed to persist device cache", "err", cerr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("engine: close: %w", err)
	}
	return nil
}
