package operation

import (
	"github.com/bigbag/cannuccia-flasher/internal/comms"
	"github.com/bigbag/cannuccia-flasher/internal/log"
)

// entry tracks one queued Operation along with the caller-supplied
// progress sink and whether it has been started yet.
type entry struct {
	op         Operation
	onProgress ProgressFunc
	started    bool
}

// Scheduler is a serial FIFO of Operations run against a single Comms
// instance. At most one Operation is ever started-but-not-done at a
// time; enqueue while one is running just appends to the queue.
//
// Scheduler itself assumes it is only ever touched from the engine's
// single logical executor. A caller on another goroutine (a UI thread,
// say) must post into that executor rather than calling Enqueue directly
// — see internal/engine for the channel that does this.
type Scheduler struct {
	comms  *comms.Comms
	logger log.Logger
	queue  []*entry
}

// NewScheduler builds a Scheduler driving operations against c.
func NewScheduler(c *comms.Comms, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Nop{}
	}
	return &Scheduler{comms: c, logger: logger}
}

// Enqueue appends op to the queue. If the queue was empty, op starts
// immediately; otherwise it waits behind whatever is already running.
// onProgress may be nil.
func (s *Scheduler) Enqueue(op Operation, onProgress ProgressFunc) {
	e := &entry{op: op, onProgress: onProgress}
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, e)

	if wasEmpty {
		s.start(e)
	}
}

// Pending returns the number of operations still in the queue, including
// whichever one is currently running.
func (s *Scheduler) Pending() int { return len(s.queue) }

func (s *Scheduler) start(e *entry) {
	e.started = true
	s.op(e)
}

func (s *Scheduler) op(e *entry) {
	e.op.Start(s.comms, func(message string, progress int) {
		s.logger.Debug("operation progress", "message", message, "progress", progress)
		if e.onProgress != nil {
			e.onProgress(message, progress)
		}
		if progress == 100 || progress < 0 {
			s.advance(e)
		}
	})
}

// advance removes a completed entry and starts the next not-yet-started
// one, if any.
func (s *Scheduler) advance(done *entry) {
	for i, e := range s.queue {
		if e == done {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}

	for _, e := range s.queue {
		if !e.started {
			s.start(e)
			return
		}
	}
}
