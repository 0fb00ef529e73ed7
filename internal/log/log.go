// Package log defines the logging sink every CANnuccia component writes
// through. The interface is deliberately narrow so any logging framework
// can back it; cmd/cannuccia-flasher wires it to logrus.
package log

// Logger is an optional logging interface threaded through the engine,
// Comms, and every Operation. A nil Logger is never passed around;
// callers that don't care use Nop.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Nop discards everything. Useful as a zero-value default for Config.
type Nop struct{}

func (Nop) Debug(string, ...interface{}) {}
func (Nop) Info(string, ...interface{})  {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Error(string, ...interface{}) {}
