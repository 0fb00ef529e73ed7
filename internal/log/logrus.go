package log

import "github.com/sirupsen/logrus"

// Logrus adapts a *logrus.Logger to the Logger interface. keysAndValues
// are applied as alternating key/value pairs, same convention as the
// structured loggers in the wider ecosystem; an odd trailing element is
// logged under the key "extra".
type Logrus struct {
	Entry *logrus.Logger
}

// NewLogrus builds a Logrus sink at the given level, text-formatted with
// timestamps, writing to the logger's default output (stderr).
func NewLogrus(level logrus.Level) *Logrus {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logrus{Entry: l}
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "field"
		}
		f[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		f["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return f
}

func (l *Logrus) Debug(msg string, kv ...interface{}) { l.Entry.WithFields(fields(kv)).Debug(msg) }
func (l *Logrus) Info(msg string, kv ...interface{})  { l.Entry.WithFields(fields(kv)).Info(msg) }
func (l *Logrus) Warn(msg string, kv ...interface{})  { l.Entry.WithFields(fields(kv)).Warn(msg) }
func (l *Logrus) Error(msg string, kv ...interface{}) { l.Entry.WithFields(fields(kv)).Error(msg) }
