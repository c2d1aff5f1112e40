package transport

import "github.com/sirupsen/logrus"

// logrusSink adapts the qlog-shaped LogEvent stream this package already
// produces (see log.go) onto a github.com/sirupsen/logrus.FieldLogger, so
// callers who want structured, leveled logs instead of (or in addition
// to) a qlog trace can wrap a *logrus.Logger with NewLogrusSink and pass
// the result to OnLogEvent.
type logrusSink struct {
	log logrus.FieldLogger
}

// NewLogrusSink wraps log so it can be registered with Conn.OnLogEvent.
func NewLogrusSink(log logrus.FieldLogger) func(LogEvent) {
	s := &logrusSink{log: log}
	return s.handle
}

func (s *logrusSink) handle(e LogEvent) {
	fields := make(logrus.Fields, len(e.Fields)+1)
	fields["time"] = e.Time
	for _, f := range e.Fields {
		if f.Str != "" {
			fields[f.Key] = f.Str
		} else {
			fields[f.Key] = f.Num
		}
	}
	switch e.Type {
	case logEventPacketDropped:
		s.log.WithFields(fields).Warn(e.Type)
	default:
		s.log.WithFields(fields).Debug(e.Type)
	}
}
