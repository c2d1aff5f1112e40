package quic

import (
	"github.com/sirupsen/logrus"

	"github.com/quicproto/qclient/transport"
)

// LogLevel selects how much of a connection's diagnostic trace reaches
// the configured logger, mirroring the teacher's off/error/info/debug/trace
// ladder but mapped onto logrus's levels (Panic/Fatal are skipped: a
// library has no business terminating the process over a log line).
type LogLevel int

const (
	LogLevelOff LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.PanicLevel
	}
}

// logger owns the *logrus.Logger a Client's connection reports through,
// attaching a per-connection cid field the way the teacher's
// transactionLogger attached an addr/cid prefix to every line.
type logger struct {
	level LogLevel
	base  *logrus.Logger
}

func newLogger() *logger {
	l := logrus.New()
	l.SetLevel(LogLevelOff.logrusLevel())
	return &logger{base: l, level: LogLevelOff}
}

func (s *logger) setLevel(level LogLevel) {
	s.level = level
	if level == LogLevelOff {
		s.base.SetOutput(devNull{})
		return
	}
	s.base.SetLevel(level.logrusLevel())
}

// attachLogger registers a LogEvent handler on c that reports every
// qlog-shaped event through this logger's entry, tagged with cid so
// events from concurrent connections in one process stay attributable.
func (s *logger) attachLogger(c *transport.Conn, cid []byte) {
	if s.level == LogLevelOff {
		return
	}
	entry := s.base.WithField("cid", hexString(cid))
	c.OnLogEvent(func(e transport.LogEvent) {
		fields := make(logrus.Fields, len(e.Fields))
		for _, f := range e.Fields {
			if f.Str != "" {
				fields[f.Key] = f.Str
			} else {
				fields[f.Key] = f.Num
			}
		}
		le := entry.WithFields(fields)
		if e.Type == "transport:packet_dropped" {
			le.Warn(e.Type)
		} else {
			le.Debug(e.Type)
		}
	})
}

func (s *logger) detachLogger(c *transport.Conn) {
	c.OnLogEvent(nil)
}

type devNull struct{}

func (devNull) Write(b []byte) (int, error) { return len(b), nil }

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
