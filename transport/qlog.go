package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// QlogSink accumulates the LogEvent stream a Conn produces into a qlog
// draft-02 trace document: {"qlog_version":"draft-02","traces":[{"events":
// [{"time":...,"name":...,"data":{...}}]}]}. Register it with
// Conn.OnLogEvent(sink.Handle) to capture a trace for offline analysis,
// independent of the terser LogEvent.String() form and of the logrus
// adapters (logging.go here, log.go in package quic) used for live tailing.
type QlogSink struct {
	mu     sync.Mutex
	start  time.Time
	events []qlogEventRecord
}

// NewQlogSink creates an empty sink, timestamping every event relative
// to its own construction.
func NewQlogSink() *QlogSink {
	return &QlogSink{start: time.Now()}
}

// Handle is registered with Conn.OnLogEvent; it converts one LogEvent
// into a qlog record and appends it to the trace.
func (s *QlogSink) Handle(e LogEvent) {
	rec := qlogEventRecord{
		Time: e.Time.Sub(s.start).Seconds() * 1000, // qlog times are milliseconds
		Name: e.Type,
		Data: fieldsToData(e.Fields),
	}
	s.mu.Lock()
	s.events = append(s.events, rec)
	s.mu.Unlock()
}

// fieldsToData reshapes the flat LogField slice into the nested shape
// qlog readers expect: packet_type/packet_number/dcid/scid/version nest
// under "header", everything else stays top-level under "data".
func fieldsToData(fields []LogField) map[string]interface{} {
	data := make(map[string]interface{}, len(fields))
	var header map[string]interface{}
	headerKey := func(k string) bool {
		switch k {
		case "packet_type", "packet_number", "version", "dcid", "scid":
			return true
		}
		return false
	}
	for _, f := range fields {
		var v interface{}
		if f.Str != "" {
			v = f.Str
		} else {
			v = f.Num
		}
		if headerKey(f.Key) {
			if header == nil {
				header = make(map[string]interface{}, 4)
			}
			header[f.Key] = v
			continue
		}
		data[f.Key] = v
	}
	if header != nil {
		data["header"] = header
	}
	return data
}

type qlogEventRecord struct {
	Time float64                `json:"time"`
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data"`
}

type qlogTrace struct {
	Events []qlogEventRecord `json:"events"`
}

type qlogDocument struct {
	QlogVersion string      `json:"qlog_version"`
	Traces      []qlogTrace `json:"traces"`
}

// Marshal renders the accumulated trace as a qlog draft-02 JSON document.
func (s *QlogSink) Marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := qlogDocument{
		QlogVersion: QlogVersion,
		Traces:      []qlogTrace{{Events: append([]qlogEventRecord(nil), s.events...)}},
	}
	return json.Marshal(doc)
}
