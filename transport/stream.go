package transport

// Stream is a single QUIC stream's send/receive state. This engine
// models only what the connection-level state machine needs to track
// flow control and retransmission correctly; buffering and delivering
// application bytes is left to the caller via Events (EventStreamReadable).
type Stream struct {
	id uint64

	send flowControl
	recv flowControl

	sendClosed bool
	recvClosed bool

	sendFin bool
	recvFin bool
}

func newStream(id uint64, sendMax, recvMax uint64) *Stream {
	s := &Stream{id: id}
	s.send.init(0, sendMax)
	s.recv.init(recvMax, 0)
	return s
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint64 { return s.id }

func isBidiStream(id uint64) bool { return id&0x2 == 0 }
func isClientInitiated(id uint64) bool { return id&0x1 == 0 }

// streamMap owns every locally and remotely initiated stream, and
// enforces the initial_max_streams_bidi/uni limits.
type streamMap struct {
	streams map[uint64]*Stream

	maxStreamsBidi uint64
	maxStreamsUni  uint64

	nextBidi uint64
	nextUni  uint64
}

func (m *streamMap) init(maxBidi, maxUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.maxStreamsBidi = maxBidi
	m.maxStreamsUni = maxUni
}

func (m *streamMap) get(id uint64) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

func (m *streamMap) create(id uint64, sendMax, recvMax uint64) *Stream {
	s := newStream(id, sendMax, recvMax)
	m.streams[id] = s
	return s
}
