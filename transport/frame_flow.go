package transport

import "fmt"

// resetStreamFrame abruptly terminates the sending part of a stream.
type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func (s *resetStreamFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.errorCode) + varintLen(s.finalSize)
}

func (s *resetStreamFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeResetStream
	i += putVarint(b[i:], s.streamID)
	i += putVarint(b[i:], s.errorCode)
	i += putVarint(b[i:], s.finalSize)
	return i, nil
}

func (s *resetStreamFrame) decode(b []byte) (int, error) {
	i := 1
	for _, v := range []*uint64{&s.streamID, &s.errorCode, &s.finalSize} {
		n := getVarint(b[i:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "reset_stream")
		}
		i += n
	}
	return i, nil
}

func (s *resetStreamFrame) String() string {
	return fmt.Sprintf("RESET_STREAM id=%d error=%d final_size=%d", s.streamID, s.errorCode, s.finalSize)
}

// stopSendingFrame requests that a peer stop sending on a stream.
type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func (s *stopSendingFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.errorCode)
}

func (s *stopSendingFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeStopSending
	i += putVarint(b[i:], s.streamID)
	i += putVarint(b[i:], s.errorCode)
	return i, nil
}

func (s *stopSendingFrame) decode(b []byte) (int, error) {
	i := 1
	for _, v := range []*uint64{&s.streamID, &s.errorCode} {
		n := getVarint(b[i:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stop_sending")
		}
		i += n
	}
	return i, nil
}

func (s *stopSendingFrame) String() string {
	return fmt.Sprintf("STOP_SENDING id=%d error=%d", s.streamID, s.errorCode)
}

// streamFrame carries a fragment of application stream data.
// The low bits of the type byte encode OFF/LEN/FIN, mirroring RFC 9000
// section 19.8; they are not stored, but derived from offset and fin.
type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

func (s *streamFrame) encodedLen() int {
	n := 1 + varintLen(s.streamID)
	if s.offset > 0 {
		n += varintLen(s.offset)
	}
	// Length field is always present so frames can be coalesced.
	n += varintLen(uint64(len(s.data))) + len(s.data)
	return n
}

func (s *streamFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	typ := uint8(frameTypeStream) | 0x02 // LEN bit always set
	if s.offset > 0 {
		typ |= 0x04
	}
	if s.fin {
		typ |= 0x01
	}
	i := 1
	b[0] = typ
	if s.offset > 0 {
		i += putVarint(b[i:], s.offset)
	}
	i += putBytes(b[i:], s.data)
	return i, nil
}

func (s *streamFrame) decode(b []byte) (int, error) {
	typ := b[0]
	s.fin = typ&0x01 != 0
	hasLen := typ&0x02 != 0
	hasOffset := typ&0x04 != 0
	i := 1
	n := getVarint(b[i:], &s.streamID)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream id")
	}
	i += n
	s.offset = 0
	if hasOffset {
		n = getVarint(b[i:], &s.offset)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream offset")
		}
		i += n
	}
	if hasLen {
		data, n := getBytes(b[i:])
		if n == 0 && len(b[i:]) != 0 {
			return 0, newError(FrameEncodingError, "stream data")
		}
		s.data = data
		i += n
	} else {
		s.data = b[i:]
		i = len(b)
	}
	return i, nil
}

func (s *streamFrame) String() string {
	return fmt.Sprintf("STREAM id=%d offset=%d length=%d fin=%v", s.streamID, s.offset, len(s.data), s.fin)
}

// maxDataFrame raises the connection-level send ceiling.
type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func (s *maxDataFrame) encodedLen() int { return 1 + varintLen(s.maximumData) }

func (s *maxDataFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	b[0] = frameTypeMaxData
	putVarint(b[1:], s.maximumData)
	return n, nil
}

func (s *maxDataFrame) decode(b []byte) (int, error) {
	n := getVarint(b[1:], &s.maximumData)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_data")
	}
	return 1 + n, nil
}

func (s *maxDataFrame) String() string { return fmt.Sprintf("MAX_DATA max=%d", s.maximumData) }

// maxStreamDataFrame raises a single stream's send ceiling.
type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: max}
}

func (s *maxStreamDataFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.maximumData)
}

func (s *maxStreamDataFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeMaxStreamData
	i += putVarint(b[i:], s.streamID)
	i += putVarint(b[i:], s.maximumData)
	return i, nil
}

func (s *maxStreamDataFrame) decode(b []byte) (int, error) {
	i := 1
	for _, v := range []*uint64{&s.streamID, &s.maximumData} {
		n := getVarint(b[i:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "max_stream_data")
		}
		i += n
	}
	return i, nil
}

func (s *maxStreamDataFrame) String() string {
	return fmt.Sprintf("MAX_STREAM_DATA id=%d max=%d", s.streamID, s.maximumData)
}

// maxStreamsFrame raises the number of streams the peer may open.
type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func (s *maxStreamsFrame) encodedLen() int { return 1 + varintLen(s.maximumStreams) }

func (s *maxStreamsFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	if s.bidi {
		b[0] = frameTypeMaxStreamsBidi
	} else {
		b[0] = frameTypeMaxStreamsUni
	}
	putVarint(b[1:], s.maximumStreams)
	return n, nil
}

func (s *maxStreamsFrame) decode(b []byte) (int, error) {
	s.bidi = b[0] == frameTypeMaxStreamsBidi
	n := getVarint(b[1:], &s.maximumStreams)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	return 1 + n, nil
}

func (s *maxStreamsFrame) String() string {
	return fmt.Sprintf("MAX_STREAMS bidi=%v max=%d", s.bidi, s.maximumStreams)
}

// dataBlockedFrame / streamDataBlockedFrame / streamsBlockedFrame are
// informational: a peer sends them to report it wanted to send more
// than its credit allowed. This engine parses and logs them; it takes
// no other action, since as a client it never needs to raise its own
// receive limits in response (that's driven by consumption, see flow.go).

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: limit} }

func (s *dataBlockedFrame) encodedLen() int { return 1 + varintLen(s.dataLimit) }

func (s *dataBlockedFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	b[0] = frameTypeDataBlocked
	putVarint(b[1:], s.dataLimit)
	return n, nil
}

func (s *dataBlockedFrame) decode(b []byte) (int, error) {
	n := getVarint(b[1:], &s.dataLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	return 1 + n, nil
}

func (s *dataBlockedFrame) String() string { return fmt.Sprintf("DATA_BLOCKED limit=%d", s.dataLimit) }

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: limit}
}

func (s *streamDataBlockedFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.dataLimit)
}

func (s *streamDataBlockedFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeStreamDataBlocked
	i += putVarint(b[i:], s.streamID)
	i += putVarint(b[i:], s.dataLimit)
	return i, nil
}

func (s *streamDataBlockedFrame) decode(b []byte) (int, error) {
	i := 1
	for _, v := range []*uint64{&s.streamID, &s.dataLimit} {
		n := getVarint(b[i:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream_data_blocked")
		}
		i += n
	}
	return i, nil
}

func (s *streamDataBlockedFrame) String() string {
	return fmt.Sprintf("STREAM_DATA_BLOCKED id=%d limit=%d", s.streamID, s.dataLimit)
}

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func (s *streamsBlockedFrame) encodedLen() int { return 1 + varintLen(s.streamLimit) }

func (s *streamsBlockedFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	if s.bidi {
		b[0] = frameTypeStreamsBlockedBidi
	} else {
		b[0] = frameTypeStreamsBlockedUni
	}
	putVarint(b[1:], s.streamLimit)
	return n, nil
}

func (s *streamsBlockedFrame) decode(b []byte) (int, error) {
	s.bidi = b[0] == frameTypeStreamsBlockedBidi
	n := getVarint(b[1:], &s.streamLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	return 1 + n, nil
}

func (s *streamsBlockedFrame) String() string {
	return fmt.Sprintf("STREAMS_BLOCKED bidi=%v limit=%d", s.bidi, s.streamLimit)
}
