package transport

import "fmt"

// connectionCloseFrame ends a connection. application distinguishes the
// QUIC transport error space (CONNECTION_CLOSE, type 0x1c) from the
// application error space (type 0x1d); frameType is only meaningful in
// the transport variant and names the frame that triggered the error, 0
// if none in particular did.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-19.19
type connectionCloseFrame struct {
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
	application  bool
}

func newConnectionCloseFrame(errorCode, frameType uint64, reasonPhrase []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{
		errorCode:    errorCode,
		frameType:    frameType,
		reasonPhrase: reasonPhrase,
		application:  application,
	}
}

func (s *connectionCloseFrame) encodedLen() int {
	n := 1 + varintLen(s.errorCode)
	if !s.application {
		n += varintLen(s.frameType)
	}
	n += varintLen(uint64(len(s.reasonPhrase))) + len(s.reasonPhrase)
	return n
}

func (s *connectionCloseFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	if s.application {
		b[0] = frameTypeApplicationClose
	} else {
		b[0] = frameTypeConnectionClose
	}
	i += putVarint(b[i:], s.errorCode)
	if !s.application {
		i += putVarint(b[i:], s.frameType)
	}
	i += putBytes(b[i:], s.reasonPhrase)
	return i, nil
}

func (s *connectionCloseFrame) decode(b []byte) (int, error) {
	s.application = b[0] == frameTypeApplicationClose
	i := 1
	n := getVarint(b[i:], &s.errorCode)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close error_code")
	}
	i += n
	s.frameType = 0
	if !s.application {
		n = getVarint(b[i:], &s.frameType)
		if n == 0 {
			return 0, newError(FrameEncodingError, "connection_close frame_type")
		}
		i += n
	}
	reason, n := getBytes(b[i:])
	if n == 0 && len(b[i:]) != 0 {
		return 0, newError(FrameEncodingError, "connection_close reason")
	}
	s.reasonPhrase = reason
	i += n
	return i, nil
}

func (s *connectionCloseFrame) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE application=%v error=%d reason=%q", s.application, s.errorCode, s.reasonPhrase)
}
