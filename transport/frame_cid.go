package transport

import "fmt"

// newConnectionIdFrame issues a new connection ID the peer may switch to,
// together with its stateless reset token.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-19.15
type newConnectionIdFrame struct {
	sequenceNumber uint64
	retirePriorTo  uint64
	connectionID   []byte
	resetToken     [16]byte
}

func newNewConnectionIdFrame(seq, retirePriorTo uint64, cid []byte, resetToken [16]byte) *newConnectionIdFrame {
	return &newConnectionIdFrame{sequenceNumber: seq, retirePriorTo: retirePriorTo, connectionID: cid, resetToken: resetToken}
}

func (s *newConnectionIdFrame) encodedLen() int {
	return 1 + varintLen(s.sequenceNumber) + varintLen(s.retirePriorTo) + 1 + len(s.connectionID) + 16
}

func (s *newConnectionIdFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeNewConnectionID
	i += putVarint(b[i:], s.sequenceNumber)
	i += putVarint(b[i:], s.retirePriorTo)
	b[i] = byte(len(s.connectionID))
	i++
	i += copy(b[i:], s.connectionID)
	i += copy(b[i:], s.resetToken[:])
	return i, nil
}

func (s *newConnectionIdFrame) decode(b []byte) (int, error) {
	i := 1
	n := getVarint(b[i:], &s.sequenceNumber)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id seq")
	}
	i += n
	n = getVarint(b[i:], &s.retirePriorTo)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id retire_prior_to")
	}
	i += n
	if i >= len(b) {
		return 0, newError(FrameEncodingError, "new_connection_id length")
	}
	cidLen := int(b[i])
	i++
	if cidLen < 1 || cidLen > 20 || len(b)-i < cidLen+16 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	s.connectionID = append([]byte(nil), b[i:i+cidLen]...)
	i += cidLen
	copy(s.resetToken[:], b[i:i+16])
	i += 16
	return i, nil
}

func (s *newConnectionIdFrame) String() string {
	return fmt.Sprintf("NEW_CONNECTION_ID seq=%d retire_prior_to=%d length=%d", s.sequenceNumber, s.retirePriorTo, len(s.connectionID))
}

// retireConnectionIdFrame asks the peer to stop using one of its
// previously issued connection IDs, by sequence number.
type retireConnectionIdFrame struct {
	sequenceNumber uint64
}

func newRetireConnectionIdFrame(seq uint64) *retireConnectionIdFrame {
	return &retireConnectionIdFrame{sequenceNumber: seq}
}

func (s *retireConnectionIdFrame) encodedLen() int { return 1 + varintLen(s.sequenceNumber) }

func (s *retireConnectionIdFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	b[0] = frameTypeRetireConnectionID
	putVarint(b[1:], s.sequenceNumber)
	return n, nil
}

func (s *retireConnectionIdFrame) decode(b []byte) (int, error) {
	n := getVarint(b[1:], &s.sequenceNumber)
	if n == 0 {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	return 1 + n, nil
}

func (s *retireConnectionIdFrame) String() string {
	return fmt.Sprintf("RETIRE_CONNECTION_ID seq=%d", s.sequenceNumber)
}
