package transport

import "fmt"

// Frame type codes.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-19
const (
	frameTypePadding            = 0x00
	frameTypePing               = 0x01
	frameTypeAck                = 0x02
	frameTypeAckECN             = 0x03
	frameTypeResetStream        = 0x04
	frameTypeStopSending        = 0x05
	frameTypeCrypto             = 0x06
	frameTypeNewToken           = 0x07
	frameTypeStream             = 0x08
	frameTypeStreamEnd          = 0x0f
	frameTypeMaxData            = 0x10
	frameTypeMaxStreamData      = 0x11
	frameTypeMaxStreamsBidi     = 0x12
	frameTypeMaxStreamsUni      = 0x13
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeNewConnectionID    = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge      = 0x1a
	frameTypePathResponse       = 0x1b
	frameTypeConnectionClose    = 0x1c
	frameTypeApplicationClose   = 0x1d
	frameTypeHanshakeDone       = 0x1e
)

// frame is a decoded QUIC frame.
type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
	String() string
}

// isFrameAckEliciting reports whether a frame of the given type requires
// the receiver to eventually acknowledge the packet carrying it. Every
// frame is ack-eliciting except PADDING, ACK (and ACK_ECN) and
// CONNECTION_CLOSE (both transport and application variants): the latter
// is special-cased so a ConnectionClose-only packet never keeps a
// connection "alive" from the loss detector's point of view (see
// recovery.go and §4.4/§9 of the design notes).
func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN,
		frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	}
	return true
}

// paddingFrame is one or more PADDING frames coalesced into a single
// run of zero bytes.
type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (s *paddingFrame) encodedLen() int { return s.length }

func (s *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < s.length {
		return 0, errShortBuffer
	}
	for i := 0; i < s.length; i++ {
		b[i] = frameTypePadding
	}
	return s.length, nil
}

func (s *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	s.length = n
	if n == 0 {
		n = 1 // the single type byte already consumed by the caller dispatch
	}
	return n, nil
}

func (s *paddingFrame) String() string { return "PADDING" }

// pingFrame elicits an acknowledgement with no other payload.
type pingFrame struct{}

func (s *pingFrame) encodedLen() int { return 1 }

func (s *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}

func (s *pingFrame) decode(b []byte) (int, error) { return 1, nil }

func (s *pingFrame) String() string { return "PING" }

// cryptoFrame carries a fragment of TLS handshake data.
type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func (s *cryptoFrame) encodedLen() int {
	return 1 + varintLen(s.offset) + varintLen(uint64(len(s.data))) + len(s.data)
}

func (s *cryptoFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeCrypto
	i += putVarint(b[i:], s.offset)
	i += putBytes(b[i:], s.data)
	return i, nil
}

func (s *cryptoFrame) decode(b []byte) (int, error) {
	i := 1
	n := getVarint(b[i:], &s.offset)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto offset")
	}
	i += n
	data, n := getBytes(b[i:])
	if n == 0 && len(data) != 0 {
		return 0, newError(FrameEncodingError, "crypto data")
	}
	s.data = data
	i += n
	return i, nil
}

func (s *cryptoFrame) String() string {
	return fmt.Sprintf("CRYPTO offset=%d length=%d", s.offset, len(s.data))
}

// newTokenFrame carries an address-validation token for future
// connections. Only a server sends one; this client decodes and logs
// it but does not keep the token for later connections.
type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (s *newTokenFrame) encodedLen() int {
	return 1 + varintLen(uint64(len(s.token))) + len(s.token)
}

func (s *newTokenFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	b[0] = frameTypeNewToken
	putBytes(b[1:], s.token)
	return n, nil
}

func (s *newTokenFrame) decode(b []byte) (int, error) {
	token, n := getBytes(b[1:])
	if n == 0 && len(b) > 1 {
		return 0, newError(FrameEncodingError, "new_token")
	}
	s.token = token
	return 1 + n, nil
}

func (s *newTokenFrame) String() string {
	return fmt.Sprintf("NEW_TOKEN length=%d", len(s.token))
}

// handshakeDoneFrame signals that the handshake is confirmed. Sent only
// by a server; a client receiving one uses it to drop Handshake state.
type handshakeDoneFrame struct{}

func (s *handshakeDoneFrame) encodedLen() int { return 1 }

func (s *handshakeDoneFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypeHanshakeDone
	return 1, nil
}

func (s *handshakeDoneFrame) decode(b []byte) (int, error) { return 1, nil }

func (s *handshakeDoneFrame) String() string { return "HANDSHAKE_DONE" }

// pathChallengeFrame and pathResponseFrame support path validation.
// They are parsed (so unexpected traffic doesn't abort the connection)
// but path migration itself is out of scope for this engine.
type pathChallengeFrame struct {
	data [8]byte
}

func (s *pathChallengeFrame) encodedLen() int { return 9 }

func (s *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePathChallenge
	copy(b[1:9], s.data[:])
	return 9, nil
}

func (s *pathChallengeFrame) decode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, newError(FrameEncodingError, "path_challenge")
	}
	copy(s.data[:], b[1:9])
	return 9, nil
}

func (s *pathChallengeFrame) String() string { return "PATH_CHALLENGE" }

type pathResponseFrame struct {
	data [8]byte
}

func (s *pathResponseFrame) encodedLen() int { return 9 }

func (s *pathResponseFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePathResponse
	copy(b[1:9], s.data[:])
	return 9, nil
}

func (s *pathResponseFrame) decode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, newError(FrameEncodingError, "path_response")
	}
	copy(s.data[:], b[1:9])
	return 9, nil
}

func (s *pathResponseFrame) String() string { return "PATH_RESPONSE" }

// encodeFrames encodes a list of frames back-to-back into b.
func encodeFrames(b []byte, frames []frame) (int, error) {
	i := 0
	for _, f := range frames {
		n, err := f.encode(b[i:])
		if err != nil {
			return 0, err
		}
		i += n
	}
	return i, nil
}
