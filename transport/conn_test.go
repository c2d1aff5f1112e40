package transport

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTLSEngine is a minimal TLSEngine stub for exercising Conn logic
// that only needs PeerTransportParams, without driving an actual TLS
// 1.3 handshake.
type fakeTLSEngine struct {
	peerParams []byte
}

func (e *fakeTLSEngine) SetTransportParams(raw []byte)     {}
func (e *fakeTLSEngine) Advance(level PacketSpace, data []byte) ([]CryptoRecord, bool, error) {
	return nil, false, nil
}
func (e *fakeTLSEngine) PeerTransportParams() []byte { return e.peerParams }
func (e *fakeTLSEngine) Secrets(level PacketSpace) (read, write []byte, ok bool) {
	return nil, nil, false
}

func newTestConn(engine TLSEngine) *Conn {
	s := &Conn{state: stateAttempted}
	s.handshake.init(s, engine)
	for i := range s.packetNumberSpaces {
		s.packetNumberSpaces[i].init()
	}
	s.streams.init(10, 10)
	s.recovery.init(time.Now())
	s.flow.init(1 << 20, 0)
	return s
}

func TestCompleteHandshakeMissingOriginalDestinationCIDClosesImmediately(t *testing.T) {
	s := newTestConn(&fakeTLSEngine{})
	s.odcid = []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	s.dcid = []byte{0x0b, 0x0b, 0x0b, 0x0b}
	s.rscid = s.dcid
	s.didRetry = true

	peer := Parameters{
		InitialMaxData: 1000,
		// OriginalDestinationCID deliberately left unset.
		InitialSourceCID: s.dcid,
		RetrySourceCID:   s.dcid,
	}
	s.handshake.engine.(*fakeTLSEngine).peerParams = peer.Marshal()

	err := s.completeHandshake()
	require.Error(t, err)
	qerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, TransportParameterError, qerr.Kind)

	require.NotNil(t, s.closeFrame)
	assert.Equal(t, uint64(0x8), s.closeFrame.errorCode)
	assert.NotEqual(t, stateActive, s.state)
}

func TestCompleteHandshakeValidParametersActivatesConnection(t *testing.T) {
	s := newTestConn(&fakeTLSEngine{})
	s.odcid = []byte{0x11, 0x12, 0x13, 0x14}
	s.dcid = []byte{0xaa, 0xbb, 0xcc, 0xdd}
	s.scid = []byte{0x01, 0x02, 0x03, 0x04}

	peer := Parameters{
		InitialMaxData:           1 << 20,
		InitialMaxStreamsBidi:    4,
		InitialMaxStreamsUni:     4,
		ActiveConnectionIDLimit:  4,
		OriginalDestinationCID:   s.odcid,
		InitialSourceCID:         s.dcid,
	}
	s.handshake.engine.(*fakeTLSEngine).peerParams = peer.Marshal()
	s.cids.init(randCIDSource{}, s.scid, s.dcid)

	err := s.completeHandshake()
	require.NoError(t, err)
	assert.Nil(t, s.closeFrame)
	assert.Equal(t, stateActive, s.state)
	assert.True(t, s.IsEstablished())
}

func TestCreateStreamAllocatesSequentialClientInitiatedBidiIDs(t *testing.T) {
	s := newTestConn(&fakeTLSEngine{})
	s.peerParams.InitialMaxStreamsBidi = 10
	s.peerParams.InitialMaxStreamDataBidiRemote = 1 << 16
	s.localParams.InitialMaxStreamDataBidiLocal = 1 << 16

	first, err := s.CreateStream(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.ID())

	second, err := s.CreateStream(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), second.ID())
}

func TestCreateStreamRejectsPastPeerStreamLimit(t *testing.T) {
	s := newTestConn(&fakeTLSEngine{})
	s.peerParams.InitialMaxStreamsBidi = 1

	_, err := s.CreateStream(true)
	require.NoError(t, err)

	_, err = s.CreateStream(true)
	require.Error(t, err)
	qerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, StreamLimitError, qerr.Kind)
}

func TestSourceCIDReturnsConfiguredSCID(t *testing.T) {
	s := newTestConn(&fakeTLSEngine{})
	s.scid = []byte{1, 2, 3, 4}
	assert.Equal(t, s.scid, s.SourceCID())
}

// buildRetryPacket assembles the wire bytes of a Retry packet echoing
// clientSCID as its destination CID, per RFC 9000 section 17.2.5.
func buildRetryPacket(clientSCID, serverSCID, token []byte, tagHex string) []byte {
	b := []byte{0xf0, 0x00, 0x00, 0x00, 0x01}
	b = append(b, byte(len(clientSCID)))
	b = append(b, clientSCID...)
	b = append(b, byte(len(serverSCID)))
	b = append(b, serverSCID...)
	b = append(b, token...)
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		panic(err)
	}
	return append(b, tag...)
}

// TestRecvPacketRetryScenarios exercises the two connection-level Retry
// scenarios against the spec's literal integrity-tag vectors: a correct
// first Retry is applied exactly once, and a second Retry (even with its
// own validly-shaped tag) is ignored outright once one has already been
// processed.
func TestRecvPacketRetryScenarios(t *testing.T) {
	s := newTestConn(&fakeTLSEngine{})
	s.version = Version1
	s.scid = bytes.Repeat([]byte{0xaa}, 8)
	s.dcid = []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	s.odcid = append([]byte(nil), s.dcid...)
	token := []byte{0x01, 0x02, 0x03}

	first := buildRetryPacket(s.scid, []byte{0x0b, 0x0b, 0x0b, 0x0b}, token, "9442e0ac29f6d650adc5e4b4a3cd12cc")
	_, err := s.Write(first)
	require.NoError(t, err)
	require.True(t, s.didRetry)
	assert.Equal(t, token, s.token)
	assert.Equal(t, []byte{0x0b, 0x0b, 0x0b, 0x0b}, s.dcid)

	// A second Retry, even one whose tag is exactly the spec's other
	// literal vector, must be ignored: didRetry is already true, so
	// recvPacketRetry's guard drops it before the tag is even checked.
	second := buildRetryPacket(s.scid, []byte{0x0c, 0x0c, 0x0c, 0x0c}, []byte{0x09, 0x09}, "00f4bbc72790b7c7947f86ec9fb0a68d")
	_, err = s.Write(second)
	require.NoError(t, err)
	assert.Equal(t, token, s.token, "a second Retry must not overwrite the first")
	assert.Equal(t, []byte{0x0b, 0x0b, 0x0b, 0x0b}, s.dcid, "a second Retry must not move the destination CID again")
}
