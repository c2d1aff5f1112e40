package transport

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeaderVersionNegotiation(t *testing.T) {
	raw := []byte{
		0x80, 0x00, 0x00, 0x00, 0x00, // form=long, version=0 (negotiation)
		0x04, 0x0a, 0x0b, 0x0c, 0x0d, // dcid len 4
		0x04, 0x0f, 0x0e, 0x0d, 0x0c, // scid len 4
		0xff, 0x00, 0x00, 0x18, // one supported version
	}
	h, n, err := decodeHeader(raw, 8)
	require.NoError(t, err)
	assert.Equal(t, packetTypeVersionNegotiation, h.typ)
	assert.Equal(t, []uint32{0xff000018}, h.supportedVersions)
	assert.Equal(t, len(raw), n)
}

func TestDecodeHeaderShortPacketUsesOwnCIDLength(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw := append([]byte{0x40}, dcid...)
	raw = append(raw, 0xaa, 0xbb) // protected packet number + payload, ignored here

	h, n, err := decodeHeader(raw, len(dcid))
	require.NoError(t, err)
	assert.Equal(t, packetTypeShort, h.typ)
	assert.Equal(t, dcid, h.dcid)
	assert.Equal(t, 1+len(dcid), n)
}

func TestDecodeHeaderTruncatedShortPacketIsInvalid(t *testing.T) {
	raw := []byte{0x40, 1, 2, 3}
	_, _, err := decodeHeader(raw, 8)
	require.Error(t, err)
	qerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, InvalidPacket, qerr.Kind)
}

func TestRetryIntegrityTagAcceptsExactMatchAndRejectsTamperedTag(t *testing.T) {
	odcid := []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	retryHeader := []byte{
		0xf0, 0x00, 0x00, 0x00, 0x01, // long header, Retry, v1
		0x08, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, // dcid
		0x04, 0x0b, 0x0b, 0x0b, 0x0b, // retry source cid
		0x01, 0x02, 0x03, // retry token
	}

	tag, err := computeRetryIntegrityTag(odcid, retryHeader)
	require.NoError(t, err)
	wantTag, err := hex.DecodeString("9442e0ac29f6d650adc5e4b4a3cd12cc")
	require.NoError(t, err)
	assert.Equal(t, wantTag, tag[:])

	ok, err := verifyRetryIntegrityTag(odcid, retryHeader, tag)
	require.NoError(t, err)
	assert.True(t, ok, "a freshly computed tag must verify against its own input")

	tampered := tag
	tampered[0] ^= 0xff
	ok, err = verifyRetryIntegrityTag(odcid, retryHeader, tampered)
	require.NoError(t, err)
	assert.False(t, ok, "flipping a single tag byte must fail verification")

	ok, err = verifyRetryIntegrityTag([]byte{0x00}, retryHeader, tag)
	require.NoError(t, err)
	assert.False(t, ok, "a different original destination CID must fail verification")
}
