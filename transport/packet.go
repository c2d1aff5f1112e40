package transport

import "fmt"

// MaxCIDLength is the largest connection ID this engine will generate or
// accept, per RFC 9000 section 17.2.
const MaxCIDLength = 20

// packetType distinguishes the long-header packet types plus the
// short-header (1-RTT) form.
type packetType uint8

const (
	packetTypeInitial packetType = iota
	packetTypeRetry
	packetTypeHandshake
	packetType0RTT
	packetTypeShort
	packetTypeVersionNegotiation
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeRetry:
		return "retry"
	case packetTypeHandshake:
		return "handshake"
	case packetType0RTT:
		return "0RTT"
	case packetTypeShort:
		return "1RTT"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	}
	return "unknown"
}

// packetTypeFromSpace maps a packet-number space to the long-header
// packet type that carries it.
func packetTypeFromSpace(space PacketSpace) packetType {
	switch space {
	case PacketSpaceInitial:
		return packetTypeInitial
	case PacketSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

const (
	headerFormLong  = 0x80
	headerFixedBit  = 0x40
	longTypeInitial = 0x00
	longType0RTT    = 0x01
	longTypeHandshake = 0x02
	longTypeRetry   = 0x03
)

// packetHeader is the decoded header common to all packet forms. Not
// every field is meaningful for every type: version/scid only appear on
// long headers, token only on Initial and Retry.
type packetHeader struct {
	typ     packetType
	version uint32
	dcid    []byte
	scid    []byte
	token   []byte

	// retryIntegrityTag holds the 16-byte tag trailing a Retry packet.
	retryIntegrityTag [16]byte

	// supportedVersions is populated only for Version Negotiation packets.
	supportedVersions []uint32
}

// packet is a single decoded QUIC datagram-level packet (one long-header
// or short-header packet; a UDP datagram may coalesce several).
type packet struct {
	typ          packetType
	header       packetHeader
	packetNumber uint64
	packetNumLen int
	payloadLen   int

	supportedVersions []uint32 // mirrors header for logging convenience
	token             []byte

	raw []byte // full wire bytes of this packet, including header
}

// decodeHeader parses just enough of b to identify the packet type and
// connection IDs, without removing header protection. It returns the
// number of header bytes consumed up to (and including) the length
// field, i.e. the offset where the protected packet number begins.
// ownCIDLen is the receiver's own connection ID length, fixed at
// connection creation (default 4 bytes, 0..20 configurable): a
// short-header packet carries no self-describing DCID length, so the
// receiver must already know how many bytes to take, per RFC 9000
// section 5.1.
func decodeHeader(b []byte, ownCIDLen int) (*packetHeader, int, error) {
	if len(b) < 1 {
		return nil, 0, newError(InvalidPacket, "empty packet")
	}
	h := &packetHeader{}
	if b[0]&headerFormLong == 0 {
		h.typ = packetTypeShort
		if len(b) < 1+ownCIDLen {
			return nil, 0, newError(InvalidPacket, "truncated short header")
		}
		h.dcid = append([]byte(nil), b[1:1+ownCIDLen]...)
		return h, 1 + ownCIDLen, nil
	}
	if len(b) < 5 {
		return nil, 0, newError(InvalidPacket, "short long header")
	}
	i := 1
	version := beUint32(b[i:])
	i += 4
	h.version = version
	if version == uint32(VersionNegotiation) {
		h.typ = packetTypeVersionNegotiation
	} else {
		switch (b[0] >> 4) & 0x3 {
		case longTypeInitial:
			h.typ = packetTypeInitial
		case longType0RTT:
			h.typ = packetType0RTT
		case longTypeHandshake:
			h.typ = packetTypeHandshake
		case longTypeRetry:
			h.typ = packetTypeRetry
		}
	}
	if i >= len(b) {
		return nil, 0, newError(InvalidPacket, "truncated header")
	}
	dcidLen := int(b[i])
	i++
	if len(b)-i < dcidLen {
		return nil, 0, newError(InvalidPacket, "truncated dcid")
	}
	h.dcid = append([]byte(nil), b[i:i+dcidLen]...)
	i += dcidLen
	if i >= len(b) {
		return nil, 0, newError(InvalidPacket, "truncated header")
	}
	scidLen := int(b[i])
	i++
	if len(b)-i < scidLen {
		return nil, 0, newError(InvalidPacket, "truncated scid")
	}
	h.scid = append([]byte(nil), b[i:i+scidLen]...)
	i += scidLen

	switch h.typ {
	case packetTypeVersionNegotiation:
		for len(b)-i >= 4 {
			h.supportedVersions = append(h.supportedVersions, beUint32(b[i:]))
			i += 4
		}
		return h, i, nil
	case packetTypeRetry:
		tagStart := len(b) - 16
		if tagStart < i {
			return nil, 0, newError(InvalidPacket, "truncated retry")
		}
		h.token = append([]byte(nil), b[i:tagStart]...)
		copy(h.retryIntegrityTag[:], b[tagStart:])
		return h, len(b), nil
	case packetTypeInitial:
		tokenLen, n := getVarintLen(b[i:])
		if n == 0 {
			return nil, 0, newError(InvalidPacket, "truncated token length")
		}
		i += n
		if len(b)-i < int(tokenLen) {
			return nil, 0, newError(InvalidPacket, "truncated token")
		}
		h.token = append([]byte(nil), b[i:i+int(tokenLen)]...)
		i += int(tokenLen)
	}

	// Remaining length (covers packet number + payload, both still
	// header-protected at this point).
	_, n := getVarintLen(b[i:])
	if n == 0 {
		return nil, 0, newError(InvalidPacket, "truncated length")
	}
	i += n
	return h, i, nil
}

// getVarintLen decodes a varint purely to find its value and length,
// without requiring a pre-zeroed destination.
func getVarintLen(b []byte) (uint64, int) {
	var v uint64
	n := getVarint(b, &v)
	return v, n
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func (p *packetHeader) String() string {
	return fmt.Sprintf("type=%s version=%x dcid=%x scid=%x", p.typ, p.version, p.dcid, p.scid)
}

// RFC 9001 Appendix A.4: the Retry Integrity Tag is computed with a
// fixed AEAD key and nonce over a pseudo-header consisting of the
// original DCID length-prefixed, followed by the entire Retry packet
// header and token. Only the version 1 key and nonce are defined here,
// and they are used whatever version the Retry carries, so Retry
// packets of other versions fail verification.
var retryIntegrityKeyV1 = [16]byte{
	0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
	0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
}

var retryIntegrityNonceV1 = [12]byte{
	0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2,
	0x23, 0x98, 0x25, 0xbb,
}

// computeRetryIntegrityTag computes the 16-byte AEAD tag protecting a
// Retry packet, given the original destination CID the client used on
// its first Initial and the Retry packet bytes with the tag trimmed off.
func computeRetryIntegrityTag(odcid, retryPacketWithoutTag []byte) ([16]byte, error) {
	pseudo := make([]byte, 0, 1+len(odcid)+len(retryPacketWithoutTag))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, retryPacketWithoutTag...)
	return aeadSeal16(retryIntegrityKeyV1, retryIntegrityNonceV1, pseudo)
}

// verifyRetryIntegrityTag reports whether tag matches the Retry packet.
func verifyRetryIntegrityTag(odcid, retryPacketWithoutTag []byte, tag [16]byte) (bool, error) {
	want, err := computeRetryIntegrityTag(odcid, retryPacketWithoutTag)
	if err != nil {
		return false, err
	}
	return want == tag, nil
}
