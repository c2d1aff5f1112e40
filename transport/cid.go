package transport

import (
	"bytes"
	"crypto/rand"
)

// CIDSource generates new connection IDs. The default uses crypto/rand;
// a caller can pass Builder.WithCIDSource one backed by github.com/rs/xid for
// human-legible IDs in test traces (see rand_cid.go).
type CIDSource interface {
	NewCID() ([]byte, error)
}

// localCID is one connection ID this engine has issued to its peer. It
// moves NEW -> USED the first time a packet arrives addressed to it, and
// USED -> retired once the peer sends RETIRE_CONNECTION_ID for it; never
// backwards.
type localCID struct {
	seq        uint64
	cid        []byte
	resetToken [16]byte
	used       bool
	retired    bool
}

// remoteCID is one connection ID the peer has issued to us.
type remoteCID struct {
	seq        uint64
	cid        []byte
	resetToken [16]byte
}

// cidManager implements the connection-ID issuance and retirement
// lifecycle of RFC 9000 section 5.1: it tracks the IDs we've handed out
// (and which the peer has retired), the IDs the peer has handed us (and
// which one we're actively using as the destination CID), and enforces
// active_connection_id_limit in both directions.
//
// Grounded on the connIDState design in golang.org/x/net/quic: a client
// seeds its own first source CID and the peer's initial CID up front,
// then grows both sets from NEW_CONNECTION_ID/RETIRE_CONNECTION_ID
// frames as the handshake and connection progress.
type cidManager struct {
	source CIDSource

	local          []localCID
	localNextSeq   uint64
	localActiveCID []byte

	peerActiveLimit uint64

	remote           []remoteCID
	remoteNextSeq    uint64
	remoteRetireBelow uint64
	remoteActiveCID  []byte
}

const defaultActiveConnectionIDLimit = 4

func (m *cidManager) init(source CIDSource, firstLocal, firstRemote []byte) {
	if source == nil {
		source = randCIDSource{}
	}
	m.source = source
	m.peerActiveLimit = defaultActiveConnectionIDLimit
	m.local = []localCID{{seq: 0, cid: firstLocal}}
	m.localNextSeq = 1
	m.localActiveCID = firstLocal
	if firstRemote != nil {
		m.remote = []remoteCID{{seq: 0, cid: firstRemote}}
		m.remoteNextSeq = 1
		m.remoteActiveCID = firstRemote
	}
}

// setPeerActiveConnIDLimit records the peer's active_connection_id_limit
// transport parameter, which bounds how many local CIDs we may have
// outstanding (unretired) at once.
func (m *cidManager) setPeerActiveConnIDLimit(n uint64) {
	if n > 0 {
		m.peerActiveLimit = n
	}
}

// issueLocalIDs tops up the set of local CIDs offered to the peer up to
// the peer's active_connection_id_limit, returning NEW_CONNECTION_ID
// frames for any newly minted ones.
func (m *cidManager) issueLocalIDs() ([]*newConnectionIdFrame, error) {
	active := 0
	for _, l := range m.local {
		if !l.retired {
			active++
		}
	}
	var frames []*newConnectionIdFrame
	for uint64(active) < m.peerActiveLimit {
		cid, err := m.source.NewCID()
		if err != nil {
			return frames, err
		}
		var token [16]byte
		if _, err := rand.Read(token[:]); err != nil {
			return frames, newError(InternalError, "reset token")
		}
		seq := m.localNextSeq
		m.localNextSeq++
		m.local = append(m.local, localCID{seq: seq, cid: cid, resetToken: token})
		frames = append(frames, newNewConnectionIdFrame(seq, 0, cid, token))
		active++
	}
	return frames, nil
}

// handleNewConnectionID applies a peer-issued NEW_CONNECTION_ID frame,
// per RFC 9000 section 19.15, retiring anything the peer asked retired
// via retire_prior_to. More than twice defaultActiveConnectionIDLimit
// peer CIDs held at once is a CONNECTION_ID_LIMIT_ERROR.
func (m *cidManager) handleNewConnectionID(f *newConnectionIdFrame) ([]*retireConnectionIdFrame, error) {
	if f.retirePriorTo > f.sequenceNumber {
		return nil, newError(ProtocolViolation, "retire_prior_to exceeds sequence_number")
	}
	for _, r := range m.remote {
		if r.seq == f.sequenceNumber {
			return nil, nil // duplicate, RFC 9000 section 19.15 permits replays
		}
	}
	if f.retirePriorTo > m.remoteRetireBelow {
		m.remoteRetireBelow = f.retirePriorTo
	}
	m.remote = append(m.remote, remoteCID{seq: f.sequenceNumber, cid: f.connectionID, resetToken: f.resetToken})

	var retire []*retireConnectionIdFrame
	kept := m.remote[:0]
	for _, r := range m.remote {
		if r.seq < m.remoteRetireBelow {
			retire = append(retire, newRetireConnectionIdFrame(r.seq))
			continue
		}
		kept = append(kept, r)
	}
	m.remote = kept

	active := len(m.remote)
	if uint64(active) > defaultActiveConnectionIDLimit*2 {
		return retire, newError(ConnectionIDLimitError, "too many connection ids")
	}
	return retire, nil
}

// useLocal marks the local CID matching cid as USED (first packet
// addressed to it) and, if that was its first use and the peer's
// active_connection_id_limit still allows more outstanding CIDs, tops up
// the local set with a fresh one. The original source CID counts too:
// init records it as sequence 0. A CID already USED, retired, or unknown
// to this manager is a no-op.
func (m *cidManager) useLocal(cid []byte) ([]*newConnectionIdFrame, error) {
	for i := range m.local {
		if bytes.Equal(m.local[i].cid, cid) {
			if m.local[i].used || m.local[i].retired {
				return nil, nil
			}
			m.local[i].used = true
			return m.issueLocalIDs()
		}
	}
	return nil, nil
}

// handleRetireConnectionID applies a peer's RETIRE_CONNECTION_ID frame
// against our own issued set. Per RFC 9000 section 19.16, a sequence
// number that this manager never issued (>= localNextSeq) is a protocol
// violation, not a no-op.
func (m *cidManager) handleRetireConnectionID(f *retireConnectionIdFrame) error {
	if f.sequenceNumber >= m.localNextSeq {
		return newError(ProtocolViolation, "retire_connection_id for a sequence number never issued")
	}
	for i := range m.local {
		if m.local[i].seq == f.sequenceNumber {
			m.local[i].retired = true
			return nil
		}
	}
	return nil
}

// randCIDSource is the default CIDSource, drawing from crypto/rand.
// length is clamped to [1, MaxCIDLength], defaulting to MaxCIDLength.
type randCIDSource struct{ length int }

func (s randCIDSource) NewCID() ([]byte, error) {
	n := s.length
	if n <= 0 || n > MaxCIDLength {
		n = MaxCIDLength
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, newError(InternalError, "rand read failed")
	}
	return b, nil
}
