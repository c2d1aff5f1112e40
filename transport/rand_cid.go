package transport

import "github.com/rs/xid"

// xidCIDSource generates connection IDs from github.com/rs/xid instead
// of crypto/rand. xid IDs are monotonic and carry an embedded timestamp,
// which makes them legible in packet captures and qlog traces during
// development; they are never cryptographically unpredictable, so this
// source is only used when a caller passes it to Builder.WithCIDSource;
// the default source is crypto/rand (randCIDSource).
type xidCIDSource struct{}

// NewXIDCIDSource returns a CIDSource that encodes each connection ID as
// a 12-byte xid.ID padded to MaxCIDLength. Intended for local debugging
// only: a real deployment should keep the crypto/rand default.
func NewXIDCIDSource() CIDSource { return xidCIDSource{} }

func (xidCIDSource) NewCID() ([]byte, error) {
	id := xid.New()
	raw := id.Bytes()
	cid := make([]byte, MaxCIDLength)
	copy(cid, raw)
	return cid, nil
}
