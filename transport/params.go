package transport

import "time"

// Transport parameter IDs, RFC 9000 section 18.2.
const (
	paramOriginalDestinationCID     = 0x00
	paramMaxIdleTimeout             = 0x01
	paramStatelessResetToken        = 0x02
	paramMaxUDPPayloadSize          = 0x03
	paramInitialMaxData             = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni    = 0x07
	paramInitialMaxStreamsBidi      = 0x08
	paramInitialMaxStreamsUni       = 0x09
	paramAckDelayExponent           = 0x0a
	paramMaxAckDelay                = 0x0b
	paramDisableActiveMigration     = 0x0c
	paramActiveConnectionIDLimit    = 0x0e
	paramInitialSourceCID           = 0x0f
	paramRetrySourceCID             = 0x10
)

// Parameters holds the QUIC transport parameters exchanged during the
// handshake, RFC 9000 section 18.2.
type Parameters struct {
	OriginalDestinationCID []byte
	MaxIdleTimeout         time.Duration
	StatelessResetToken    []byte
	MaxUDPPayloadSize      uint64
	InitialMaxData         uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi  uint64
	InitialMaxStreamsUni   uint64
	AckDelayExponent       uint64
	MaxAckDelay            time.Duration
	DisableActiveMigration bool
	ActiveConnectionIDLimit uint64
	InitialSourceCID       []byte
	RetrySourceCID         []byte
}

// DefaultParameters returns the parameters this engine announces to a
// peer absent explicit configuration.
func DefaultParameters() Parameters {
	return Parameters{
		MaxIdleTimeout:                 30 * time.Second,
		MaxUDPPayloadSize:              1452,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 18,
		InitialMaxStreamDataBidiRemote: 1 << 18,
		InitialMaxStreamDataUni:        1 << 18,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		AckDelayExponent:               3,
		MaxAckDelay:                    25 * time.Millisecond,
		ActiveConnectionIDLimit:        defaultActiveConnectionIDLimit,
	}
}

// Marshal encodes the parameters as a TLS extension body.
func (p *Parameters) Marshal() []byte {
	var b []byte
	putParamBytes(&b, paramOriginalDestinationCID, p.OriginalDestinationCID, false)
	putParamVarint(&b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	putParamBytes(&b, paramStatelessResetToken, p.StatelessResetToken, false)
	putParamVarint(&b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	putParamVarint(&b, paramInitialMaxData, p.InitialMaxData)
	putParamVarint(&b, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	putParamVarint(&b, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	putParamVarint(&b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	putParamVarint(&b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	putParamVarint(&b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	putParamVarint(&b, paramAckDelayExponent, p.AckDelayExponent)
	putParamVarint(&b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	if p.DisableActiveMigration {
		putParamBytes(&b, paramDisableActiveMigration, nil, true)
	}
	putParamVarint(&b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	putParamBytes(&b, paramInitialSourceCID, p.InitialSourceCID, false)
	putParamBytes(&b, paramRetrySourceCID, p.RetrySourceCID, false)
	return b
}

func putParamVarint(b *[]byte, id uint64, v uint64) {
	if v == 0 {
		return
	}
	buf := make([]byte, varintLen(v))
	putVarint(buf, v)
	putParamBytes(b, id, buf, false)
}

func putParamBytes(b *[]byte, id uint64, v []byte, forcePresent bool) {
	if len(v) == 0 && !forcePresent {
		return
	}
	idBuf := make([]byte, varintLen(id))
	putVarint(idBuf, id)
	*b = append(*b, idBuf...)
	lenBuf := make([]byte, varintLen(uint64(len(v))))
	putVarint(lenBuf, uint64(len(v)))
	*b = append(*b, lenBuf...)
	*b = append(*b, v...)
}

// ParseParameters decodes a peer's transport parameter extension body.
func ParseParameters(b []byte) (*Parameters, error) {
	p := &Parameters{}
	i := 0
	for i < len(b) {
		var id, length uint64
		n := getVarint(b[i:], &id)
		if n == 0 {
			return nil, newError(TransportParameterError, "malformed parameter id")
		}
		i += n
		n = getVarint(b[i:], &length)
		if n == 0 {
			return nil, newError(TransportParameterError, "malformed parameter length")
		}
		i += n
		if uint64(len(b)-i) < length {
			return nil, newError(TransportParameterError, "truncated parameter value")
		}
		val := b[i : i+int(length)]
		i += int(length)
		if err := p.applyParam(id, val); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Parameters) applyParam(id uint64, val []byte) error {
	readVarint := func() (uint64, error) {
		var v uint64
		if getVarint(val, &v) == 0 {
			return 0, newError(TransportParameterError, "malformed parameter value")
		}
		return v, nil
	}
	switch id {
	case paramOriginalDestinationCID:
		p.OriginalDestinationCID = append([]byte(nil), val...)
	case paramMaxIdleTimeout:
		v, err := readVarint()
		if err != nil {
			return err
		}
		p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
	case paramStatelessResetToken:
		if len(val) != 16 {
			return newError(TransportParameterError, "bad stateless reset token")
		}
		p.StatelessResetToken = append([]byte(nil), val...)
	case paramMaxUDPPayloadSize:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v < 1200 {
			return newError(TransportParameterError, "max_udp_payload_size too small")
		}
		p.MaxUDPPayloadSize = v
	case paramInitialMaxData:
		v, err := readVarint()
		if err != nil {
			return err
		}
		p.InitialMaxData = v
	case paramInitialMaxStreamDataBidiLocal:
		v, err := readVarint()
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataBidiLocal = v
	case paramInitialMaxStreamDataBidiRemote:
		v, err := readVarint()
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataBidiRemote = v
	case paramInitialMaxStreamDataUni:
		v, err := readVarint()
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataUni = v
	case paramInitialMaxStreamsBidi:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > 1<<60 {
			return newError(TransportParameterError, "initial_max_streams_bidi too large")
		}
		p.InitialMaxStreamsBidi = v
	case paramInitialMaxStreamsUni:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > 1<<60 {
			return newError(TransportParameterError, "initial_max_streams_uni too large")
		}
		p.InitialMaxStreamsUni = v
	case paramAckDelayExponent:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > 20 {
			return newError(TransportParameterError, "ack_delay_exponent too large")
		}
		p.AckDelayExponent = v
	case paramMaxAckDelay:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v >= 1<<14 {
			return newError(TransportParameterError, "max_ack_delay too large")
		}
		p.MaxAckDelay = time.Duration(v) * time.Millisecond
	case paramDisableActiveMigration:
		p.DisableActiveMigration = true
	case paramActiveConnectionIDLimit:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v < 2 {
			return newError(TransportParameterError, "active_connection_id_limit too small")
		}
		p.ActiveConnectionIDLimit = v
	case paramInitialSourceCID:
		p.InitialSourceCID = append([]byte(nil), val...)
	case paramRetrySourceCID:
		p.RetrySourceCID = append([]byte(nil), val...)
	}
	// Unknown parameters are ignored, per RFC 9000 section 7.4.2.
	return nil
}

// validateAgainstRetry cross-checks the peer's transport parameters
// against the connection IDs this client observed on the wire, per
// RFC 9000 section 7.3: a server MUST echo original_destination_cid,
// MUST send initial_source_connection_id matching its packets' SCID,
// and MUST send retry_source_connection_id iff a Retry occurred.
func (p *Parameters) validateAgainstRetry(odcid, scid, rscid []byte, didRetry bool) error {
	if !bytesEqual(p.OriginalDestinationCID, odcid) {
		return newError(TransportParameterError, "original_destination_connection_id mismatch")
	}
	if !bytesEqual(p.InitialSourceCID, scid) {
		return newError(TransportParameterError, "initial_source_connection_id mismatch")
	}
	if didRetry {
		if !bytesEqual(p.RetrySourceCID, rscid) {
			return newError(TransportParameterError, "retry_source_connection_id mismatch")
		}
	} else if len(p.RetrySourceCID) != 0 {
		return newError(TransportParameterError, "unexpected retry_source_connection_id")
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
