package transport

// tlsHandshake is the minimal surface this engine needs from a TLS 1.3
// engine to drive the QUIC handshake: feed it the peer's CRYPTO bytes
// for a given encryption level, pull outgoing CRYPTO bytes for the
// levels it has produced, and learn when new keys are installed.
//
// A full TLS 1.3 state machine is out of scope (see the design notes'
// Non-goals); this type exists so Conn's handshake-driving code has a
// concrete, testable seam, matching the capability-interface pattern
// the teacher uses to keep Conn decoupled from its collaborators.
type tlsHandshake struct {
	conn   *Conn
	engine TLSEngine

	localParams Parameters
}

// CryptoRecord is one chunk of CRYPTO data a TLS engine wants sent at a
// particular encryption level. A single Advance call can produce
// several: a server flight commonly carries ServerHello at Handshake
// level immediately followed by EncryptedExtensions/Certificate/Finished
// still at Handshake, but a client's own second flight (Finished) is
// produced only once Handshake secrets are in, which can be the same
// Advance call that also yields 0-length output at other levels.
type CryptoRecord struct {
	Level PacketSpace
	Data  []byte
}

// TLSEngine is implemented by whatever TLS 1.3 library is wired in to
// perform the actual handshake; this engine only needs the handshake
// byte stream and key material, not certificate validation policy.
type TLSEngine interface {
	// SetTransportParams supplies the local transport parameters to send
	// in the quic_transport_parameters extension.
	SetTransportParams(raw []byte)
	// Advance feeds newly received CRYPTO data at the given encryption
	// level and returns any CRYPTO data produced in response, along with
	// whether the handshake completed.
	Advance(level PacketSpace, data []byte) (out []CryptoRecord, done bool, err error)
	// PeerTransportParams returns the peer's raw transport parameters
	// extension once received, or nil if not yet available.
	PeerTransportParams() []byte
	// Secrets returns the read and write traffic secrets the handshake
	// has derived for level, or ok=false if it hasn't derived them yet.
	// Initial secrets are derived directly from the destination
	// connection ID (RFC 9001 section 5.2) and never asked for here;
	// this covers Handshake and Application, whose keys depend on the
	// TLS key schedule the engine owns.
	Secrets(level PacketSpace) (read, write []byte, ok bool)
}

func (h *tlsHandshake) init(conn *Conn, engine TLSEngine) {
	h.conn = conn
	h.engine = engine
}

func (h *tlsHandshake) setTransportParams(p *Parameters) {
	h.localParams = *p
	if h.engine != nil {
		h.engine.SetTransportParams(p.Marshal())
	}
}

// start kicks off the handshake by handing the TLS engine an empty
// ClientHello request at the Initial encryption level, per RFC 9000
// section 7: the first bytes a client ever sends are produced here, not
// solicited by anything the peer sent.
func (h *tlsHandshake) start() ([]CryptoRecord, error) {
	if h.engine == nil {
		return nil, nil
	}
	out, _, err := h.engine.Advance(PacketSpaceInitial, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// installKeys asks the engine for Handshake and Application traffic
// secrets and installs any this connection hasn't already sealed/opened
// with, converting the raw secrets into an AEAD Sealer/Opener pair. It's
// a no-op for a level whose keys are already installed, so it's safe to
// call after every Advance regardless of whether that call produced
// anything new.
func (h *tlsHandshake) installKeys(s *Conn) error {
	if h.engine == nil {
		return nil
	}
	for _, level := range []PacketSpace{PacketSpaceHandshake, PacketSpaceApplication} {
		sp := &s.packetNumberSpaces[level]
		if sp.sealer != nil && sp.opener != nil {
			continue
		}
		read, write, ok := h.engine.Secrets(level)
		if !ok {
			continue
		}
		opener, err := newOpener(read)
		if err != nil {
			return err
		}
		sealer, err := newSealer(write)
		if err != nil {
			return err
		}
		sp.opener = opener
		sp.sealer = sealer
	}
	return nil
}
