// Package tlsengine adapts crypto/tls's native QUIC hooks (the
// QUICConn/QUICEvent API crypto/tls has carried since Go 1.21
// specifically for RFC 9001 implementers) onto transport.TLSEngine, so
// a real TLS 1.3 handshake drives the connection without this module
// owning any handshake state machine of its own.
package tlsengine

import (
	"context"
	"crypto/tls"

	"github.com/quicproto/qclient/transport"
)

// Engine is a client-side transport.TLSEngine backed by crypto/tls.
type Engine struct {
	conn    *tls.QUICConn
	started bool

	peerParams []byte
	secrets    map[tls.QUICEncryptionLevel]secretPair
}

type secretPair struct {
	read, write []byte
}

// New wraps cfg (ServerName, NextProtos, RootCAs, InsecureSkipVerify,
// ...) in a client-side QUIC TLS engine. cfg.NextProtos should already
// carry the ALPN identifier Connect will negotiate.
func New(cfg *tls.Config) *Engine {
	return &Engine{
		conn:    tls.QUICClient(&tls.QUICConfig{TLSConfig: cfg}),
		secrets: make(map[tls.QUICEncryptionLevel]secretPair, 2),
	}
}

func levelFromSpace(s transport.PacketSpace) tls.QUICEncryptionLevel {
	if s == transport.PacketSpaceHandshake {
		return tls.QUICEncryptionLevelHandshake
	}
	if s == transport.PacketSpaceApplication {
		return tls.QUICEncryptionLevelApplication
	}
	return tls.QUICEncryptionLevelInitial
}

func spaceFromLevel(l tls.QUICEncryptionLevel) transport.PacketSpace {
	switch l {
	case tls.QUICEncryptionLevelHandshake:
		return transport.PacketSpaceHandshake
	case tls.QUICEncryptionLevelApplication, tls.QUICEncryptionLevelEarly:
		return transport.PacketSpaceApplication
	default:
		return transport.PacketSpaceInitial
	}
}

// SetTransportParams implements transport.TLSEngine.
func (e *Engine) SetTransportParams(raw []byte) {
	e.conn.SetTransportParameters(raw)
}

// PeerTransportParams implements transport.TLSEngine.
func (e *Engine) PeerTransportParams() []byte {
	return e.peerParams
}

// Secrets implements transport.TLSEngine.
func (e *Engine) Secrets(level transport.PacketSpace) (read, write []byte, ok bool) {
	p, ok := e.secrets[levelFromSpace(level)]
	if !ok {
		return nil, nil, false
	}
	return p.read, p.write, p.read != nil && p.write != nil
}

// Advance implements transport.TLSEngine: it feeds data into the
// handshake at level (starting the handshake on the first call,
// matching RFC 9000 section 7's expectation that the client produces
// its first flight unsolicited) and drains every event crypto/tls
// produced in response.
func (e *Engine) Advance(level transport.PacketSpace, data []byte) ([]transport.CryptoRecord, bool, error) {
	if !e.started {
		e.started = true
		if err := e.conn.Start(context.Background()); err != nil {
			return nil, false, err
		}
	}
	if len(data) > 0 {
		if err := e.conn.HandleData(levelFromSpace(level), data); err != nil {
			return nil, false, err
		}
	}

	var out []transport.CryptoRecord
	done := false
	for {
		ev := e.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return out, done, nil
		case tls.QUICSetReadSecret:
			p := e.secrets[ev.Level]
			p.read = append([]byte(nil), ev.Data...)
			e.secrets[ev.Level] = p
		case tls.QUICSetWriteSecret:
			p := e.secrets[ev.Level]
			p.write = append([]byte(nil), ev.Data...)
			e.secrets[ev.Level] = p
		case tls.QUICWriteData:
			out = append(out, transport.CryptoRecord{
				Level: spaceFromLevel(ev.Level),
				Data:  append([]byte(nil), ev.Data...),
			})
		case tls.QUICTransportParameters:
			e.peerParams = append([]byte(nil), ev.Data...)
		case tls.QUICTransportParametersRequired:
			// Connect always calls SetTransportParams before the first
			// Advance, so this event never fires in practice; nothing
			// further to supply if it did.
		case tls.QUICHandshakeDone:
			done = true
		}
	}
}

// ConnectionState exposes the negotiated ALPN protocol and peer
// certificates once the handshake completes, for callers that want to
// confirm what was actually negotiated.
func (e *Engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}
