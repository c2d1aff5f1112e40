package transport

import "strings"

// Config configures a client connection. Use NewBuilder to construct one
// with defaults filled in rather than building a Config literal, so new
// fields default sanely as this engine grows.
type Config struct {
	Version Version
	Params  Parameters
	TLS     TLSEngine

	CIDSource CIDSource
	CIDLength int
	Metrics   *Metrics
	Sink      Sink

	// Addr is the authority (host:port) WithURI configured, for callers
	// that want the peer address to travel with the rest of the dial
	// configuration instead of as a separate Connect argument.
	Addr string

	congestion CongestionController
}

// Builder constructs a Config through a fluent, validated interface,
// mirroring the teacher's constructor-injection style: every collaborator
// (TLS engine, CID source, congestion controller) is supplied explicitly
// rather than reached for via a global, which keeps Conn constructible in
// tests without a real socket or real TLS stack.
type Builder struct {
	cfg Config
	err error
}

// NewBuilder starts a Config with this engine's defaults.
func NewBuilder() *Builder {
	return &Builder{cfg: Config{
		Version:   DefaultVersion,
		Params:    DefaultParameters(),
		CIDLength: 4,
	}}
}

func (b *Builder) WithVersion(v Version) *Builder {
	if !versionSupported(uint32(v)) {
		b.err = newError(UnknownVersion, v.String())
		return b
	}
	if v.Before(MinVersion) {
		b.err = newError(InvalidArgument, "version "+v.String()+" is below the minimum supported version")
		return b
	}
	b.cfg.Version = v
	return b
}

func (b *Builder) WithParameters(p Parameters) *Builder {
	b.cfg.Params = p
	return b
}

func (b *Builder) WithTLSEngine(e TLSEngine) *Builder {
	b.cfg.TLS = e
	return b
}

func (b *Builder) WithCIDSource(s CIDSource) *Builder {
	b.cfg.CIDSource = s
	return b
}

// WithConnectionIDLength sets the length of the client-generated source
// connection ID the default CIDSource produces when WithCIDSource isn't
// used, per RFC 9000 section 7.2 (0..20 bytes; 0 means "let the engine
// pick", currently MaxCIDLength). It has no effect if WithCIDSource
// supplies a custom source, since that source owns its own ID shape.
func (b *Builder) WithConnectionIDLength(n int) *Builder {
	if n < 0 || n > MaxCIDLength {
		b.err = newError(InvalidArgument, "connection id length out of range")
		return b
	}
	b.cfg.CIDLength = n
	return b
}

// WithLogger registers sink to receive this connection's qlog-shaped
// event stream once connected, equivalent to calling Conn.OnLogEvent
// after Connect but expressed as connection-time configuration.
func (b *Builder) WithLogger(sink Sink) *Builder {
	b.cfg.Sink = sink
	return b
}

// WithURI sets the peer authority (host:port) to dial, so it travels
// with the rest of the connection configuration rather than as a
// separate argument threaded through to Connect.
func (b *Builder) WithURI(authority string) *Builder {
	if !strings.Contains(authority, ":") {
		b.err = newError(InvalidArgument, "uri must include a port")
		return b
	}
	b.cfg.Addr = authority
	return b
}

func (b *Builder) WithMetrics(m *Metrics) *Builder {
	b.cfg.Metrics = m
	return b
}

func (b *Builder) WithCongestionController(c CongestionController) *Builder {
	b.cfg.congestion = c
	return b
}

// Build validates and returns the assembled Config.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.cfg.TLS == nil {
		return nil, newError(InvalidArgument, "TLS engine required")
	}
	cfg := b.cfg
	return &cfg, nil
}
