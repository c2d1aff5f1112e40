package transport

import (
	"bytes"
	"strings"
	"time"
)

type connectionState uint8

const (
	stateAttempted connectionState = iota
	stateHandshake
	stateActive
	stateDraining
	stateClosed
)

const (
	minPayloadLength     = 4
	minInitialPacketSize = 1200
	maxPacketSize        = 65527
)

// Conn is a client-side QUIC connection: the state machine driving one
// handshake attempt and the 1-RTT traffic that follows, per RFC 9000.
// Server-side acceptance is out of scope; Connect always initializes a
// client.
type Conn struct {
	version Version

	scid  []byte
	dcid  []byte
	odcid []byte
	rscid []byte
	token []byte

	alpn            string
	connectDeadline time.Time

	packetNumberSpaces [PacketSpaceCount]packetNumberSpace
	streams             streamMap
	cids                cidManager

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	recovery  lossRecovery
	flow      flowControl

	state                 connectionState
	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	handshakeConfirmed    bool
	derivedInitialSecrets bool

	closeFrame *connectionCloseFrame

	// appFrames holds control frames awaiting transmission at the
	// Application encryption level that don't come from a per-space
	// buffer: NEW_CONNECTION_ID, RETIRE_CONNECTION_ID, MAX_DATA,
	// MAX_STREAM_DATA. A lost packet re-enqueues its frames here, which
	// is always safe since each is idempotent at the peer by sequence
	// number or by naming an absolute limit.
	appFrames []frame

	idleTimer     time.Time
	drainingTimer time.Time

	events []Event

	logEventFn func(LogEvent)
	metrics    *Metrics
}

// Connect creates a client connection with source connection ID scid
// (randomly generated if empty) per config, driving the handshake's
// ALPN selection and giving up after timeout if it never completes. A
// zero timeout means no deadline is enforced.
func Connect(scid []byte, alpn string, timeout time.Duration, config *Config) (*Conn, error) {
	if config == nil {
		return nil, newError(InvalidArgument, "config required")
	}
	if strings.TrimSpace(alpn) == "" {
		return nil, newError(InvalidArgument, "alpn must not be blank")
	}
	if len(scid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	s := &Conn{
		version:     config.Version,
		localParams: config.Params,
		alpn:        alpn,
		state:       stateAttempted,
		metrics:     config.Metrics,
	}
	s.handshake.init(s, config.TLS)
	now := time.Now()
	if timeout > 0 {
		s.connectDeadline = now.Add(timeout)
	}
	for i := range s.packetNumberSpaces {
		s.packetNumberSpaces[i].init()
	}
	s.streams.init(s.localParams.InitialMaxStreamsBidi, s.localParams.InitialMaxStreamsUni)
	s.recovery.congestion = config.congestion
	s.recovery.init(now)
	s.flow.init(s.localParams.InitialMaxData, 0)

	source := config.CIDSource
	if source == nil {
		source = randCIDSource{length: config.CIDLength}
	}
	if len(scid) > 0 {
		s.scid = append([]byte(nil), scid...)
	} else {
		cid, err := source.NewCID()
		if err != nil {
			return nil, err
		}
		s.scid = cid
	}
	s.localParams.InitialSourceCID = s.scid
	s.localParams.OriginalDestinationCID = nil
	s.localParams.RetrySourceCID = nil
	s.localParams.StatelessResetToken = nil

	randomDCID, err := randCIDSource{}.NewCID()
	if err != nil {
		return nil, err
	}
	s.dcid = randomDCID
	s.cids.init(source, s.scid, s.dcid)
	if err := s.deriveInitialKeyMaterial(s.dcid); err != nil {
		return nil, err
	}

	if config.Sink != nil {
		s.OnLogEvent(config.Sink.Handle)
	}

	s.handshake.setTransportParams(&s.localParams)
	out, err := s.handshake.start()
	if err != nil {
		return nil, err
	}
	for _, rec := range out {
		s.pendingCrypto(rec.Level, rec.Data)
	}
	if err := s.handshake.installKeys(s); err != nil {
		return nil, err
	}
	s.logConnectionStarted(now)
	return s, nil
}

func (s *Conn) deriveInitialKeyMaterial(dcid []byte) error {
	secrets := deriveInitialSecrets(dcid)
	space := &s.packetNumberSpaces[PacketSpaceInitial]
	// Client reads with the server secret, writes with the client secret.
	opener, err := newOpener(secrets.server)
	if err != nil {
		return err
	}
	sealer, err := newSealer(secrets.client)
	if err != nil {
		return err
	}
	space.opener = opener
	space.sealer = sealer
	s.derivedInitialSecrets = true
	return nil
}

// Write consumes received datagram bytes.
func (s *Conn) Write(b []byte) (int, error) {
	now := time.Now()
	n := 0
	for n < len(b) {
		if !s.drainingTimer.IsZero() || s.closeFrame != nil {
			break
		}
		i, err := s.recv(b[n:], now)
		if err != nil {
			return n, err
		}
		if i == 0 {
			break
		}
		n += i
	}
	s.checkTimeout(now)
	return n, nil
}

func (s *Conn) recv(b []byte, now time.Time) (int, error) {
	h, headerLen, err := decodeHeader(b, len(s.scid))
	if err != nil {
		return 0, err
	}
	switch h.typ {
	case packetTypeVersionNegotiation:
		return s.recvPacketVersionNegotiation(b, h, now)
	case packetTypeRetry:
		return s.recvPacketRetry(b, h, now)
	case packetTypeInitial:
		return s.recvPacketInitial(b, h, headerLen, now)
	case packetTypeHandshake:
		return s.recvPacketHandshake(b, h, headerLen, now)
	case packetTypeShort:
		return s.recvPacketShort(b, h, headerLen, now)
	default:
		return len(b), nil
	}
}

func (s *Conn) recvPacketVersionNegotiation(b []byte, h *packetHeader, now time.Time) (int, error) {
	if s.didVersionNegotiation || s.didRetry || s.gotPeerCID || s.state != stateAttempted ||
		!bytes.Equal(h.dcid, s.scid) || !bytes.Equal(h.scid, s.dcid) {
		s.logPacketDropped(h, now)
		return len(b), nil
	}
	var newVersion uint32
	for _, v := range h.supportedVersions {
		if v == uint32(s.version) {
			// A list naming the version in use is not a negotiation signal.
			s.logPacketDropped(h, now)
			return len(b), nil
		}
		if newVersion == 0 && versionSupported(v) && !Version(v).Before(MinVersion) {
			newVersion = v
		}
	}
	if newVersion == 0 {
		return 0, newError(UnknownVersion, "no supported version offered")
	}
	s.version = Version(newVersion)
	s.didVersionNegotiation = true
	s.gotPeerCID = false
	s.recovery.dropUnackedData(PacketSpaceInitial, &s.packetNumberSpaces[PacketSpaceInitial])
	s.packetNumberSpaces[PacketSpaceInitial].reset()
	s.handshake.setTransportParams(&s.localParams)
	s.logPacketReceived(h, now)
	return len(b), nil
}

func (s *Conn) recvPacketRetry(b []byte, h *packetHeader, now time.Time) (int, error) {
	if s.didRetry || s.gotPeerCID || s.state != stateAttempted ||
		!bytes.Equal(h.dcid, s.scid) || bytes.Equal(h.scid, s.dcid) {
		s.logPacketDropped(h, now)
		return len(b), nil
	}
	if len(h.token) == 0 {
		return 0, errInvalidToken
	}
	ok, err := verifyRetryIntegrityTag(s.dcid, b[:len(b)-16], h.retryIntegrityTag)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errInvalidToken
	}
	s.didRetry = true
	s.token = append([]byte(nil), h.token...)
	s.odcid = append([]byte(nil), s.dcid...)
	s.dcid = append([]byte(nil), h.scid...)
	s.rscid = s.dcid
	if err := s.deriveInitialKeyMaterial(s.dcid); err != nil {
		return 0, err
	}
	s.gotPeerCID = false
	// The ClientHello goes out again from offset 0; packet numbers keep counting.
	initial := &s.packetNumberSpaces[PacketSpaceInitial]
	var hello []byte
	for _, sp := range initial.sentPackets {
		for _, f := range sp.frames {
			if cf, ok := f.(*cryptoFrame); ok && cf.offset == uint64(len(hello)) {
				hello = append(hello, cf.data...)
			}
		}
	}
	hello = append(hello, initial.pendingCryptoOut...)
	nextPN := initial.nextPacketNumber
	s.recovery.dropUnackedData(PacketSpaceInitial, initial)
	initial.reset()
	initial.nextPacketNumber = nextPN
	initial.pendingCryptoOut = hello
	s.handshake.setTransportParams(&s.localParams)
	s.logPacketReceived(h, now)
	return len(b), nil
}

func (s *Conn) recvPacketInitial(b []byte, h *packetHeader, headerLen int, now time.Time) (int, error) {
	if s.gotPeerCID && (!bytes.Equal(h.dcid, s.scid) || !bytes.Equal(h.scid, s.dcid)) {
		s.logPacketDropped(h, now)
		return len(b), nil
	}
	if !s.gotPeerCID {
		if len(s.odcid) == 0 {
			s.odcid = append([]byte(nil), s.dcid...)
		}
		s.dcid = append([]byte(nil), h.scid...)
		s.gotPeerCID = true
	}
	return s.recvPacket(b, h, headerLen, PacketSpaceInitial, now)
}

func (s *Conn) recvPacketHandshake(b []byte, h *packetHeader, headerLen int, now time.Time) (int, error) {
	if !bytes.Equal(h.dcid, s.scid) || !bytes.Equal(h.scid, s.dcid) {
		s.logPacketDropped(h, now)
		return len(b), nil
	}
	return s.recvPacket(b, h, headerLen, PacketSpaceHandshake, now)
}

func (s *Conn) recvPacketShort(b []byte, h *packetHeader, headerLen int, now time.Time) (int, error) {
	if fresh, err := s.cids.useLocal(h.dcid); err == nil {
		for _, f := range fresh {
			s.appFrames = append(s.appFrames, f)
		}
	}
	return s.recvPacket(b, h, headerLen, PacketSpaceApplication, now)
}

func (s *Conn) recvPacket(b []byte, h *packetHeader, headerLen int, space PacketSpace, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canDecrypt() {
		s.logPacketDropped(h, now)
		return len(b), nil
	}
	if headerLen+4+16 > len(b) {
		return 0, newError(InvalidPacket, "packet too short to sample")
	}
	sample := b[headerLen+4 : headerLen+4+16]
	protected := append([]byte(nil), b[:headerLen+4]...)
	pnSpace.opener.unprotectHeader(protected, headerLen, sample)
	pnLen := int(protected[0]&0x3) + 1
	var packetNumber uint64
	for i := 0; i < pnLen; i++ {
		packetNumber = packetNumber<<8 | uint64(protected[headerLen+i])
	}
	aad := protected[:headerLen+pnLen]
	payload, err := pnSpace.opener.Open(nil, aad, b[headerLen+pnLen:], packetNumber)
	if err != nil {
		return 0, err
	}
	if pnSpace.isPacketReceived(packetNumber) {
		s.logPacketDropped(h, now)
		return len(b), nil
	}
	p := &packet{typ: h.typ, header: *h, packetNumber: packetNumber, payloadLen: len(payload)}
	s.logPacketReceived2(p, now)
	ackElicited, err := s.recvFrames(payload, space, now)
	if err != nil {
		return 0, err
	}
	s.processAckedPackets(space)
	pnSpace.onPacketReceived(packetNumber, ackElicited)
	if s.metrics != nil {
		s.metrics.onPacketReceived(space)
	}
	if s.localParams.MaxIdleTimeout > 0 {
		s.idleTimer = now.Add(s.localParams.MaxIdleTimeout)
	}
	return len(b), nil
}

func (s *Conn) recvFrames(b []byte, space PacketSpace, now time.Time) (bool, error) {
	ackElicited := false
	for len(b) > 0 {
		var typ uint64
		n := getVarint(b, &typ)
		if n == 0 {
			return false, newError(FrameEncodingError, "frame type")
		}
		var err error
		switch {
		case typ == frameTypePadding:
			var f paddingFrame
			n, err = f.decode(b)
		case typ == frameTypePing:
			n = 1
		case typ == frameTypeAck, typ == frameTypeAckECN:
			n, err = s.recvFrameAck(b, space, now)
		case typ == frameTypeResetStream:
			var f resetStreamFrame
			n, err = f.decode(b)
			if err == nil {
				s.addEvent(Event{Type: EventStreamReset, StreamID: f.streamID, ErrorCode: f.errorCode})
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeStopSending:
			var f stopSendingFrame
			n, err = f.decode(b)
			if err == nil {
				s.addEvent(Event{Type: EventStreamStop, StreamID: f.streamID, ErrorCode: f.errorCode})
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeCrypto:
			n, err = s.recvFrameCrypto(b, space, now)
		case typ == frameTypeNewToken:
			var f newTokenFrame
			n, err = f.decode(b)
			if err == nil {
				s.logFrameProcessed(&f, now)
			}
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			n, err = s.recvFrameStream(b, now)
		case typ == frameTypeMaxData:
			var f maxDataFrame
			n, err = f.decode(b)
			if err == nil {
				s.flow.onMaxDataFrame(f.maximumData)
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeMaxStreamData:
			n, err = s.recvFrameMaxStreamData(b, now)
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			var f maxStreamsFrame
			n, err = f.decode(b)
			if err == nil {
				if f.bidi {
					s.streams.maxStreamsBidi = f.maximumStreams
				} else {
					s.streams.maxStreamsUni = f.maximumStreams
				}
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeDataBlocked:
			var f dataBlockedFrame
			n, err = f.decode(b)
			if err == nil {
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeStreamDataBlocked:
			var f streamDataBlockedFrame
			n, err = f.decode(b)
			if err == nil {
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			var f streamsBlockedFrame
			n, err = f.decode(b)
			if err == nil {
				s.logFrameProcessed(&f, now)
			}
		case typ == frameTypeNewConnectionID:
			n, err = s.recvFrameNewConnectionID(b, now)
		case typ == frameTypeRetireConnectionID:
			var f retireConnectionIdFrame
			n, err = f.decode(b)
			if err == nil {
				err = s.cids.handleRetireConnectionID(&f)
				if err == nil {
					if fresh, ferr := s.cids.issueLocalIDs(); ferr == nil {
						for _, nf := range fresh {
							s.appFrames = append(s.appFrames, nf)
						}
					}
					s.logFrameProcessed(&f, now)
				}
			}
		case typ == frameTypePathChallenge:
			var f pathChallengeFrame
			n, err = f.decode(b)
		case typ == frameTypePathResponse:
			var f pathResponseFrame
			n, err = f.decode(b)
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			n, err = s.recvFrameConnectionClose(b, now)
		case typ == frameTypeHanshakeDone:
			n, err = s.recvFrameHandshakeDone(b, now)
		default:
			return false, newError(FrameEncodingError, "unsupported frame")
		}
		if err != nil {
			return false, err
		}
		if !ackElicited {
			ackElicited = isFrameAckEliciting(typ)
		}
		b = b[n:]
	}
	return ackElicited, nil
}

func (s *Conn) recvFrameAck(b []byte, space PacketSpace, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(FrameEncodingError, "invalid ack ranges")
	}
	ackDelay := time.Duration((uint64(1)<<s.peerParams.AckDelayExponent)*f.ackDelay) * time.Microsecond
	pnSpace := &s.packetNumberSpaces[space]
	_, anyNew := s.recovery.onAckReceived(pnSpace, ranges, ackDelay, now)
	if anyNew {
		lost := s.recovery.detectLostPackets(space, pnSpace, ranges.largest(), now)
		s.handleLostPackets(space, lost, now)
		if s.metrics != nil {
			s.metrics.onRTTUpdate(s.recovery.srtt.Seconds())
		}
	}
	if space == PacketSpaceApplication && s.state == stateActive && !s.handshakeConfirmed {
		s.dropPacketSpace(PacketSpaceHandshake)
		s.handshakeConfirmed = true
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// handleLostPackets re-enqueues the retransmittable frames a declared-lost
// packet carried and reports the loss through qlog and metrics. Per RFC
// 9002 section 2, a packet whose only frame is CONNECTION_CLOSE never
// reaches here as an in-flight packet in the first place (recorded with
// inFlight=false), so it can never be reported lost.
func (s *Conn) handleLostPackets(space PacketSpace, lost []sentPacket, now time.Time) {
	if len(lost) == 0 {
		return
	}
	pnSpace := &s.packetNumberSpaces[space]
	for _, sp := range lost {
		for _, fr := range sp.frames {
			switch tf := fr.(type) {
			case *cryptoFrame:
				pnSpace.pendingCryptoOut = append(append([]byte(nil), tf.data...), pnSpace.pendingCryptoOut...)
				if tf.offset < pnSpace.cryptoSendOffset {
					pnSpace.cryptoSendOffset = tf.offset
				}
			case *newConnectionIdFrame, *retireConnectionIdFrame, *maxDataFrame, *maxStreamDataFrame:
				s.appFrames = append(s.appFrames, fr)
			}
		}
		s.logPacketLost(space, sp, now)
	}
	s.metrics.onPacketsLost(space, len(lost))
}

func (s *Conn) recvFrameCrypto(b []byte, space PacketSpace, now time.Time) (int, error) {
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if s.handshake.engine != nil {
		out, done, err := s.handshake.engine.Advance(space, f.data)
		if err != nil {
			return 0, err
		}
		for _, rec := range out {
			s.pendingCrypto(rec.Level, rec.Data)
		}
		if err := s.handshake.installKeys(s); err != nil {
			return 0, err
		}
		if done {
			if err := s.completeHandshake(); err != nil {
				return 0, err
			}
		}
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// pendingCrypto stages outgoing CRYPTO bytes the TLS engine produced;
// send drains this buffer when building the next packet in that space.
func (s *Conn) pendingCrypto(space PacketSpace, data []byte) {
	sp := &s.packetNumberSpaces[space]
	sp.pendingCryptoOut = append(sp.pendingCryptoOut, data...)
}

func (s *Conn) completeHandshake() error {
	raw := s.handshake.engine.PeerTransportParams()
	params, err := ParseParameters(raw)
	if err != nil {
		s.closeImmediately(err)
		return err
	}
	if err := params.validateAgainstRetry(s.odcid, s.dcid, s.rscid, s.didRetry); err != nil {
		s.closeImmediately(err)
		return err
	}
	s.flow.onMaxDataFrame(params.InitialMaxData)
	s.streams.maxStreamsBidi = params.InitialMaxStreamsBidi
	s.streams.maxStreamsUni = params.InitialMaxStreamsUni
	s.recovery.maxAckDelay = params.MaxAckDelay
	s.cids.setPeerActiveConnIDLimit(params.ActiveConnectionIDLimit)
	s.peerParams = *params
	s.state = stateActive
	if frames, err := s.cids.issueLocalIDs(); err == nil {
		for _, f := range frames {
			s.appFrames = append(s.appFrames, f)
		}
	}
	return nil
}

// closeImmediately arms a CONNECTION_CLOSE carrying err's transport error
// code, to be sent the next time an encryptable space is drained. Used
// for violations the peer must learn about synchronously, such as a bad
// transport parameter (RFC 9000 section 7.4.2: TRANSPORT_PARAMETER_ERROR).
func (s *Conn) closeImmediately(err error) {
	if s.closeFrame != nil {
		return
	}
	code := uint64(InternalError.transportErrorCode())
	msg := err.Error()
	if te, ok := err.(*Error); ok {
		code = te.Kind.transportErrorCode()
	}
	s.closeFrame = newConnectionCloseFrame(code, 0, []byte(msg), false)
}

func (s *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if err := s.flow.onRecv(0, uint64(len(f.data))); err != nil {
		return 0, err
	}
	st, err := s.getOrCreateStream(f.streamID)
	if err != nil {
		return 0, err
	}
	if err := st.recv.onRecv(f.offset, uint64(len(f.data))); err != nil {
		return 0, err
	}
	if f.fin {
		st.recvFin = true
	}
	// This engine has no internal byte buffer to drain (see the Stream
	// doc comment), so received bytes are treated as consumed the
	// instant they arrive; that's what actually slides the receive
	// window forward and owes the peer a MAX_DATA/MAX_STREAM_DATA.
	s.flow.onConsumed(uint64(len(f.data)))
	if s.flow.shouldUpdateMax() {
		s.appFrames = append(s.appFrames, newMaxDataFrame(s.flow.nextMax()))
	}
	st.recv.onConsumed(uint64(len(f.data)))
	if st.recv.shouldUpdateMax() {
		s.appFrames = append(s.appFrames, newMaxStreamDataFrame(f.streamID, st.recv.nextMax()))
	}
	s.addEvent(Event{Type: EventStreamReadable, StreamID: f.streamID})
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if st, ok := s.streams.get(f.streamID); ok {
		st.send.onMaxDataFrame(f.maximumData)
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameNewConnectionID(b []byte, now time.Time) (int, error) {
	var f newConnectionIdFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	retire, err := s.cids.handleNewConnectionID(&f)
	if err != nil {
		return 0, err
	}
	for _, rf := range retire {
		s.appFrames = append(s.appFrames, rf)
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// recvFrameConnectionClose handles a peer-initiated close. Per the
// design notes (section 4.2/4.3), an endpoint still Connected owes the
// peer exactly one reply CONNECTION_CLOSE before moving to Draining; an
// endpoint that already armed its own close (closeFrame != nil, whether
// from a local Close() or an earlier immediate-close) never replies
// again, since only one CONNECTION_CLOSE is owed per direction.
func (s *Conn) recvFrameConnectionClose(b []byte, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if s.closeFrame == nil && s.state == stateActive {
		s.closeFrame = newConnectionCloseFrame(0, 0, nil, false)
	}
	s.state = stateDraining
	if s.closeFrame == nil {
		// Otherwise send() starts the draining period once the armed
		// close frame has actually gone out.
		s.setDraining(now)
	}
	s.addEvent(Event{Type: EventConnClose, ErrorCode: f.errorCode})
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameHandshakeDone(b []byte, now time.Time) (int, error) {
	var f handshakeDoneFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if s.state == stateActive && !s.handshakeConfirmed {
		s.dropPacketSpace(PacketSpaceHandshake)
		s.handshakeConfirmed = true
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// processAckedPackets releases retransmission bookkeeping for frames the
// peer just acknowledged. Acked packets were already removed from
// sentPackets by recovery.onAckReceived; this engine's minimal Stream
// model (see stream.go) has no per-frame retransmission buffer to
// release beyond that.
//
// This is not a gap for handleLostPackets' retransmit switch: the only
// frame types Conn itself ever places in a sent packet's frames list are
// cryptoFrame, newConnectionIdFrame, retireConnectionIdFrame,
// maxDataFrame and maxStreamDataFrame (appFrames and pendingCryptoOut are
// the only sources), and handleLostPackets re-enqueues exactly those
// five. streamFrame, resetStreamFrame, stopSendingFrame and
// maxStreamsFrame are decoded on receipt but never constructed for
// sending by this client, so there is nothing of that kind a lost packet
// could silently drop.
func (s *Conn) processAckedPackets(space PacketSpace) {}

// Read produces up to len(b) bytes of the next outgoing packet, or
// (0, nil) if there is nothing to send right now.
func (s *Conn) Read(b []byte) (int, error) {
	now := time.Now()
	if !s.drainingTimer.IsZero() {
		return 0, nil
	}
	space := s.writeSpace()
	if space == PacketSpaceCount {
		return 0, nil
	}
	return s.send(b, space, now)
}

func (s *Conn) send(b []byte, space PacketSpace, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canEncrypt() {
		return 0, newError(InternalError, "cannot encrypt space")
	}
	var frames []frame
	ackIncluded := false

	if s.closeFrame != nil {
		frames = append(frames, s.closeFrame)
		s.setDraining(now)
	} else if s.state < stateDraining {
		// Only build an ACK when this space actually owes one (a
		// received packet carried an ack-eliciting frame); otherwise
		// recvPacketNums staying non-empty would make this fire forever.
		if pnSpace.ackElicited {
			if f := newAckFrame(0, pnSpace.recvPacketNums); f != nil {
				frames = append(frames, f)
				ackIncluded = true
			}
		}
		// Congestion-controlled data (CRYPTO and the application frames
		// queued in appFrames) only goes out while the window has room;
		// an ACK or a close is never blocked by congestion control.
		canSendData := s.recovery.canSend(s.maxPacketSize())
		if canSendData && len(pnSpace.pendingCryptoOut) > 0 {
			f := newCryptoFrame(pnSpace.pendingCryptoOut, pnSpace.cryptoSendOffset)
			frames = append(frames, f)
			pnSpace.cryptoSendOffset += uint64(len(pnSpace.pendingCryptoOut))
			pnSpace.pendingCryptoOut = nil
		}
		if canSendData && space == PacketSpaceApplication && len(s.appFrames) > 0 {
			frames = append(frames, s.appFrames...)
			s.appFrames = nil
		}
	}
	if len(frames) == 0 {
		return 0, nil
	}

	payloadLen := 0
	for _, f := range frames {
		payloadLen += f.encodedLen()
	}
	if payloadLen < minPayloadLength {
		frames = append(frames, newPaddingFrame(minPayloadLength-payloadLen))
		payloadLen = minPayloadLength
	}
	if space == PacketSpaceInitial {
		// Client Initial packets are padded to minInitialPacketSize
		// (RFC 9000 section 14.1); 16 is the AEAD tag.
		overhead := len(s.encodeHeader(space, 0, minInitialPacketSize)) + 16
		if pad := minInitialPacketSize - overhead - payloadLen; pad > 0 {
			frames = append(frames, newPaddingFrame(pad))
			payloadLen += pad
		}
	}

	pn := pnSpace.nextSendPacketNumber()
	headerBuf := s.encodeHeader(space, pn, payloadLen)
	if len(headerBuf)+payloadLen+16 > len(b) {
		return 0, errShortBuffer
	}
	frameBuf := make([]byte, payloadLen)
	fn, err := encodeFrames(frameBuf, frames)
	if err != nil {
		return 0, err
	}
	frameBuf = frameBuf[:fn]

	sealed := pnSpace.sealer.Seal(append([]byte(nil), headerBuf...), headerBuf, frameBuf, pn)
	if len(sealed) > len(b) {
		return 0, errShortBuffer
	}
	n := copy(b, sealed)

	// Apply header protection over the packet number using a sample of
	// ciphertext taken 4 bytes after it, per RFC 9001 section 5.4.2. The
	// packet number is always encoded 4 bytes wide by encodeHeader.
	const pnLen = 4
	pnOffset := len(headerBuf) - pnLen
	sampleOffset := pnOffset + pnLen
	if sampleOffset+16 > n {
		return 0, errShortBuffer
	}
	pnSpace.sealer.protectHeader(b[:n], pnOffset, pnLen, b[sampleOffset:sampleOffset+16])

	// Ack-eliciting excludes PADDING, ACK and CONNECTION_CLOSE (section
	// 4.4 of the design notes / RFC 9002 section 2): a packet made up
	// only of those never needs a reply, and one carrying only
	// CONNECTION_CLOSE must not hold congestion-window credit either,
	// since nothing will ever retransmit it.
	ackEliciting := false
	for _, f := range frames {
		switch f.(type) {
		case *paddingFrame, *ackFrame, *connectionCloseFrame:
			continue
		}
		ackEliciting = true
		break
	}
	s.recovery.onPacketSent(space, pnSpace, sentPacket{
		packetNumber: pn, sentTime: now, sentBytes: n,
		ackEliciting: ackEliciting, inFlight: ackEliciting, frames: frames,
	})
	if ackIncluded {
		// The owed ACK just went out covering every packet number seen so
		// far in this space; clear the obligation and drop the now-stale
		// ranges so ready() goes false instead of sending ACK-only
		// packets forever.
		pnSpace.ackElicited = false
		pnSpace.recvPacketNums.removeUntil(pnSpace.largestRecvPN)
	}
	if s.metrics != nil {
		s.metrics.onPacketSent(space, s.recovery.bytesInFlight)
		s.metrics.onWindowUpdate(s.recovery.congestion.Window(), s.recovery.congestion.Ssthresh())
	}
	s.logPacketSent(space, pn, frames, now)
	return n, nil
}

// encodeHeader writes a long- or short-header prefix for space, with the
// packet number always encoded 4 bytes wide in cleartext (send applies
// header protection afterward, once a ciphertext sample is available).
// payloadLen is the plaintext frame payload size, used to compute the
// long-header Length field covering packet number plus AEAD-sealed
// payload, per RFC 9000 section 17.2.
func (s *Conn) encodeHeader(space PacketSpace, pn uint64, payloadLen int) []byte {
	var b []byte
	const pnLen = 4
	switch space {
	case PacketSpaceInitial, PacketSpaceHandshake:
		b = append(b, headerFormLong|headerFixedBit|0x3)
		if space == PacketSpaceHandshake {
			b[0] |= longTypeHandshake << 4
		} else {
			b[0] |= longTypeInitial << 4
		}
		ver := make([]byte, 4)
		putUint32(ver, uint32(s.version))
		b = append(b, ver...)
		b = append(b, byte(len(s.dcid)))
		b = append(b, s.dcid...)
		b = append(b, byte(len(s.scid)))
		b = append(b, s.scid...)
		if space == PacketSpaceInitial {
			tokLen := make([]byte, varintLen(uint64(len(s.token))))
			putVarint(tokLen, uint64(len(s.token)))
			b = append(b, tokLen...)
			b = append(b, s.token...)
		}
		remaining := uint64(pnLen + payloadLen + 16)
		lenBuf := make([]byte, varintLen(remaining))
		putVarint(lenBuf, remaining)
		b = append(b, lenBuf...)
		pnBuf := make([]byte, pnLen)
		putUint32(pnBuf, uint32(pn))
		b = append(b, pnBuf...)
	default:
		b = append(b, headerFixedBit|0x3)
		b = append(b, s.dcid...)
		pnBuf := make([]byte, pnLen)
		putUint32(pnBuf, uint32(pn))
		b = append(b, pnBuf...)
	}
	return b
}

func (s *Conn) writeSpace() PacketSpace {
	// A pending CONNECTION_CLOSE must go out even when nothing else is
	// buffered, at the most advanced encryptable space so it carries the
	// keys the peer is most likely to still hold (RFC 9000 section
	// 10.2.3): Application once active, Handshake during the handshake
	// once those keys exist, Initial otherwise.
	if s.closeFrame != nil {
		for i := PacketSpaceCount - 1; i >= PacketSpaceInitial; i-- {
			if i == PacketSpaceApplication && s.state < stateActive {
				continue
			}
			if s.packetNumberSpaces[i].canEncrypt() {
				return i
			}
		}
		return PacketSpaceCount
	}
	for i := PacketSpaceInitial; i < PacketSpaceCount; i++ {
		if i == PacketSpaceApplication && s.state < stateActive {
			continue
		}
		if s.packetNumberSpaces[i].ready() {
			return i
		}
	}
	return PacketSpaceCount
}

func (s *Conn) maxPacketSize() int {
	if s.state >= stateActive && s.peerParams.MaxUDPPayloadSize > 0 {
		n := int(s.peerParams.MaxUDPPayloadSize)
		if n >= minInitialPacketSize && n <= maxPacketSize {
			return n
		}
	}
	return minInitialPacketSize
}

// Timeout returns the duration until the connection next needs
// checkTimeout called, grounded on the earlier of the idle timer and
// the PTO deadline across all active spaces.
func (s *Conn) Timeout() time.Duration {
	now := time.Now()
	var deadline time.Time
	if !s.idleTimer.IsZero() {
		deadline = s.idleTimer
	}
	for i := PacketSpaceInitial; i < PacketSpaceCount; i++ {
		pto := s.recovery.ptoDeadline(i)
		if !pto.IsZero() && (deadline.IsZero() || pto.Before(deadline)) {
			deadline = pto
		}
		// loss_time also needs checkTimeout re-invoked at the instant a
		// time-threshold-only packet's grace period elapses, since
		// nothing else would otherwise re-run detectLostPackets for it.
		lt := s.recovery.lossTimeDeadline(i)
		if !lt.IsZero() && (deadline.IsZero() || lt.Before(deadline)) {
			deadline = lt
		}
	}
	if deadline.IsZero() {
		return -1
	}
	if deadline.Before(now) {
		return 0
	}
	return deadline.Sub(now)
}

// Tick drives time-based connection maintenance: the connect deadline,
// idle timeout and PTO expiry. A driving loop should call it whenever
// Timeout() elapses without a datagram having arrived in the meantime,
// since Write only checks these deadlines as a side effect of receiving.
func (s *Conn) Tick() {
	s.checkTimeout(time.Now())
}

func (s *Conn) checkTimeout(now time.Time) {
	if s.state < stateActive && !s.connectDeadline.IsZero() && !now.Before(s.connectDeadline) {
		s.releaseOnTimeout()
		s.addEvent(Event{Type: EventConnTimeout})
		return
	}
	if !s.idleTimer.IsZero() && !now.Before(s.idleTimer) {
		s.state = stateClosed
		s.addEvent(Event{Type: EventConnClose, ErrorCode: 0})
		return
	}
	if !s.drainingTimer.IsZero() && !now.Before(s.drainingTimer) {
		s.state = stateClosed
		return
	}
	for i := PacketSpaceInitial; i < PacketSpaceCount; i++ {
		deadline := s.recovery.ptoDeadline(i)
		if !deadline.IsZero() && !now.Before(deadline) {
			s.recovery.onPTOTimeout()
		}
		pnSpace := &s.packetNumberSpaces[i]
		if lt := s.recovery.lossTimeDeadline(i); !lt.IsZero() && !now.Before(lt) {
			lost := s.recovery.detectLostPackets(i, pnSpace, pnSpace.largestPeerAcked, now)
			s.handleLostPackets(i, lost, now)
		}
	}
}

// releaseOnTimeout tears down a connect attempt that never completed the
// handshake in time: every packet-number space's in-flight bookkeeping
// is dropped and the connection moves straight to Closed, per the
// cancellation semantics in the design notes (no CONNECTION_CLOSE is
// owed — the peer, if any, never finished validating us).
func (s *Conn) releaseOnTimeout() {
	for i := range s.packetNumberSpaces {
		s.recovery.dropUnackedData(PacketSpace(i), &s.packetNumberSpaces[i])
		s.packetNumberSpaces[i].sealer = nil
		s.packetNumberSpaces[i].opener = nil
		s.packetNumberSpaces[i].dropped = true
	}
	s.state = stateClosed
}

// Close starts a locally initiated connection close with the given
// application (app=true) or transport error code and reason.
func (s *Conn) Close(app bool, errCode uint64, reason string) {
	if s.closeFrame != nil {
		return
	}
	s.closeFrame = newConnectionCloseFrame(errCode, 0, []byte(reason), app)
}

func (s *Conn) IsEstablished() bool { return s.state >= stateActive }
func (s *Conn) IsClosed() bool      { return s.state == stateClosed }

// SourceCID returns the connection ID this endpoint is currently known
// by, for attaching to log lines and keying multi-connection maps.
func (s *Conn) SourceCID() []byte { return s.scid }

// Events drains pending connection events into events, returning the
// filled slice.
func (s *Conn) Events(events []Event) []Event {
	events = append(events, s.events...)
	s.events = s.events[:0]
	return events
}

func (s *Conn) Stream(id uint64) (*Stream, error) {
	st, ok := s.streams.get(id)
	if !ok {
		return nil, newError(StreamStateError, "unknown stream")
	}
	return st, nil
}

// getOrCreateStream looks up a peer-initiated stream named by an
// incoming STREAM frame, creating its bookkeeping on first reference.
// Flow control credit always flows from receiver to sender: the send
// budget this side gets is the window the peer (as receiver) granted in
// its own transport parameters; the recv budget is what this side (as
// receiver) already promised in its own, for streams it did not
// initiate.
func (s *Conn) getOrCreateStream(id uint64) (*Stream, error) {
	if st, ok := s.streams.get(id); ok {
		return st, nil
	}
	sendMax := s.peerParams.InitialMaxStreamDataBidiLocal
	recvMax := s.localParams.InitialMaxStreamDataBidiRemote
	if !isBidiStream(id) {
		sendMax = 0
		recvMax = s.localParams.InitialMaxStreamDataUni
	}
	// A misconfigured local transport parameter could promise a stream
	// more than the connection-wide window has left; clamp the grant
	// through the same rule section 4.6 uses for later MAX_STREAM_DATA
	// increases, so the two never disagree.
	recvMax = increaseFlowControlLimit(&flowControl{recvWindow: recvMax}, &s.flow, recvMax)
	return s.streams.create(id, sendMax, recvMax), nil
}

// CreateStream opens a new stream initiated by this endpoint, returning
// a handle while the peer's initial_max_streams limit for that direction
// allows another one, and a StreamLimitError past it. Client-initiated
// IDs start at 0 (bidi) or 2 (uni) and advance by 4 per RFC 9000 section
// 2.1; the low two bits then already encode (client-initiated, bidi).
func (s *Conn) CreateStream(bidi bool) (*Stream, error) {
	if bidi {
		count := s.streams.nextBidi / 4
		if count >= s.peerParams.InitialMaxStreamsBidi {
			return nil, newError(StreamLimitError, "bidirectional stream limit reached")
		}
		id := s.streams.nextBidi
		s.streams.nextBidi += 4
		sendMax := s.peerParams.InitialMaxStreamDataBidiRemote
		recvMax := s.localParams.InitialMaxStreamDataBidiLocal
		return s.streams.create(id, sendMax, recvMax), nil
	}
	count := s.streams.nextUni / 4
	if count >= s.peerParams.InitialMaxStreamsUni {
		return nil, newError(StreamLimitError, "unidirectional stream limit reached")
	}
	id := 2 + s.streams.nextUni
	s.streams.nextUni += 4
	return s.streams.create(id, 0, 0), nil
}

func (s *Conn) dropPacketSpace(space PacketSpace) {
	sp := &s.packetNumberSpaces[space]
	s.recovery.dropUnackedData(space, sp)
	sp.sealer = nil
	sp.opener = nil
	sp.dropped = true
}

func (s *Conn) addEvent(e Event) {
	s.events = append(s.events, e)
}

func (s *Conn) setDraining(now time.Time) {
	if s.drainingTimer.IsZero() {
		pto := s.recovery.ptoPeriod()
		s.drainingTimer = now.Add(3 * pto)
	}
}

// OnLogEvent registers fn to receive every qlog-shaped event this
// connection produces.
func (s *Conn) OnLogEvent(fn func(LogEvent)) {
	s.logEventFn = fn
}

func (s *Conn) logPacketDropped(h *packetHeader, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	e := newLogEvent(now, logEventPacketDropped)
	e.addField("packet_type", h.typ.String())
	s.logEventFn(e)
}

func (s *Conn) logPacketReceived(h *packetHeader, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	e := newLogEvent(now, logEventPacketReceived)
	e.addField("packet_type", h.typ.String())
	s.logEventFn(e)
}

func (s *Conn) logPacketReceived2(p *packet, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	s.logEventFn(newLogEventPacket(now, logEventPacketReceived, p))
}

func (s *Conn) logPacketSent(space PacketSpace, pn uint64, frames []frame, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	p := &packet{typ: packetTypeFromSpace(space), packetNumber: pn}
	e := newLogEventPacket(now, logEventPacketSent, p)
	s.logEventFn(e)
	for _, f := range frames {
		s.logFrameProcessed(f, now)
	}
}

// logPacketLost emits a recovery:packet_lost qlog event for a packet the
// loss detector just declared lost in space.
func (s *Conn) logPacketLost(space PacketSpace, sp sentPacket, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	p := &packet{typ: packetTypeFromSpace(space), packetNumber: sp.packetNumber, payloadLen: sp.sentBytes}
	s.logEventFn(newLogEventPacket(now, logEventPacketLost, p))
}

// logConnectionStarted emits the connectivity:connection_started event
// once, right after Connect assembles the first Initial.
func (s *Conn) logConnectionStarted(now time.Time) {
	if s.logEventFn == nil {
		return
	}
	e := newLogEvent(now, logEventConnectionStarted)
	e.addField("dcid", s.dcid)
	e.addField("scid", s.scid)
	e.addField("alpn", s.alpn)
	s.logEventFn(e)
}

func (s *Conn) logFrameProcessed(f frame, now time.Time) {
	if s.logEventFn == nil {
		return
	}
	s.logEventFn(newLogEventFrame(now, logEventFramesProcessed, f))
}
