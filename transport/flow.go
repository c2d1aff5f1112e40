package transport

// flowControl tracks one direction's send/receive credit, usable both
// for the connection-wide limit and for a single stream's limit — the
// struct is identical in both cases, per RFC 9000 section 4.
type flowControl struct {
	// Send side: how much we are permitted to send, and how much we
	// already have.
	sendMax  uint64
	sendOff  uint64
	// When true, blockedAt reports not blocked. onSend clears it; nothing
	// in this package sets it.
	blockedSent bool

	// Receive side: how much the peer is allowed to send us, and how
	// much of that it's used so far. recvMax grows as the application
	// consumes bytes; a MAX_DATA/MAX_STREAM_DATA update is owed once
	// cumulative unadvertised consumption reaches recvWindow (the
	// flow_control_increment), per RFC 9000 section 4.1.
	recvMax      uint64
	recvOff      uint64
	recvConsumed uint64
	recvWindow   uint64 // the flow_control_increment this side was configured with
	recvSent     uint64 // last recvMax value actually announced to the peer
	recvBase     uint64 // recvConsumed as of the last announcement
}

func (f *flowControl) init(recvMax, sendMax uint64) {
	f.recvMax = recvMax
	f.recvWindow = recvMax
	f.recvSent = recvMax
	f.sendMax = sendMax
}

// canSend reports whether n additional bytes fit under the current send
// credit.
func (f *flowControl) canSend(n uint64) bool {
	return f.sendOff+n <= f.sendMax
}

// blockedAt reports the offset a peer should be told we're blocked at,
// or 0, ok=false if we aren't blocked.
func (f *flowControl) blockedAt() (uint64, bool) {
	if f.sendOff < f.sendMax || f.blockedSent {
		return 0, false
	}
	return f.sendMax, true
}

// onSend records n freshly sent bytes against the send credit.
func (f *flowControl) onSend(n uint64) error {
	if !f.canSend(n) {
		return errFlowControl
	}
	f.sendOff += n
	f.blockedSent = false
	return nil
}

// onMaxDataFrame applies a peer-announced increase to our send credit.
// Per RFC 9000 section 4.1, a MAX_DATA/MAX_STREAM_DATA that doesn't
// increase the limit is simply ignored, never an error.
func (f *flowControl) onMaxDataFrame(max uint64) {
	if max > f.sendMax {
		f.sendMax = max
	}
}

// onRecv records n freshly received bytes, reporting a flow-control
// violation if the peer exceeded the announced limit.
func (f *flowControl) onRecv(off, n uint64) error {
	end := off + n
	if end > f.recvMax {
		return errFlowControl
	}
	if end > f.recvOff {
		f.recvOff = end
	}
	return nil
}

// onConsumed marks bytes as delivered to the application, which is what
// actually allows the receive window to slide forward.
func (f *flowControl) onConsumed(n uint64) {
	f.recvConsumed += n
}

// shouldUpdateMax reports whether a MAX_DATA/MAX_STREAM_DATA update is
// due: cumulative consumption since the last advertisement has reached
// flow_control_increment (recvWindow), per the threshold-crossing rule
// in section 4.6. A delta smaller than one increment never triggers
// this; several small deltas that together cross the threshold do.
func (f *flowControl) shouldUpdateMax() bool {
	return f.recvConsumed-f.recvBase >= f.recvWindow
}

// nextMax computes the new limit to announce, sliding the window
// forward by what's been consumed, and resets the baseline so the next
// update is only owed after another full increment is consumed.
func (f *flowControl) nextMax() uint64 {
	newMax := f.recvConsumed + f.recvWindow
	if newMax > f.recvMax {
		f.recvMax = newMax
	}
	f.recvBase = f.recvConsumed
	f.recvSent = f.recvMax
	return f.recvMax
}

// remainingConnectionCredit reports how much more this side may still
// advertise before exhausting its own configured ceiling, used by
// increaseFlowControlLimit to cap a per-stream grant at what the
// connection-level window has left.
func (f *flowControl) remainingConnectionCredit() uint64 {
	if f.recvConsumed >= f.recvMax {
		return 0
	}
	return f.recvMax - f.recvConsumed
}

// increaseFlowControlLimit computes how large a grant a single stream's
// receive window may be increased to, per section 4.6:
// min(desired, the stream's own configured ceiling, the connection's
// remaining receive credit). conn is the connection-level flowControl
// the stream's credit is drawn from.
func increaseFlowControlLimit(stream, conn *flowControl, desired uint64) uint64 {
	limit := desired
	if stream.recvWindow > 0 && stream.recvWindow < limit {
		limit = stream.recvWindow
	}
	if remaining := conn.remainingConnectionCredit(); remaining < limit {
		limit = remaining
	}
	return limit
}
