package transport

import "time"

// Loss detection constants, RFC 9002 sections 6.1.2 and 6.2.
const (
	packetThreshold     = 3
	granularity         = 1 * time.Millisecond
	initialRTT          = 333 * time.Millisecond
	timeThresholdNum    = 9
	timeThresholdDen    = 8
	maxPTOBackoff       = 1 << 6
)

// lossRecovery is the per-connection loss detector and PTO scheduler. It
// is kept free of any direct reference to Conn: Conn drives it by
// calling onPacketSent/onAckReceived/detectLostPackets/onPTOTimeout and
// acting on the lost packets detectLostPackets returns, so the two can be
// tested independently.
type lossRecovery struct {
	srtt   time.Duration
	rttvar time.Duration
	minRTT time.Duration
	rttSamples int

	maxAckDelay time.Duration

	ptoCount int

	bytesInFlight int
	congestion    CongestionController

	lossTime      [PacketSpaceCount]time.Time
	lastAckElicitingSent [PacketSpaceCount]time.Time
}

func (r *lossRecovery) init(now time.Time) {
	r.srtt = 0
	r.rttvar = 0
	r.minRTT = 0
	r.rttSamples = 0
	r.maxAckDelay = 25 * time.Millisecond
	r.ptoCount = 0
	r.bytesInFlight = 0
	if r.congestion == nil {
		r.congestion = newNewRenoCongestionController()
	}
}

// updateRTT folds a fresh RTT sample into the smoothed estimate, per
// RFC 9002 section 5.3.
func (r *lossRecovery) updateRTT(latestRTT, ackDelay time.Duration) {
	if r.minRTT == 0 || latestRTT < r.minRTT {
		r.minRTT = latestRTT
	}
	adjusted := latestRTT
	if adjusted > r.minRTT+ackDelay {
		adjusted -= ackDelay
	}
	if r.rttSamples == 0 {
		r.srtt = adjusted
		r.rttvar = adjusted / 2
		r.rttSamples = 1
		return
	}
	r.rttSamples++
	diff := r.srtt - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (3*r.rttvar + diff) / 4
	r.srtt = (7*r.srtt + adjusted) / 8
}

// lossDelay is the time-threshold window used to declare a packet lost,
// per RFC 9002 section 6.1.2.
func (r *lossRecovery) lossDelay() time.Duration {
	rtt := r.srtt
	if rtt == 0 {
		rtt = initialRTT
	}
	d := rtt * timeThresholdNum / timeThresholdDen
	if d < granularity {
		d = granularity
	}
	return d
}

// detectLostPackets walks a space's sent-but-unacked packets and returns
// the ones that should now be declared lost, either by packet number
// threshold or by time threshold relative to largestAcked. A packet at or
// below largestAcked that meets neither threshold yet arms
// loss_time for spaceID to that packet's sent_time + lossDelay: the next
// instant this must be re-invoked even absent a fresh ACK, per section
// 4.4. loss_time is cleared once nothing earlier than largestAcked
// remains unresolved.
func (r *lossRecovery) detectLostPackets(spaceID PacketSpace, space *packetNumberSpace, largestAcked uint64, now time.Time) []sentPacket {
	lossDelay := r.lossDelay()
	var lost []sentPacket
	var earliestLossTime time.Time
	remaining := space.sentPackets[:0]
	for _, sp := range space.sentPackets {
		if sp.packetNumber > largestAcked {
			remaining = append(remaining, sp)
			continue
		}
		packetLossTime := sp.sentTime.Add(lossDelay)
		if largestAcked-sp.packetNumber >= packetThreshold || !now.Before(packetLossTime) {
			lost = append(lost, sp)
			if sp.ackEliciting && sp.inFlight {
				space.ackElicitingInFlight--
			}
			if sp.inFlight {
				r.bytesInFlight -= sp.sentBytes
			}
			continue
		}
		if earliestLossTime.IsZero() || packetLossTime.Before(earliestLossTime) {
			earliestLossTime = packetLossTime
		}
		remaining = append(remaining, sp)
	}
	space.sentPackets = remaining
	r.lossTime[spaceID] = earliestLossTime
	if len(lost) > 0 {
		r.congestion.OnPacketsLost(lost[len(lost)-1].sentTime)
	}
	return lost
}

// lossTimeDeadline returns the loss_time armed for spaceID by the last
// detectLostPackets call, or the zero Time if none is currently armed.
func (r *lossRecovery) lossTimeDeadline(spaceID PacketSpace) time.Time {
	return r.lossTime[spaceID]
}

// onAckReceived removes newly acked packets from a space's sent list,
// folds an RTT sample from the largest newly-acked packet, and feeds the
// congestion controller. It returns the acked packets (for frame-level
// retransmission bookkeeping) along with whether anything new was acked.
func (r *lossRecovery) onAckReceived(space *packetNumberSpace, acked rangeSet, ackDelay time.Duration, now time.Time) ([]sentPacket, bool) {
	if acked.empty() {
		return nil, false
	}
	var ackedPackets []sentPacket
	remaining := space.sentPackets[:0]
	largestNewlyAcked := uint64(0)
	var largestNewlyAckedTime time.Time
	anyNew := false
	for _, sp := range space.sentPackets {
		if acked.contains(sp.packetNumber) {
			ackedPackets = append(ackedPackets, sp)
			anyNew = true
			if sp.packetNumber >= largestNewlyAcked {
				largestNewlyAcked = sp.packetNumber
				largestNewlyAckedTime = sp.sentTime
			}
			if sp.ackEliciting && sp.inFlight {
				space.ackElicitingInFlight--
			}
			if sp.inFlight {
				r.bytesInFlight -= sp.sentBytes
				r.congestion.OnPacketAcked(sp.sentTime, now, sp.sentBytes)
			}
			continue
		}
		remaining = append(remaining, sp)
	}
	space.sentPackets = remaining
	if anyNew {
		space.everAcked = true
		if acked.largest() > space.largestPeerAcked {
			space.largestPeerAcked = acked.largest()
		}
	}
	if anyNew && largestNewlyAcked == acked.largest() {
		r.updateRTT(now.Sub(largestNewlyAckedTime), ackDelay)
	}
	if anyNew {
		r.ptoCount = 0
	}
	return ackedPackets, anyNew
}

// ptoPeriod returns the current probe-timeout duration (the same for
// every space), per RFC 9002 section 6.2.1: PTO = srtt + max(4*rttvar,
// granularity) + max_ack_delay, doubled once per consecutive timeout.
func (r *lossRecovery) ptoPeriod() time.Duration {
	rtt := r.srtt
	if rtt == 0 {
		rtt = initialRTT
	}
	variance := 4 * r.rttvar
	if variance < granularity {
		variance = granularity
	}
	pto := rtt + variance + r.maxAckDelay
	backoff := uint(1) << uint(min(r.ptoCount, 6))
	return pto * time.Duration(backoff)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ptoDeadline returns the absolute time the PTO timer for space should
// fire, given the last ack-eliciting packet sent in it.
func (r *lossRecovery) ptoDeadline(space PacketSpace) time.Time {
	last := r.lastAckElicitingSent[space]
	if last.IsZero() {
		return time.Time{}
	}
	return last.Add(r.ptoPeriod())
}

func (r *lossRecovery) onPacketSent(spaceID PacketSpace, space *packetNumberSpace, sp sentPacket) {
	space.recordSent(sp)
	if sp.inFlight {
		r.bytesInFlight += sp.sentBytes
		r.congestion.OnPacketSent(sp.sentBytes)
	}
	if sp.ackEliciting {
		r.lastAckElicitingSent[spaceID] = sp.sentTime
	}
}

func (r *lossRecovery) onPTOTimeout() {
	r.ptoCount++
}

// dropUnackedData discards a space's remaining in-flight packets,
// subtracting their bytes from bytesInFlight, passing them to the
// congestion controller's Discard, and clearing
// loss_time/ack_eliciting_in_flight, per
// the reset contract in section 4.4. It does not reset everAcked: "no
// ack has ever been received" only applies to a fresh packetNumberSpace,
// not to one whose space is being dropped mid-connection.
func (r *lossRecovery) dropUnackedData(spaceID PacketSpace, space *packetNumberSpace) {
	var discarded []sentPacket
	for _, sp := range space.sentPackets {
		if sp.inFlight {
			r.bytesInFlight -= sp.sentBytes
			discarded = append(discarded, sp)
		}
	}
	if len(discarded) > 0 {
		r.congestion.Discard(discarded)
	}
	space.sentPackets = nil
	space.ackElicitingInFlight = 0
	r.lossTime[spaceID] = time.Time{}
}

func (r *lossRecovery) canSend(bytes int) bool {
	return r.congestion.CanSend(r.bytesInFlight, bytes)
}
