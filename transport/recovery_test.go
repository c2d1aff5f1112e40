package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLostPacketsByThreshold(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	var space packetNumberSpace
	space.init()
	for pn := uint64(1); pn <= 4; pn++ {
		space.recordSent(sentPacket{
			packetNumber: pn,
			sentTime:     now,
			sentBytes:    100,
			ackEliciting: true,
			inFlight:     true,
		})
		r.bytesInFlight += 100
	}

	// Acking {2,3,4} leaves packet 1 three packets behind the largest
	// acked, meeting kPacketThreshold (3) immediately regardless of time
	// elapsed.
	acked := rangeSet{{start: 2, end: 4}}
	ackedPackets, anyNew := r.onAckReceived(&space, acked, 0, now)
	require.True(t, anyNew)
	assert.Len(t, ackedPackets, 3)
	require.Len(t, space.sentPackets, 1)
	assert.Equal(t, uint64(1), space.sentPackets[0].packetNumber)

	lost := r.detectLostPackets(PacketSpaceApplication, &space, 4, now)
	require.Len(t, lost, 1)
	assert.Equal(t, uint64(1), lost[0].packetNumber)
	assert.Empty(t, space.sentPackets)
	assert.True(t, r.lossTimeDeadline(PacketSpaceApplication).IsZero())
}

func TestDetectLostPacketsIgnoresPacketsAboveLargestAcked(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	var space packetNumberSpace
	space.init()
	space.recordSent(sentPacket{packetNumber: 5, sentTime: now, sentBytes: 50, ackEliciting: true, inFlight: true})

	lost := r.detectLostPackets(PacketSpaceApplication, &space, 1, now)
	assert.Empty(t, lost)
	assert.Len(t, space.sentPackets, 1)
}

func TestDetectLostPacketsArmsLossTimeOnTimeThresholdOnly(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)
	r.updateRTT(10*time.Millisecond, 0)

	var space packetNumberSpace
	space.init()
	space.recordSent(sentPacket{packetNumber: 1, sentTime: now, sentBytes: 50, ackEliciting: true, inFlight: true})
	space.recordSent(sentPacket{packetNumber: 2, sentTime: now, sentBytes: 50, ackEliciting: true, inFlight: true})
	r.bytesInFlight += 100
	_, _ = r.onAckReceived(&space, rangeSet{{2, 2}}, 0, now)

	// Packet 2 is acked. Packet 1 is only 1 packet behind the largest acked (below
	// kPacketThreshold) and lossDelay hasn't elapsed yet: neither
	// threshold fires, so it stays unacked and arms loss_time instead of
	// being declared lost.
	lost := r.detectLostPackets(PacketSpaceApplication, &space, 2, now)
	assert.Empty(t, lost)
	require.Len(t, space.sentPackets, 1)
	assert.Equal(t, uint64(1), space.sentPackets[0].packetNumber)
	assert.False(t, r.lossTimeDeadline(PacketSpaceApplication).IsZero())

	// Re-invoking once loss_time has elapsed now declares it lost.
	later := now.Add(r.lossDelay() + time.Millisecond)
	lost = r.detectLostPackets(PacketSpaceApplication, &space, 2, later)
	require.Len(t, lost, 1)
	assert.Equal(t, uint64(1), lost[0].packetNumber)
	assert.True(t, r.lossTimeDeadline(PacketSpaceApplication).IsZero())
}

func TestUpdateRTTFirstSampleSeedsEstimate(t *testing.T) {
	var r lossRecovery
	r.init(time.Now())
	r.updateRTT(100*time.Millisecond, 0)
	assert.Equal(t, 100*time.Millisecond, r.srtt)
	assert.Equal(t, 50*time.Millisecond, r.rttvar)
}

func TestPTOPeriodDoublesWithBackoff(t *testing.T) {
	var r lossRecovery
	r.init(time.Now())
	r.updateRTT(100*time.Millisecond, 0)
	base := r.ptoPeriod()
	r.onPTOTimeout()
	assert.Equal(t, 2*base, r.ptoPeriod())
	r.onPTOTimeout()
	assert.Equal(t, 4*base, r.ptoPeriod())
}

func TestResetClearsLossDetectorState(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	var space packetNumberSpace
	space.init()
	space.recordSent(sentPacket{packetNumber: 1, sentTime: now, ackEliciting: true, inFlight: true})
	space.onPacketReceived(3, true)
	r.onAckReceived(&space, rangeSet{{start: 1, end: 1}}, 0, now)
	require.False(t, space.noAckReceived())

	space.reset()
	r.dropUnackedData(PacketSpaceApplication, &space)

	assert.Empty(t, space.unacked())
	assert.False(t, space.ackElicitingInFlightAny())
	assert.True(t, space.recvPacketNums.empty())
	assert.True(t, r.lossTimeDeadline(PacketSpaceApplication).IsZero())
}
