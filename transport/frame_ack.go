package transport

import (
	"fmt"
	"sort"
)

// numRange is an inclusive, closed interval of packet numbers.
type numRange struct {
	start, end uint64
}

// rangeSet is a sorted, non-overlapping, non-adjacent set of packet
// numbers, used both for the set of packet numbers a packet-number
// space needs to acknowledge and for the ranges decoded from a peer's
// ACK frame.
type rangeSet []numRange

// push adds a single packet number, merging with any adjacent range.
func (rs *rangeSet) push(pn uint64) {
	*rs = append(*rs, numRange{pn, pn})
	rs.normalize()
}

func (rs *rangeSet) normalize() {
	s := *rs
	sort.Slice(s, func(i, j int) bool { return s[i].start < s[j].start })
	out := s[:0]
	for _, r := range s {
		if len(out) > 0 && r.start <= out[len(out)-1].end+1 {
			if r.end > out[len(out)-1].end {
				out[len(out)-1].end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	*rs = out
}

// contains reports whether pn falls within any range.
func (rs rangeSet) contains(pn uint64) bool {
	for _, r := range rs {
		if pn >= r.start && pn <= r.end {
			return true
		}
	}
	return false
}

// removeUntil drops every packet number <= n.
func (rs *rangeSet) removeUntil(n uint64) {
	s := *rs
	out := s[:0]
	for _, r := range s {
		if r.end <= n {
			continue
		}
		if r.start <= n {
			r.start = n + 1
		}
		out = append(out, r)
	}
	*rs = out
}

// largest returns the greatest packet number in the set, or 0 if empty.
func (rs rangeSet) largest() uint64 {
	if len(rs) == 0 {
		return 0
	}
	return rs[len(rs)-1].end
}

func (rs rangeSet) empty() bool { return len(rs) == 0 }

// ackRange is one (gap, length) pair following the first ACK range in
// a wire-format ACK frame.
type ackRange struct {
	gap            uint64
	ackRangeLength uint64
}

// ackFrame acknowledges receipt of one or more packets.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-19.3
type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRange
}

// newAckFrame builds an ACK frame from the ascending rangeSet of
// packet numbers this space still owes an acknowledgement for.
func newAckFrame(ackDelay uint64, rs rangeSet) *ackFrame {
	if len(rs) == 0 {
		return nil
	}
	f := &ackFrame{ackDelay: ackDelay}
	n := len(rs)
	last := rs[n-1]
	f.largestAck = last.end
	f.firstAckRange = last.end - last.start
	prevSmallest := last.start
	for i := n - 2; i >= 0; i-- {
		r := rs[i]
		gap := prevSmallest - r.end - 2
		length := r.end - r.start
		f.ranges = append(f.ranges, ackRange{gap: gap, ackRangeLength: length})
		prevSmallest = r.start
	}
	return f
}

// toRangeSet reconstructs the ascending rangeSet of acknowledged packet
// numbers this frame describes, or nil if the encoding is inconsistent
// (e.g. a range would underflow below zero).
func (s *ackFrame) toRangeSet() rangeSet {
	if s.firstAckRange > s.largestAck {
		return nil
	}
	largest := s.largestAck
	smallest := largest - s.firstAckRange
	rs := rangeSet{{smallest, largest}}
	for _, r := range s.ranges {
		if r.gap+2 > smallest {
			return nil
		}
		largest = smallest - r.gap - 2
		if r.ackRangeLength > largest {
			return nil
		}
		smallest = largest - r.ackRangeLength
		rs = append(rs, numRange{smallest, largest})
	}
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
	return rs
}

func (s *ackFrame) encodedLen() int {
	n := 1 + varintLen(s.largestAck) + varintLen(s.ackDelay) +
		varintLen(uint64(len(s.ranges))) + varintLen(s.firstAckRange)
	for _, r := range s.ranges {
		n += varintLen(r.gap) + varintLen(r.ackRangeLength)
	}
	return n
}

func (s *ackFrame) encode(b []byte) (int, error) {
	n := s.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	i := 1
	b[0] = frameTypeAck
	i += putVarint(b[i:], s.largestAck)
	i += putVarint(b[i:], s.ackDelay)
	i += putVarint(b[i:], uint64(len(s.ranges)))
	i += putVarint(b[i:], s.firstAckRange)
	for _, r := range s.ranges {
		i += putVarint(b[i:], r.gap)
		i += putVarint(b[i:], r.ackRangeLength)
	}
	return i, nil
}

func (s *ackFrame) decode(b []byte) (int, error) {
	i := 1
	n := getVarint(b[i:], &s.largestAck)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack largest")
	}
	i += n
	n = getVarint(b[i:], &s.ackDelay)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack delay")
	}
	i += n
	var rangeCount uint64
	n = getVarint(b[i:], &rangeCount)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack range count")
	}
	i += n
	n = getVarint(b[i:], &s.firstAckRange)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack first range")
	}
	i += n
	s.ranges = s.ranges[:0]
	for r := uint64(0); r < rangeCount; r++ {
		var gap, length uint64
		n = getVarint(b[i:], &gap)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack gap")
		}
		i += n
		n = getVarint(b[i:], &length)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack range length")
		}
		i += n
		s.ranges = append(s.ranges, ackRange{gap: gap, ackRangeLength: length})
	}
	return i, nil
}

func (s *ackFrame) String() string {
	return fmt.Sprintf("ACK largest=%d delay=%d ranges=%d", s.largestAck, s.ackDelay, len(s.ranges))
}
