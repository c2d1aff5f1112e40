package transport

import "time"

// Default congestion-control constants, RFC 9002 section 7.2.
const (
	initialWindowPackets = 10
	minWindowPackets     = 2
	maxDatagramSize      = 1200
	initialWindow        = initialWindowPackets * maxDatagramSize
	minWindow            = minWindowPackets * maxDatagramSize
	lossReductionFactor  = 0.5
)

// CongestionController decides how many bytes may be in flight at once.
// It is an interface, not a concrete type, so tests and callers can swap
// in FixedWindowCongestionController without touching the recovery loop.
type CongestionController interface {
	// CanSend reports whether bytes additional bytes may be sent, on top
	// of bytesInFlight already in flight, without exceeding the current
	// window.
	CanSend(bytesInFlight, bytes int) bool
	// OnPacketSent accounts for newly in-flight bytes.
	OnPacketSent(bytes int)
	// OnPacketAcked accounts for acked bytes leaving flight, growing the
	// window per slow-start/congestion-avoidance rules.
	OnPacketAcked(sentTime, now time.Time, bytes int)
	// OnPacketsLost shrinks the window in response to loss detected at
	// largestLostSent.
	OnPacketsLost(largestLostSent time.Time)
	// Discard is told about packets whose space was dropped (or a
	// connection reset) without being acked or declared lost; it must not
	// treat them as a loss signal. The bytes-in-flight count itself lives
	// in lossRecovery, which subtracts these packets before calling it.
	Discard(packets []sentPacket)
	// Window returns the current congestion window in bytes.
	Window() int
	// Ssthresh returns the current slow-start threshold in bytes.
	Ssthresh() int
}

// newRenoCongestionController is the default NewReno controller, grounded
// on RFC 9002 section 7.
type newRenoCongestionController struct {
	window              int
	ssthresh            int
	recoveryStartTime   time.Time
	inRecovery          bool
}

func newNewRenoCongestionController() *newRenoCongestionController {
	return &newRenoCongestionController{
		window:   initialWindow,
		ssthresh: 1 << 62,
	}
}

func (c *newRenoCongestionController) CanSend(bytesInFlight, bytes int) bool {
	return bytesInFlight+bytes <= c.window
}

func (c *newRenoCongestionController) OnPacketSent(bytes int) {}

func (c *newRenoCongestionController) inSlowStart() bool { return c.window < c.ssthresh }

func (c *newRenoCongestionController) OnPacketAcked(sentTime, now time.Time, bytes int) {
	if !c.recoveryStartTime.IsZero() && !sentTime.After(c.recoveryStartTime) {
		// Sent before the current recovery episode started: does not
		// contribute to window growth (RFC 9002 section 7.3.2).
		return
	}
	if c.inSlowStart() {
		c.window += bytes
		return
	}
	// Congestion avoidance: approximately one maximum datagram per RTT.
	c.window += maxDatagramSize * bytes / c.window
}

func (c *newRenoCongestionController) OnPacketsLost(largestLostSent time.Time) {
	if !c.recoveryStartTime.IsZero() && !largestLostSent.After(c.recoveryStartTime) {
		// Already reacted to a loss in this recovery episode.
		return
	}
	c.recoveryStartTime = largestLostSent
	c.ssthresh = int(float64(c.window) * lossReductionFactor)
	c.window = c.ssthresh
	if c.window < minWindow {
		c.window = minWindow
	}
}

// Discard leaves the window untouched for packets a space-level reset
// removed from flight (lossRecovery already subtracted their bytes):
// these packets' fate is simply unknown, not a congestion signal.
func (c *newRenoCongestionController) Discard(packets []sentPacket) {}

func (c *newRenoCongestionController) Window() int { return c.window }

func (c *newRenoCongestionController) Ssthresh() int { return c.ssthresh }

// FixedWindowCongestionController disables congestion feedback and
// always allows up to a fixed number of bytes in flight. Useful for
// controlled tests or loopback-only deployments where bandwidth
// estimation adds noise without value.
type FixedWindowCongestionController struct {
	window int
}

// NewFixedWindowCongestionController builds a controller with a
// permanently fixed window, in bytes.
func NewFixedWindowCongestionController(window int) *FixedWindowCongestionController {
	return &FixedWindowCongestionController{window: window}
}

func (c *FixedWindowCongestionController) CanSend(bytesInFlight, bytes int) bool {
	return bytesInFlight+bytes <= c.window
}
func (c *FixedWindowCongestionController) OnPacketSent(bytes int)                        {}
func (c *FixedWindowCongestionController) OnPacketAcked(sentTime, now time.Time, n int)  {}
func (c *FixedWindowCongestionController) OnPacketsLost(largestLostSent time.Time)        {}
func (c *FixedWindowCongestionController) Discard(packets []sentPacket)                  {}
func (c *FixedWindowCongestionController) Window() int                                   { return c.window }
func (c *FixedWindowCongestionController) Ssthresh() int                                 { return 1 << 62 }
