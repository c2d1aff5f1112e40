package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors this engine updates as a
// connection progresses. A nil *Metrics (the zero value pointer) is
// valid everywhere it's used below and simply does nothing, so wiring
// metrics in is opt-in.
//
// PacketsSent/PacketsReceived/PacketsLost are labeled by packet-number
// space ("initial", "handshake", "application") since the three spaces
// have independent loss/recovery state and collapsing them into one
// counter would hide which one is actually churning.
type Metrics struct {
	PacketsSent       *prometheus.CounterVec
	PacketsReceived   *prometheus.CounterVec
	PacketsLost       *prometheus.CounterVec
	BytesInFlight     prometheus.Gauge
	CongestionWindow  prometheus.Gauge
	SlowStartThreshold prometheus.Gauge
	SmoothedRTT       prometheus.Gauge
	HandshakeDuration prometheus.Histogram
}

// NewMetrics constructs and registers a Metrics set on reg. Passing a
// dedicated *prometheus.Registry (rather than the global one) lets
// multiple client instances in the same process avoid collector
// name collisions.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total",
			Help: "Total QUIC packets sent, by packet-number space.",
		}, []string{"space"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Total QUIC packets received, by packet-number space.",
		}, []string{"space"}),
		PacketsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_lost_total",
			Help: "Total QUIC packets declared lost, by packet-number space.",
		}, []string{"space"}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_in_flight",
			Help: "Current estimate of unacknowledged bytes in flight.",
		}),
		CongestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "congestion_window_bytes",
			Help: "Current congestion window size in bytes.",
		}),
		SlowStartThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "congestion_ssthresh_bytes",
			Help: "Current congestion controller slow-start threshold in bytes.",
		}),
		SmoothedRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "smoothed_rtt_seconds",
			Help: "Current smoothed round-trip time estimate.",
		}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handshake_duration_seconds",
			Help:    "Time from Connect to handshake confirmation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PacketsSent, m.PacketsReceived, m.PacketsLost,
			m.BytesInFlight, m.CongestionWindow, m.SlowStartThreshold,
			m.SmoothedRTT, m.HandshakeDuration)
	}
	return m
}

func (m *Metrics) onPacketSent(space PacketSpace, bytesInFlight int) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(space.String()).Inc()
	m.BytesInFlight.Set(float64(bytesInFlight))
}

func (m *Metrics) onPacketReceived(space PacketSpace) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(space.String()).Inc()
	}
}

func (m *Metrics) onPacketsLost(space PacketSpace, n int) {
	if m != nil {
		m.PacketsLost.WithLabelValues(space.String()).Add(float64(n))
	}
}

func (m *Metrics) onWindowUpdate(window, ssthresh int) {
	if m != nil {
		m.CongestionWindow.Set(float64(window))
		m.SlowStartThreshold.Set(float64(ssthresh))
	}
}

func (m *Metrics) onRTTUpdate(srttSeconds float64) { if m != nil { m.SmoothedRTT.Set(srttSeconds) } }
