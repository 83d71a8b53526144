package monitoring

import (
	"time"

	"livecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.SessionMetrics on Prometheus.
type Collector struct {
	broadcastsActive  prometheus.Gauge
	broadcastDuration prometheus.Histogram

	sessionsActive      *prometheus.GaugeVec
	negotiationsTotal   *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec

	signalingMessages *prometheus.CounterVec
	discardedMessages *prometheus.CounterVec

	viewerCount    *prometheus.GaugeVec
	viewerOutcomes *prometheus.CounterVec

	mediaBytes   *prometheus.CounterVec
	mediaPackets *prometheus.CounterVec
}

// NewCollector registers every metric on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		broadcastsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_broadcasts_active",
			Help: "Number of broadcasts currently live in this process",
		}),

		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_broadcast_duration_seconds",
			Help:    "How long broadcasts stayed live",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_sessions_active",
			Help: "Open peer sessions",
		}, []string{"role"}),

		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_negotiations_total",
			Help: "Peer negotiations by outcome",
		}, []string{"role", "outcome", "reason"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecast_connection_setup_duration_seconds",
			Help:    "Time from session creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		signalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_signaling_messages_total",
			Help: "Signaling messages by type and direction",
		}, []string{"type", "direction"}),

		discardedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_signaling_discarded_total",
			Help: "Signaling messages dropped without effect",
		}, []string{"type", "reason"}),

		viewerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_viewer_count",
			Help: "Viewer count as last seen through presence",
		}, []string{"role"}),

		viewerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_viewer_outcomes_total",
			Help: "Final viewer statuses",
		}, []string{"status"}),

		mediaBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_media_received_bytes_total",
			Help: "RTP payload bytes received by viewers",
		}, []string{"kind"}),

		mediaPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_media_received_packets_total",
			Help: "RTP packets received by viewers",
		}, []string{"kind"}),
	}
}

func (c *Collector) BroadcastStarted() {
	c.broadcastsActive.Inc()
}

func (c *Collector) BroadcastStopped(duration time.Duration) {
	c.broadcastsActive.Dec()
	c.broadcastDuration.Observe(duration.Seconds())
}

func (c *Collector) SessionOpened(role domain.Role) {
	c.sessionsActive.WithLabelValues(string(role)).Inc()
}

func (c *Collector) SessionClosed(role domain.Role) {
	c.sessionsActive.WithLabelValues(string(role)).Dec()
}

func (c *Collector) NegotiationCompleted(role domain.Role, duration time.Duration) {
	c.negotiationsTotal.WithLabelValues(string(role), "connected", "").Inc()
	c.negotiationDuration.WithLabelValues(string(role)).Observe(duration.Seconds())
}

func (c *Collector) NegotiationFailed(role domain.Role, reason string) {
	c.negotiationsTotal.WithLabelValues(string(role), "failed", reason).Inc()
}

func (c *Collector) SignalingMessage(msgType domain.MessageType, direction string) {
	c.signalingMessages.WithLabelValues(string(msgType), direction).Inc()
}

func (c *Collector) MessageDiscarded(msgType domain.MessageType, reason string) {
	c.discardedMessages.WithLabelValues(string(msgType), reason).Inc()
}

func (c *Collector) ViewerCount(role domain.Role, count int) {
	c.viewerCount.WithLabelValues(string(role)).Set(float64(count))
}

func (c *Collector) ViewerOutcome(status domain.ViewerStatus) {
	c.viewerOutcomes.WithLabelValues(string(status)).Inc()
}

func (c *Collector) MediaReceived(kind string, bytes int) {
	c.mediaPackets.WithLabelValues(kind).Inc()
	c.mediaBytes.WithLabelValues(kind).Add(float64(bytes))
}
