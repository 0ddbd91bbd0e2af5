package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pawpulse-live/internal/telemetry"
)

// Prom exports the live client's counters to Prometheus.
type Prom struct {
	accepted       prometheus.Counter
	dropped        *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	state          prometheus.Gauge
	reconnects     prometheus.Counter
	reconnectDelay prometheus.Histogram
}

// New registers the collectors on reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pawpulse_readings_accepted_total",
			Help: "Readings appended to a subscribed pet's buffer.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pawpulse_readings_dropped_total",
			Help: "Readings discarded, by reason.",
		}, []string{"reason"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pawpulse_subscriptions_active",
			Help: "Pets with at least one outstanding subscription.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pawpulse_connection_state",
			Help: "Stream state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pawpulse_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after a stream failure.",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pawpulse_reconnect_delay_seconds",
			Help:    "Delay before each scheduled reconnect.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	// pre-create the known reasons so they export as zero
	p.dropped.WithLabelValues(telemetry.DropMalformed)
	p.dropped.WithLabelValues(telemetry.DropUnsubscribed)

	reg.MustRegister(p.accepted, p.dropped, p.subscriptions, p.state, p.reconnects, p.reconnectDelay)
	return p
}

func (p *Prom) ReadingAccepted(telemetry.EntityID) {
	p.accepted.Inc()
}

func (p *Prom) ReadingDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

func (p *Prom) SubscriptionsActive(n int) {
	p.subscriptions.Set(float64(n))
}

func (p *Prom) ConnectionState(s telemetry.State) {
	p.state.Set(float64(s))
}

func (p *Prom) ReconnectScheduled(_ int, delay time.Duration) {
	p.reconnects.Inc()
	p.reconnectDelay.Observe(delay.Seconds())
}
