package metrics

import "github.com/prometheus/client_golang/prometheus"

// BackfillMetrics exposes counters/histograms for the backfill engine.
type BackfillMetrics struct {
	offersTotal      *prometheus.CounterVec
	claimsTotal      *prometheus.CounterVec
	roundsTotal      *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	gatewaySendTotal *prometheus.CounterVec
	eventsConsumed   *prometheus.CounterVec
	outboxPublished  *prometheus.CounterVec
}

func NewBackfillMetrics(reg prometheus.Registerer) *BackfillMetrics {
	m := &BackfillMetrics{
		offersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "backfill",
			Name:      "offers_total",
			Help:      "Offer state transitions by resulting status",
		}, []string{"status"}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "backfill",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		}, []string{"outcome"}),
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "backfill",
			Name:      "rounds_total",
			Help:      "Backfill rounds by result",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "backfill",
			Name:      "dispatch_latency_seconds",
			Help:      "Delay between an offer's scheduled dispatch time and the actual send",
			Buckets:   []float64{0.05, 0.25, 1, 5, 30, 120, 600, 3600, 43200},
		}),
		gatewaySendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "messaging",
			Name:      "offer_sends_total",
			Help:      "Offer notifications handed to the messaging gateway",
		}, []string{"result"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Inbound queue events by type and handling result",
		}, []string{"type", "result"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "events",
			Name:      "outbox_published_total",
			Help:      "Outbox entries handed to the broker",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.offersTotal, m.claimsTotal, m.roundsTotal, m.dispatchLatency, m.gatewaySendTotal,
		m.eventsConsumed, m.outboxPublished)
	return m
}

func (m *BackfillMetrics) ObserveOffer(status string) {
	if m == nil {
		return
	}
	m.offersTotal.WithLabelValues(status).Inc()
}

func (m *BackfillMetrics) ObserveClaim(outcome string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

func (m *BackfillMetrics) ObserveRound(result string) {
	if m == nil {
		return
	}
	m.roundsTotal.WithLabelValues(result).Inc()
}

func (m *BackfillMetrics) ObserveDispatchLatency(seconds float64) {
	if m == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	m.dispatchLatency.Observe(seconds)
}

// ObserveGatewaySend records delivered, failed or unavailable sends.
func (m *BackfillMetrics) ObserveGatewaySend(result string) {
	if m == nil {
		return
	}
	m.gatewaySendTotal.WithLabelValues(result).Inc()
}

// ObserveEvent records an inbound event as handled, dropped or retried.
func (m *BackfillMetrics) ObserveEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(eventType, result).Inc()
}

func (m *BackfillMetrics) ObserveOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}
