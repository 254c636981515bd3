package investigate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the investigation subsystem.
type Metrics struct {
	IncidentsTotal       *prometheus.CounterVec
	IncidentDuration     *prometheus.HistogramVec
	IncidentRounds       prometheus.Histogram
	IncidentCost         prometheus.Histogram
	StageDuration        *prometheus.HistogramVec
	EvidenceCollections  *prometheus.CounterVec
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderCostTotal    *prometheus.CounterVec
	SubmitsTotal         *prometheus.CounterVec
}

// NewMetrics registers and returns investigation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_incidents_total",
			Help: "Total investigations by terminal disposition.",
		}, []string{"disposition"}),
		IncidentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_incident_duration_seconds",
			Help:    "Duration of investigations in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}, []string{"disposition"}),
		IncidentRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remedy_incident_remediation_rounds",
			Help:    "Remediation rounds per investigation.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
		IncidentCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remedy_incident_provider_cost",
			Help:    "Total provider spend per investigation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // $0.001 .. ~$16
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_stage_duration_seconds",
			Help:    "Duration of individual state-machine stages.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"stage"}),
		EvidenceCollections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_evidence_collections_total",
			Help: "Evidence collections by outcome (complete, partial, failed).",
		}, []string{"outcome"}),
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_provider_calls_total",
			Help: "Reasoning calls by provider and status.",
		}, []string{"provider", "status"}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_provider_call_duration_seconds",
			Help:    "Duration of individual provider reasoning calls.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"provider"}),
		ProviderCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_provider_cost_total",
			Help: "Running provider spend, accounted on every call attempt.",
		}, []string{"provider"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_submits_total",
			Help: "Signal submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.IncidentDuration,
		m.IncidentRounds,
		m.IncidentCost,
		m.StageDuration,
		m.EvidenceCollections,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ProviderCostTotal,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns engine hooks that feed the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStage: func(stage string, seconds float64) {
			m.StageDuration.WithLabelValues(stage).Observe(seconds)
		},
		OnEvidence: func(outcome string) {
			m.EvidenceCollections.WithLabelValues(outcome).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.IncidentsTotal.WithLabelValues(string(e.Disposition)).Inc()
			m.IncidentDuration.WithLabelValues(string(e.Disposition)).Observe(e.Duration)
			m.IncidentRounds.Observe(float64(e.Rounds))
			m.IncidentCost.Observe(e.Cost)
		},
	}
}

// ProviderObserver returns an ensemble call observer that feeds the
// per-provider metrics.
func (m *Metrics) ProviderObserver() func(provider string, ok bool, duration, cost float64) {
	return func(provider string, ok bool, duration, cost float64) {
		status := "success"
		if !ok {
			status = "error"
		}
		m.ProviderCallsTotal.WithLabelValues(provider, status).Inc()
		m.ProviderCallDuration.WithLabelValues(provider).Observe(duration)
		m.ProviderCostTotal.WithLabelValues(provider).Add(cost)
	}
}
