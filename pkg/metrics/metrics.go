package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

// Metrics groups the Prometheus instruments of the router.
type Metrics struct {
	registry *prometheus.Registry

	Turns              *prometheus.CounterVec
	TurnLatency        *prometheus.HistogramVec
	ForbiddenRoutes    *prometheus.CounterVec
	SpecialistRuns     *prometheus.CounterVec
	SpecialistLatency  *prometheus.HistogramVec
	Retrievals         *prometheus.CounterVec
	MemoryPurged       prometheus.Counter
	RateLimitedRequest *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by persona and status.",
		}, []string{"persona", "status"}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End to end turn latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"status"}),
		ForbiddenRoutes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forbidden_routes_total",
			Help:      "Classifier requests for specialists outside the persona's capabilities.",
		}, []string{"persona", "specialist"}),
		SpecialistRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "specialist_invocations_total",
			Help:      "Specialist invocations by outcome.",
		}, []string{"specialist", "status"}),
		SpecialistLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "specialist_duration_seconds",
			Help:      "Specialist invocation latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 45},
		}, []string{"specialist"}),
		Retrievals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Knowledge retrievals by outcome.",
		}, []string{"outcome"}),
		MemoryPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_turns_purged_total",
			Help:      "Conversation turns removed by the retention janitor.",
		}),
		RateLimitedRequest: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the per-identity rate limiter.",
		}, []string{"route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

/* ---- orchestrator observer ---- */

func (m *Metrics) ForbiddenRoute(p contractx.Persona, name contractx.SpecialistName) {
	m.ForbiddenRoutes.WithLabelValues(string(p), string(name)).Inc()
}

func (m *Metrics) SpecialistFinished(name contractx.SpecialistName, status contractx.ResultStatus, elapsed time.Duration) {
	m.SpecialistRuns.WithLabelValues(string(name), string(status)).Inc()
	m.SpecialistLatency.WithLabelValues(string(name)).Observe(elapsed.Seconds())
}

func (m *Metrics) TurnFinished(p contractx.Persona, status contractx.TurnStatus, elapsed time.Duration) {
	m.Turns.WithLabelValues(string(p), string(status)).Inc()
	m.TurnLatency.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

/* ---- retrieval ---- */

type instrumentedRetriever struct {
	next    contractx.Retriever
	metrics *Metrics
}

// InstrumentRetriever counts retrieval outcomes: hit, empty or error.
func (m *Metrics) InstrumentRetriever(next contractx.Retriever) contractx.Retriever {
	return &instrumentedRetriever{next: next, metrics: m}
}

func (r *instrumentedRetriever) Retrieve(ctx context.Context, query string, topK int) ([]contractx.Passage, error) {
	passages, err := r.next.Retrieve(ctx, query, topK)
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case len(passages) == 0:
		outcome = "empty"
	}
	r.metrics.Retrievals.WithLabelValues(outcome).Inc()
	return passages, err
}
