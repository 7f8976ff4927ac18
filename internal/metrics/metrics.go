package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	TriggerExplicit   = "explicit"
	TriggerInactivity = "inactivity"
	TriggerShutdown   = "shutdown"
)

var (
	initOnce sync.Once

	eventsIngestedCounter    prometheus.Counter
	batchesTotalCounter      *prometheus.CounterVec
	sessionsFinalizedCounter *prometheus.CounterVec
	persistOutcomeCounter    *prometheus.CounterVec
	persistRetriesCounter    prometheus.Counter
	finalizeDurationMetric   prometheus.Histogram
	bufferedSessionsGauge    prometheus.Gauge
	indexEvictionsCounter    prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsIngestedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "replay_events_ingested_total",
				Help: "Total number of captured events accepted by the ingest endpoint.",
			},
		)

		batchesTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_batches_total",
				Help: "Total number of ingest batches by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		sessionsFinalizedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_sessions_finalized_total",
				Help: "Total number of session buffer finalizations by trigger.",
			},
			[]string{"trigger"},
		)

		persistOutcomeCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_persist_total",
				Help: "Total number of persistence use case executions by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		persistRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "replay_persist_retries_total",
				Help: "Total number of retried persistence attempts for inactivity-finalized sessions.",
			},
		)

		finalizeDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "replay_persist_duration_seconds",
				Help:    "Duration of the persistence use case in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		bufferedSessionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replay_buffered_sessions",
				Help: "Number of resident session buffer actors.",
			},
		)

		indexEvictionsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "replay_index_evictions_total",
				Help: "Total number of index entries evicted to respect the index cap.",
			},
		)

		prometheus.MustRegister(
			eventsIngestedCounter,
			batchesTotalCounter,
			sessionsFinalizedCounter,
			persistOutcomeCounter,
			persistRetriesCounter,
			finalizeDurationMetric,
			bufferedSessionsGauge,
			indexEvictionsCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, trigger := range []string{TriggerExplicit, TriggerInactivity, TriggerShutdown} {
			sessionsFinalizedCounter.WithLabelValues(trigger)
		}
		for _, mode := range []string{"create", "append"} {
			persistOutcomeCounter.WithLabelValues(mode, "ok")
			persistOutcomeCounter.WithLabelValues(mode, "error")
		}
	})
}

func AddEventsIngested(n int) {
	Init()
	eventsIngestedCounter.Add(float64(n))
}

func IncBatch(kind, outcome string) {
	Init()
	batchesTotalCounter.WithLabelValues(kind, outcome).Inc()
}

func IncSessionFinalized(trigger string) {
	Init()
	sessionsFinalizedCounter.WithLabelValues(trigger).Inc()
}

func IncPersist(mode, outcome string) {
	Init()
	persistOutcomeCounter.WithLabelValues(mode, outcome).Inc()
}

func IncPersistRetries() {
	Init()
	persistRetriesCounter.Inc()
}

func ObservePersistDuration(d time.Duration) {
	Init()
	finalizeDurationMetric.Observe(d.Seconds())
}

func SetBufferedSessions(n int) {
	Init()
	bufferedSessionsGauge.Set(float64(n))
}

func AddIndexEvictions(n int) {
	Init()
	indexEvictionsCounter.Add(float64(n))
}
