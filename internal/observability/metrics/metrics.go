package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "chargecloud_"

	IngestResultSuccess = "success"
	IngestResultError   = "error"
)

var (
	registerOnce sync.Once

	ingestMessages *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec

	healthState      prometheus.Gauge
	reconnectsTotal  prometheus.Counter
	lastEventSeconds prometheus.GaugeFunc

	detectorRuns    *prometheus.CounterVec
	detectorEvents  *prometheus.CounterVec
	detectorLatency *prometheus.HistogramVec

	aggregatorRuns     *prometheus.CounterVec
	aggregatorSessions *prometheus.CounterVec
	aggregatorLatency  *prometheus.HistogramVec

	priceUpdates *prometheus.CounterVec
)

// Init registers pipeline metrics. lastEvent reports seconds since the most
// recent upstream event and backs the staleness gauge.
func Init(lastEvent func() float64) {
	registerOnce.Do(func() {
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Total ingested telemetry messages by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		healthState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connection_health_state",
				Help: "Connection health state (0=connected 1=degraded 2=reconnecting 3=failed)",
			},
		)
		reconnectsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnect_attempts_total",
				Help: "Total upstream reconnect attempts",
			},
		)
		detectorRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "detector_runs_total",
				Help: "Total detector runs by result",
			},
			[]string{"result"},
		)
		detectorEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "detector_events_total",
				Help: "Total charge events emitted by kind",
			},
			[]string{"kind"},
		)
		detectorLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "detector_run_latency_seconds",
				Help:    "Detector run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		aggregatorRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregator_runs_total",
				Help: "Total aggregator runs by result",
			},
			[]string{"result"},
		)
		aggregatorSessions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregator_sessions_total",
				Help: "Total session state changes by kind",
			},
			[]string{"kind"},
		)
		aggregatorLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "aggregator_run_latency_seconds",
				Help:    "Aggregator run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		priceUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "price_updates_total",
				Help: "Total session price annotations by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestMessages,
			ingestErrors,
			healthState,
			reconnectsTotal,
			detectorRuns,
			detectorEvents,
			detectorLatency,
			aggregatorRuns,
			aggregatorSessions,
			aggregatorLatency,
			priceUpdates,
		)

		if lastEvent != nil {
			lastEventSeconds = prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: metricPrefix + "last_event_age_seconds",
					Help: "Seconds since the last upstream telemetry event",
				},
				lastEvent,
			)
			prometheus.MustRegister(lastEventSeconds)
		}
	})
}

// IncIngest counts an ingested message.
func IncIngest(result string) {
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(result).Inc()
	}
}

// IncIngestError counts an ingest error by reason.
func IncIngestError(reason string) {
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// SetHealthState records the numeric health state.
func SetHealthState(state float64) {
	if healthState != nil {
		healthState.Set(state)
	}
}

// IncReconnect counts a reconnect attempt.
func IncReconnect() {
	if reconnectsTotal != nil {
		reconnectsTotal.Inc()
	}
}

// ObserveDetectorRun records a detector run outcome.
func ObserveDetectorRun(result string, elapsed time.Duration) {
	if detectorRuns != nil {
		detectorRuns.WithLabelValues(result).Inc()
	}
	if detectorLatency != nil {
		detectorLatency.WithLabelValues(result).Observe(elapsed.Seconds())
	}
}

// IncDetectorEvent counts an emitted charge event by kind.
func IncDetectorEvent(kind string) {
	if detectorEvents != nil {
		detectorEvents.WithLabelValues(kind).Inc()
	}
}

// ObserveAggregatorRun records an aggregator run outcome.
func ObserveAggregatorRun(result string, elapsed time.Duration) {
	if aggregatorRuns != nil {
		aggregatorRuns.WithLabelValues(result).Inc()
	}
	if aggregatorLatency != nil {
		aggregatorLatency.WithLabelValues(result).Observe(elapsed.Seconds())
	}
}

// IncAggregatorSession counts a session state change by kind.
func IncAggregatorSession(kind string) {
	if aggregatorSessions != nil {
		aggregatorSessions.WithLabelValues(kind).Inc()
	}
}

// IncPriceUpdate counts a price annotation outcome.
func IncPriceUpdate(result string) {
	if priceUpdates != nil {
		priceUpdates.WithLabelValues(result).Inc()
	}
}
