// Package prommetrics exports ledger metrics to Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Metrics implements ticketledger.Metrics using Prometheus.
type Metrics struct {
	grantsTotal                *prometheus.CounterVec
	consumptionTotal           *prometheus.CounterVec
	candidateRetriesTotal      prometheus.Counter
	mirrorFailuresTotal        *prometheus.CounterVec
	resyncsTotal               *prometheus.CounterVec
	driftCorrectionsTotal      *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_grants_total",
			Help:      "Total number of ticket grant attempts.",
		}, []string{"kind", "granted"}),

		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_consumption_total",
			Help:      "Total number of ticket consumption attempts by outcome.",
		}, []string{"outcome"}),

		candidateRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_candidate_retries_total",
			Help:      "Total number of consumptions that moved to the next ticket after losing a race.",
		}),

		mirrorFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_mirror_failures_total",
			Help:      "Total number of failed local cache writes after a remote commit.",
		}, []string{"operation"}),

		resyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_resyncs_total",
			Help:      "Total number of full cache resyncs.",
		}, []string{"trigger", "success"}),

		driftCorrectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_drift_corrections_total",
			Help:      "Total number of quota summary repairs.",
		}, []string{"direction"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of remote store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of remote store operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordGrant(kind ticketledger.TicketKind, granted bool) {
	m.grantsTotal.WithLabelValues(string(kind), strconv.FormatBool(granted)).Inc()
}

func (m *Metrics) RecordConsumption(outcome string) {
	m.consumptionTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCandidateRetry() {
	m.candidateRetriesTotal.Inc()
}

func (m *Metrics) RecordMirrorFailure(operation string) {
	m.mirrorFailuresTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordResync(trigger string, err error) {
	m.resyncsTotal.WithLabelValues(trigger, strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) RecordDriftCorrection(direction string) {
	m.driftCorrectionsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
