package ticketledger

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordGrant records a grant attempt; granted is false for a daily
	// grant that was already issued today or for a failed grant.
	RecordGrant(kind TicketKind, granted bool)

	// RecordConsumption records the outcome of a Consume call.
	// Outcome is one of "consumed", "exhausted" or "failed".
	RecordConsumption(outcome string)

	// RecordCandidateRetry records a lost race that moved to the next FEFO candidate.
	RecordCandidateRetry()

	// RecordMirrorFailure records a failed local mirror write.
	RecordMirrorFailure(operation string)

	// RecordResync records a full resync and what triggered it.
	RecordResync(trigger string, err error)

	// RecordDriftCorrection records a summary repair ("overcount" or "undercount").
	RecordDriftCorrection(direction string)

	// RecordStorageOperation records the duration and status of a remote store operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGrant(kind TicketKind, granted bool)                                  {}
func (n *NoopMetrics) RecordConsumption(outcome string)                                           {}
func (n *NoopMetrics) RecordCandidateRetry()                                                      {}
func (n *NoopMetrics) RecordMirrorFailure(operation string)                                       {}
func (n *NoopMetrics) RecordResync(trigger string, err error)                                     {}
func (n *NoopMetrics) RecordDriftCorrection(direction string)                                     {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
