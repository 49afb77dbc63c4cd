package ticketledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to the remote store.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive remote failures and
// goes half-open once ResetTimeout has elapsed; the next failure reopens it.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	clock               Clock

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(cfg CircuitBreakerConfig, clock Clock,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		clock:            clock,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		// The caller gave up; the outcome says nothing about the store
		return err
	}
	if err != nil && countsAsFailure(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

// countsAsFailure separates availability problems from ledger outcomes:
// a lost race, a missing user or a cancelled caller says nothing about the
// store's health.
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrTicketUnavailable),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrTicketExists),
		errors.Is(err, ErrInvalidCategory):
		return false
	}
	return true
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.openedAt = cb.clock.Now()
			cb.changeState(StateOpen)
		}
	case StateHalfOpen:
		cb.openedAt = cb.clock.Now()
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerStore wraps a RemoteStore with circuit breaker protection.
// While the circuit is open every call fails with ErrCircuitOpen, so
// Consume fails closed without waiting on an unreachable store.
type CircuitBreakerStore struct {
	store RemoteStore
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store RemoteStore, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, cb: cb}
}

func (s *CircuitBreakerStore) RunTransaction(ctx context.Context,
	fn func(ctx context.Context, tx RemoteTx) error) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.RunTransaction(ctx, fn)
	})
}

func (s *CircuitBreakerStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile *Profile
	err := s.cb.Execute(ctx, func() error {
		var e error
		profile, e = s.store.GetProfile(ctx, userID)
		return e
	})
	return profile, err
}

func (s *CircuitBreakerStore) CreateProfile(ctx context.Context, userID, timeZone string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.CreateProfile(ctx, userID, timeZone)
	})
}

func (s *CircuitBreakerStore) ListTickets(ctx context.Context, userID string,
	filter TicketFilter) ([]*Ticket, error) {
	var tickets []*Ticket
	err := s.cb.Execute(ctx, func() error {
		var e error
		tickets, e = s.store.ListTickets(ctx, userID, filter)
		return e
	})
	return tickets, err
}
