package ticketledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

var errUnreachable = errors.New("unreachable")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newTestClock(t0)
	var states []ticketledger.CircuitBreakerState
	cb := ticketledger.NewDefaultCircuitBreaker(
		ticketledger.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: 10 * time.Second},
		clock,
		func(state ticketledger.CircuitBreakerState) { states = append(states, state) },
	)
	ctx := context.Background()
	failing := func() error { return errUnreachable }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errUnreachable)
	}
	assert.Equal(t, ticketledger.StateOpen, cb.State())

	calls := 0
	err := cb.Execute(ctx, func() error { calls++; return nil })
	assert.ErrorIs(t, err, ticketledger.ErrCircuitOpen)
	assert.Zero(t, calls)

	assert.Equal(t, []ticketledger.CircuitBreakerState{ticketledger.StateOpen}, states)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := ticketledger.NewDefaultCircuitBreaker(
		ticketledger.CircuitBreakerConfig{FailureThreshold: 2}, newTestClock(t0), nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errUnreachable })
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	_ = cb.Execute(ctx, func() error { return errUnreachable })

	assert.Equal(t, ticketledger.StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newTestClock(t0)
	cb := ticketledger.NewDefaultCircuitBreaker(
		ticketledger.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, clock, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errUnreachable })
	require.Equal(t, ticketledger.StateOpen, cb.State())

	clock.Advance(9 * time.Second)
	assert.Equal(t, ticketledger.StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, ticketledger.StateHalfOpen, cb.State())

	// A failed probe reopens and restarts the timeout
	_ = cb.Execute(ctx, func() error { return errUnreachable })
	assert.Equal(t, ticketledger.StateOpen, cb.State())
	clock.Advance(5 * time.Second)
	assert.Equal(t, ticketledger.StateOpen, cb.State())

	clock.Advance(5 * time.Second)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, ticketledger.StateClosed, cb.State())
}

func TestCircuitBreaker_LedgerOutcomesAreNotFailures(t *testing.T) {
	cb := ticketledger.NewDefaultCircuitBreaker(
		ticketledger.CircuitBreakerConfig{FailureThreshold: 1}, newTestClock(t0), nil)
	ctx := context.Background()

	for _, err := range []error{
		ticketledger.ErrTicketUnavailable,
		ticketledger.ErrUserNotFound,
		ticketledger.ErrTicketNotFound,
		fmt.Errorf("grant: %w", ticketledger.ErrTicketExists),
		ticketledger.ErrInvalidCategory,
	} {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return err }), err)
		assert.Equal(t, ticketledger.StateClosed, cb.State(), "%v tripped the breaker", err)
	}

	_ = cb.Execute(ctx, func() error { return ticketledger.ErrTransactionAborted })
	assert.Equal(t, ticketledger.StateOpen, cb.State())
}

func TestCircuitBreaker_CallerCancellationIsNotFailure(t *testing.T) {
	cb := ticketledger.NewDefaultCircuitBreaker(
		ticketledger.CircuitBreakerConfig{FailureThreshold: 1}, newTestClock(t0), nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range []error{context.Canceled, context.DeadlineExceeded, errUnreachable} {
		assert.ErrorIs(t, cb.Execute(cancelled, func() error { return err }), err)
		assert.Equal(t, ticketledger.StateClosed, cb.State(), "%v tripped the breaker", err)
	}

	wrapped := fmt.Errorf("list tickets: %w", context.Canceled)
	assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return wrapped }), context.Canceled)
	assert.Equal(t, ticketledger.StateClosed, cb.State())

	// A store-side deadline on a live caller context is still a failure
	_ = cb.Execute(context.Background(), func() error { return context.DeadlineExceeded })
	assert.Equal(t, ticketledger.StateOpen, cb.State())
}

func TestCircuitBreakerStore_Delegates(t *testing.T) {
	raw := newRemote()
	cb := ticketledger.NewDefaultCircuitBreaker(ticketledger.CircuitBreakerConfig{}, newTestClock(t0), nil)
	store := ticketledger.NewCircuitBreakerStore(raw, cb)
	ctx := context.Background()

	require.NoError(t, store.CreateProfile(ctx, diver, "UTC"))
	profile, err := store.GetProfile(ctx, diver)
	require.NoError(t, err)
	assert.Equal(t, "UTC", profile.TimeZone)

	raw.SetTicket(testTicket("t1", 1, time.Hour))
	tickets, err := store.ListTickets(ctx, diver, ticketledger.TicketFilter{Status: ticketledger.StatusActive})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)

	err = store.RunTransaction(ctx, func(_ context.Context, tx ticketledger.RemoteTx) error {
		_, err := tx.GetTicket(diver, "t1")
		return err
	})
	assert.NoError(t, err)
}
