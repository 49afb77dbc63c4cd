package ticketledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

func TestNew_RequiresStores(t *testing.T) {
	_, err := ticketledger.New(nil, newLocal(), nil)
	assert.ErrorIs(t, err, ticketledger.ErrStoreUnavailable)

	_, err = ticketledger.New(newRemote(), nil, nil)
	assert.ErrorIs(t, err, ticketledger.ErrStoreUnavailable)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	ledger, err := ticketledger.New(newRemote(), newLocal(), nil)
	require.NoError(t, err)
	assert.Equal(t, ticketledger.StateClosed, ledger.CircuitBreakerState())
	assert.WithinDuration(t, time.Now(), ledger.Now(), time.Minute)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := ticketledger.DefaultConfig()
	cfg.DefaultTimeZone = "Atlantis/Lost"

	_, err := ticketledger.New(newRemote(), newLocal(), &cfg)
	assert.Error(t, err)
}

func TestLedger_EnsureProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.EnsureProfile(ctx, "new-diver", "Europe/Lisbon"))
	require.NoError(t, f.ledger.EnsureProfile(ctx, "new-diver", "Europe/Lisbon"))

	profile, err := f.remote.GetProfile(ctx, "new-diver")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Lisbon", profile.TimeZone)
	assert.Zero(t, profile.Summary.TotalAvailable)

	assert.Error(t, f.ledger.EnsureProfile(ctx, "other", "Not/AZone"))
	assert.ErrorIs(t, f.ledger.EnsureProfile(ctx, "", ""), ticketledger.ErrInvalidUserID)
}

func TestLedger_EnsureProfileKeepsExistingSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	require.NoError(t, f.ledger.EnsureProfile(ctx, diver, ""))
	assert.Equal(t, 5, f.remoteSummary(t).TotalAvailable)
}

func TestLedger_SummaryReadsThroughCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, testTicket("live", 4, time.Hour))

	summary, err := f.ledger.Summary(ctx, diver)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalAvailable)
	assert.Equal(t, 4, f.localSummary(t).TotalAvailable)

	// Later remote changes are not visible until the cache is refreshed
	f.setRemoteTotal(t, 6)
	summary, err = f.ledger.Summary(ctx, diver)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalAvailable)

	require.NoError(t, f.ledger.ForceResync(ctx, diver))
	summary, err = f.ledger.Summary(ctx, diver)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalAvailable)
}

func TestLedger_SummaryUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Summary(context.Background(), "nobody")
	assert.ErrorIs(t, err, ticketledger.ErrUserNotFound)
}

func TestLedger_TicketsInSpendOrder(t *testing.T) {
	f := newFixture(t)

	used := testTicket("used", 0, time.Hour)
	used.Status = ticketledger.StatusUsed
	f.seed(t,
		testTicket("late", 1, 48*time.Hour),
		testTicket("early", 1, time.Hour),
		testTicket("expired", 1, -time.Hour),
		used,
	)

	tickets, err := f.ledger.Tickets(context.Background(), diver)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "early", tickets[0].ID)
	assert.Equal(t, "late", tickets[1].ID)
}

func TestLedger_CircuitBreakerFailsFast(t *testing.T) {
	raw := newRemote()
	remote := &brokenRemote{RemoteStore: raw, listErr: errors.New("connection reset by peer")}
	local := newLocal()
	f := newFixtureWith(t, remote, local, raw, local, func(cfg *ticketledger.Config) {
		cfg.CircuitBreakerConfig = &ticketledger.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}
	})
	ctx := context.Background()

	f.seed(t, testTicket("live", 1, time.Hour))

	for i := 0; i < 2; i++ {
		ok, err := f.ledger.Consume(ctx, diver)
		require.Error(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, ticketledger.StateOpen, f.ledger.CircuitBreakerState())

	remote.listErr = nil
	ok, err := f.ledger.Consume(ctx, diver)
	require.ErrorIs(t, err, ticketledger.ErrCircuitOpen)
	assert.False(t, ok)
	assert.Equal(t, 1, f.remoteTicket(t, "live").RemainingCount)

	f.clock.Advance(time.Minute)
	assert.Equal(t, ticketledger.StateHalfOpen, f.ledger.CircuitBreakerState())

	ok, err = f.ledger.Consume(ctx, diver)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ticketledger.StateClosed, f.ledger.CircuitBreakerState())

	assert.Equal(t, []string{"open", "half_open", "closed"}, f.metrics.breakerStates)
}

// ctxRemote fails listings once the caller's context is done, as the
// network-backed stores do
type ctxRemote struct {
	ticketledger.RemoteStore
}

func (r *ctxRemote) ListTickets(ctx context.Context, userID string,
	filter ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.RemoteStore.ListTickets(ctx, userID, filter)
}

func TestLedger_CancelledCallersKeepCircuitClosed(t *testing.T) {
	raw := newRemote()
	local := newLocal()
	f := newFixtureWith(t, &ctxRemote{RemoteStore: raw}, local, raw, local, func(cfg *ticketledger.Config) {
		cfg.CircuitBreakerConfig = &ticketledger.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}
	})
	f.seed(t, testTicket("live", 1, time.Hour))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		ok, err := f.ledger.Consume(cancelled, "impatient-diver")
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, ok)
	}
	assert.Equal(t, ticketledger.StateClosed, f.ledger.CircuitBreakerState())

	ok, err := f.ledger.Consume(context.Background(), diver)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_CircuitBreakerIgnoresLedgerOutcomes(t *testing.T) {
	f := newFixture(t, func(cfg *ticketledger.Config) {
		cfg.CircuitBreakerConfig = &ticketledger.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ledger.GrantDaily(ctx, "nobody")
		require.ErrorIs(t, err, ticketledger.ErrUserNotFound)
	}
	assert.Equal(t, ticketledger.StateClosed, f.ledger.CircuitBreakerState())
}
