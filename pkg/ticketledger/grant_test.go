package ticketledger_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

func TestGrantDaily_FirstGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, err := f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	assert.True(t, granted)

	id := ticketledger.DailyTicketID("2025-06-01", diver)
	ticket := f.remoteTicket(t, id)
	assert.Equal(t, "daily:2025-06-01:"+diver, ticket.ID)
	assert.Equal(t, ticketledger.KindDaily, ticket.Kind)
	assert.Equal(t, 5, ticket.RemainingCount)
	assert.Equal(t, ticketledger.StatusActive, ticket.Status)
	assert.Equal(t, t0, ticket.GrantedAt)
	assert.Equal(t, t0.Add(7*24*time.Hour), ticket.ExpiresAt)

	summary := f.remoteSummary(t)
	assert.Equal(t, 5, summary.TotalAvailable)
	assert.Equal(t, "2025-06-01", summary.LastDailyGrant)

	assert.Equal(t, 5, f.localSummary(t).TotalAvailable)
	assert.Equal(t, 5, f.localTicket(t, id).RemainingCount)
}

func TestGrantDaily_IdempotentWithinDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, err := f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	require.True(t, granted)

	f.clock.Advance(13 * time.Hour) // 23:00 UTC, same day
	for i := 0; i < 3; i++ {
		granted, err = f.ledger.GrantDaily(ctx, diver)
		require.NoError(t, err)
		assert.False(t, granted)
	}

	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)

	summary := f.remoteSummary(t)
	assert.Equal(t, 5, summary.TotalAvailable)
	assert.Equal(t, "2025-06-01", summary.LastDailyGrant)
}

func TestGrantDaily_NextDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	granted, err := f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	assert.True(t, granted)

	summary := f.remoteSummary(t)
	assert.Equal(t, 10, summary.TotalAvailable)
	assert.Equal(t, "2025-06-02", summary.LastDailyGrant)
	f.remoteTicket(t, ticketledger.DailyTicketID("2025-06-02", diver))
}

func TestGrantDaily_UsesProfileTimeZone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.EnsureProfile(ctx, "tokyo-diver", "Asia/Tokyo"))

	// 14:30 UTC is 23:30 in Tokyo on June 1
	f.clock.Advance(4*time.Hour + 30*time.Minute)
	granted, err := f.ledger.GrantDaily(ctx, "tokyo-diver")
	require.NoError(t, err)
	require.True(t, granted)
	granted, err = f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	require.True(t, granted)

	// 15:30 UTC is already June 2 in Tokyo but still June 1 in UTC
	f.clock.Advance(time.Hour)
	granted, err = f.ledger.GrantDaily(ctx, "tokyo-diver")
	require.NoError(t, err)
	assert.True(t, granted)
	granted, err = f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	assert.False(t, granted)

	profile, err := f.remote.GetProfile(ctx, "tokyo-diver")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-02", profile.Summary.LastDailyGrant)
	assert.Equal(t, 10, profile.Summary.TotalAvailable)
}

func TestGrantDaily_UnknownTimeZoneFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.SetProfile(&ticketledger.Profile{UserID: "lost-diver", TimeZone: "Mars/Olympus"})
	granted, err := f.ledger.GrantDaily(ctx, "lost-diver")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Positive(t, f.logger.count("warn"))

	profile, err := f.remote.GetProfile(ctx, "lost-diver")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01", profile.Summary.LastDailyGrant)
}

func TestGrantDaily_ConcurrentCallsGrantOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.ledger.GrantDaily(ctx, diver)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				granted++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, granted)
	assert.Equal(t, 5, f.remoteSummary(t).TotalAvailable)

	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestGrantDaily_RepairsLostGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Ticket committed earlier, guard missing from the summary
	daily := testTicket(ticketledger.DailyTicketID("2025-06-01", diver), 5, 7*24*time.Hour)
	daily.Kind = ticketledger.KindDaily
	f.seed(t, daily)

	granted, err := f.ledger.GrantDaily(ctx, diver)
	require.NoError(t, err)
	assert.False(t, granted)

	summary := f.remoteSummary(t)
	assert.Equal(t, "2025-06-01", summary.LastDailyGrant)
	assert.Equal(t, 5, summary.TotalAvailable)
	assert.Equal(t, 5, f.remoteTicket(t, daily.ID).RemainingCount)

	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestGrantDaily_UnknownUser(t *testing.T) {
	f := newFixture(t)

	granted, err := f.ledger.GrantDaily(context.Background(), "nobody")
	require.ErrorIs(t, err, ticketledger.ErrUserNotFound)
	assert.False(t, granted)
	assert.Contains(t, f.logger.entries["warn"], "daily grant failed")
}

func TestGrantDaily_EmptyUserID(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.GrantDaily(context.Background(), "")
	assert.ErrorIs(t, err, ticketledger.ErrInvalidUserID)
}

func TestGrantDaily_LocalFailureDoesNotFailGrant(t *testing.T) {
	remote := newRemote()
	raw := newLocal()
	local := &flakyLocal{LocalStore: raw, failAll: true}
	f := newFixtureWith(t, remote, local, remote, raw)

	granted, err := f.ledger.GrantDaily(context.Background(), diver)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 5, f.remoteSummary(t).TotalAvailable)
	assert.Equal(t, 1, f.metrics.mirrorFailures)
}

func TestGrantContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.GrantContribution(ctx, diver, "new dive point: Blue Hole", ticketledger.CategoryPoints))

	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)

	ticket := tickets[0]
	assert.True(t, strings.HasPrefix(ticket.ID, "contribution:"))
	assert.True(t, strings.HasSuffix(ticket.ID, ":"+diver))
	assert.Equal(t, ticketledger.KindContribution, ticket.Kind)
	assert.Equal(t, 1, ticket.RemainingCount)
	assert.Equal(t, t0.Add(30*24*time.Hour), ticket.ExpiresAt)
	assert.Equal(t, "new dive point: Blue Hole", ticket.Reason)

	summary := f.remoteSummary(t)
	assert.Equal(t, 1, summary.TotalAvailable)
	assert.Empty(t, summary.PeriodContribution)
	assert.Equal(t, 1, f.localSummary(t).TotalAvailable)
}

func TestGrantContribution_CountsDuringCampaign(t *testing.T) {
	f := newFixture(t, func(cfg *ticketledger.Config) {
		cfg.Campaign = &ticketledger.Campaign{Start: t0.Add(-time.Hour), End: t0.Add(time.Hour)}
	})
	ctx := context.Background()

	require.NoError(t, f.ledger.GrantContribution(ctx, diver, "reef shark", ticketledger.CategoryCreatures))
	require.NoError(t, f.ledger.GrantContribution(ctx, diver, "manta ray", ticketledger.CategoryCreatures))
	require.NoError(t, f.ledger.GrantContribution(ctx, diver, "review", ticketledger.CategoryReviews))

	// campaign end is exclusive
	f.clock.Advance(time.Hour)
	require.NoError(t, f.ledger.GrantContribution(ctx, diver, "late review", ticketledger.CategoryReviews))

	summary := f.remoteSummary(t)
	assert.Equal(t, 4, summary.TotalAvailable)
	assert.Equal(t, 2, summary.PeriodContribution[ticketledger.CategoryCreatures])
	assert.Equal(t, 1, summary.PeriodContribution[ticketledger.CategoryReviews])
	assert.Zero(t, summary.PeriodContribution[ticketledger.CategoryPoints])
}

func TestGrantContribution_InvalidCategory(t *testing.T) {
	f := newFixture(t)

	err := f.ledger.GrantContribution(context.Background(), diver, "???", "photos")
	require.ErrorIs(t, err, ticketledger.ErrInvalidCategory)
	assert.Equal(t, 0, f.remoteSummary(t).TotalAvailable)
}

func TestGrantTest_UnknownUserIsLogged(t *testing.T) {
	f := newFixture(t)

	err := f.ledger.GrantTest(context.Background(), "nobody", "smoke test")
	require.ErrorIs(t, err, ticketledger.ErrUserNotFound)
	assert.Contains(t, f.logger.entries["warn"], "grant failed")
}

func TestGrantTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.GrantTest(ctx, diver, "smoke test"))

	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.True(t, strings.HasPrefix(tickets[0].ID, "test:"))
	assert.Equal(t, ticketledger.KindTest, tickets[0].Kind)
	assert.Equal(t, t0.Add(24*time.Hour), tickets[0].ExpiresAt)
	assert.Equal(t, 1, f.remoteSummary(t).TotalAvailable)
}

func TestGrant_SameInstantGetsDistinctIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.ledger.GrantTest(ctx, diver, "burst"))
	}

	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, tickets, 3)
	assert.Equal(t, 3, f.remoteSummary(t).TotalAvailable)

	f.remoteTicket(t, ticketledger.GrantTicketID(ticketledger.KindTest, t0, diver))
	f.remoteTicket(t, ticketledger.GrantTicketID(ticketledger.KindTest, t0.Add(2), diver))
}

func TestGrant_NeverExpiringWindow(t *testing.T) {
	f := newFixture(t, func(cfg *ticketledger.Config) {
		cfg.ExpiryWindows = map[ticketledger.TicketKind]time.Duration{ticketledger.KindTest: -1}
	})
	ctx := context.Background()

	require.NoError(t, f.ledger.GrantTest(ctx, diver, "forever"))
	tickets, err := f.remote.ListTickets(ctx, diver, ticketledger.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.True(t, tickets[0].ExpiresAt.IsZero())
}
