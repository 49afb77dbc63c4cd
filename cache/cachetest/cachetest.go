// Package cachetest holds the behaviour every ticketledger.LocalStore
// implementation must share. Backend test files call Run with a factory.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Factory returns an empty store; it is called once per subtest
type Factory func(t *testing.T) ticketledger.LocalStore

var base = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func ticket(userID, id string, remaining int, expiresAt time.Time) *ticketledger.Ticket {
	return &ticketledger.Ticket{
		ID:             id,
		UserID:         userID,
		Kind:           ticketledger.KindContribution,
		RemainingCount: remaining,
		GrantedAt:      base,
		ExpiresAt:      expiresAt,
		Status:         ticketledger.StatusActive,
		Reason:         "new dive point",
	}
}

// Run exercises the LocalStore contract against stores built by factory
func Run(t *testing.T, factory Factory) {
	t.Run("SummaryMiss", func(t *testing.T) {
		store := factory(t)
		_, err := store.GetSummary(context.Background(), "diver1")
		assert.ErrorIs(t, err, ticketledger.ErrCacheMiss)
	})

	t.Run("SummaryRoundTrip", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		summary := &ticketledger.QuotaSummary{
			TotalAvailable: 7,
			LastDailyGrant: "2025-06-01",
			PeriodContribution: ticketledger.PeriodContribution{
				ticketledger.CategoryCreatures: 3,
			},
			UpdatedAt: base,
		}
		require.NoError(t, store.SaveSummary(ctx, "diver1", summary))

		got, err := store.GetSummary(ctx, "diver1")
		require.NoError(t, err)
		assert.Equal(t, 7, got.TotalAvailable)
		assert.Equal(t, "2025-06-01", got.LastDailyGrant)
		assert.Equal(t, 3, got.PeriodContribution[ticketledger.CategoryCreatures])
		assert.True(t, got.UpdatedAt.Equal(base))

		summary.TotalAvailable = 6
		require.NoError(t, store.SaveSummary(ctx, "diver1", summary))
		got, err = store.GetSummary(ctx, "diver1")
		require.NoError(t, err)
		assert.Equal(t, 6, got.TotalAvailable)

		_, err = store.GetSummary(ctx, "diver2")
		assert.ErrorIs(t, err, ticketledger.ErrCacheMiss)
	})

	t.Run("TicketUpsert", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		first := ticket("diver1", "contribution:1:diver1", 1, base.Add(30*24*time.Hour))
		require.NoError(t, store.SaveTicket(ctx, first))

		spent := first.Clone()
		spent.RemainingCount = 0
		spent.Status = ticketledger.StatusUsed
		require.NoError(t, store.SaveTicket(ctx, spent))

		tickets, err := store.ListTickets(ctx, "diver1")
		require.NoError(t, err)
		require.Len(t, tickets, 1)
		assert.Equal(t, 0, tickets[0].RemainingCount)
		assert.Equal(t, ticketledger.StatusUsed, tickets[0].Status)
		assert.Equal(t, "new dive point", tickets[0].Reason)
		assert.True(t, tickets[0].ExpiresAt.Equal(first.ExpiresAt))
	})

	t.Run("BulkSave", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		tickets := []*ticketledger.Ticket{
			ticket("diver1", "a", 1, base.Add(24*time.Hour)),
			ticket("diver1", "b", 5, time.Time{}),
		}
		require.NoError(t, store.SaveTickets(ctx, "diver1", tickets))
		require.NoError(t, store.SaveTicket(ctx, ticket("diver2", "c", 1, base)))

		got, err := store.ListTickets(ctx, "diver1")
		require.NoError(t, err)
		require.Len(t, got, 2)

		byID := map[string]*ticketledger.Ticket{}
		for _, tk := range got {
			byID[tk.ID] = tk
		}
		require.Contains(t, byID, "b")
		assert.True(t, byID["b"].ExpiresAt.IsZero())
		assert.Equal(t, 5, byID["b"].RemainingCount)

		empty, err := store.ListTickets(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Settings", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		_, err := store.GetSetting(ctx, "diver1", ticketledger.SettingSyncedAt)
		assert.ErrorIs(t, err, ticketledger.ErrCacheMiss)

		require.NoError(t, store.SetSetting(ctx, "diver1", ticketledger.SettingSyncedAt, "a"))
		require.NoError(t, store.SetSetting(ctx, "diver1", ticketledger.SettingSyncedAt, "b"))

		value, err := store.GetSetting(ctx, "diver1", ticketledger.SettingSyncedAt)
		require.NoError(t, err)
		assert.Equal(t, "b", value)

		_, err = store.GetSetting(ctx, "diver2", ticketledger.SettingSyncedAt)
		assert.ErrorIs(t, err, ticketledger.ErrCacheMiss)
	})
}
