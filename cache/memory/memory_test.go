package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divelog/ticketledger/cache/cachetest"
	"github.com/divelog/ticketledger/cache/memory"
	"github.com/divelog/ticketledger/pkg/ticketledger"
)

func TestCache_Contract(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) ticketledger.LocalStore {
		return memory.New()
	})
}

func TestCache_ReturnsCopies(t *testing.T) {
	cache := memory.New()
	ctx := context.Background()

	summary := &ticketledger.QuotaSummary{TotalAvailable: 2}
	require.NoError(t, cache.SaveSummary(ctx, "diver1", summary))
	summary.TotalAvailable = 99

	got, err := cache.GetSummary(ctx, "diver1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalAvailable)

	got.TotalAvailable = 50
	again, err := cache.GetSummary(ctx, "diver1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.TotalAvailable)
}

func TestCache_RejectsForeignTickets(t *testing.T) {
	cache := memory.New()
	err := cache.SaveTickets(context.Background(), "diver1", []*ticketledger.Ticket{
		{ID: "t1", UserID: "diver2"},
	})
	assert.Error(t, err)
}
