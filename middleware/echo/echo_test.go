package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachememory "github.com/divelog/ticketledger/cache/memory"
	"github.com/divelog/ticketledger/pkg/ticketledger"
	"github.com/divelog/ticketledger/storage/memory"
)

type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListTickets(context.Context, string, ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	return nil, errors.New("connection refused")
}

func setupTestLedger(t *testing.T, remote ticketledger.RemoteStore, tickets int) *ticketledger.Ledger {
	t.Helper()
	if remote == nil {
		remote = memory.New()
	}
	ledger, err := ticketledger.New(remote, cachememory.New(), nil)
	require.NoError(t, err)
	require.NoError(t, ledger.EnsureProfile(context.Background(), "user1", ""))
	for i := 0; i < tickets; i++ {
		require.NoError(t, ledger.GrantTest(context.Background(), "user1", "echo test"))
	}
	return ledger
}

func setupServer(cfg Config, called *int) *echo.Echo {
	e := echo.New()
	e.POST("/ai/chat/:uid", func(c echo.Context) error {
		*called++
		return c.String(http.StatusOK, "answer")
	}, Middleware(cfg))
	return e
}

func request(e *echo.Echo, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpendsUntilEmpty(t *testing.T) {
	ledger := setupTestLedger(t, nil, 1)
	called := 0
	e := setupServer(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID")}, &called)

	rec := request(e, "/ai/chat/x", "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer", rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get(RemainingHeader))

	rec = request(e, "/ai/chat/x", "user1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"No tickets left","remaining":0}`, rec.Body.String())
	assert.Equal(t, 1, called)
}

func TestMiddleware_FromParamAndQuery(t *testing.T) {
	ledger := setupTestLedger(t, nil, 2)
	called := 0

	e := setupServer(Config{Ledger: ledger, GetUserID: FromParam("uid")}, &called)
	assert.Equal(t, http.StatusOK, request(e, "/ai/chat/user1", "").Code)

	e = setupServer(Config{Ledger: ledger, GetUserID: FromQuery("uid")}, &called)
	assert.Equal(t, http.StatusOK, request(e, "/ai/chat/x?uid=user1", "").Code)
	assert.Equal(t, 2, called)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	ledger := setupTestLedger(t, nil, 1)
	called := 0
	e := setupServer(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID")}, &called)

	assert.Equal(t, http.StatusUnauthorized, request(e, "/ai/chat/x", "").Code)
	assert.Zero(t, called)
}

func TestMiddleware_FailsClosed(t *testing.T) {
	ledger := setupTestLedger(t, &errorStorage{Storage: memory.New()}, 1)
	called := 0
	e := setupServer(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID")}, &called)

	assert.Equal(t, http.StatusServiceUnavailable, request(e, "/ai/chat/x", "user1").Code)
	assert.Zero(t, called)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	ledger := setupTestLedger(t, nil, 0)
	called := 0
	e := setupServer(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		OnNoTickets: func(c echo.Context) error {
			return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "watch an ad"})
		},
		OnUnauthorized: func(c echo.Context) error {
			return c.NoContent(http.StatusForbidden)
		},
	}, &called)

	assert.Equal(t, http.StatusPaymentRequired, request(e, "/ai/chat/x", "user1").Code)
	assert.Equal(t, http.StatusForbidden, request(e, "/ai/chat/x", "").Code)
	assert.Zero(t, called)
}

func TestMiddleware_GrantDailyAndContext(t *testing.T) {
	ledger := setupTestLedger(t, nil, 0)
	called := 0
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.POST("/ai/chat", func(c echo.Context) error {
		called++
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{Ledger: ledger, GetUserID: FromContext("UserID"), GrantDaily: true}))

	rec := request(e, "/ai/chat", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get(RemainingHeader))
	assert.Equal(t, 1, called)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromQuery("uid")}) })
	assert.Panics(t, func() { Middleware(Config{Ledger: setupTestLedger(t, nil, 0)}) })
}
