package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
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
		require.NoError(t, ledger.GrantTest(context.Background(), "user1", "fiber test"))
	}
	return ledger
}

func setupApp(cfg Config, called *int) *fiber.App {
	app := fiber.New()
	app.Post("/ai/chat/:uid", Middleware(cfg), func(c *fiber.Ctx) error {
		*called++
		return c.SendString("answer")
	})
	return app
}

func request(t *testing.T, app *fiber.App, path, userID string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMiddleware_SpendsUntilEmpty(t *testing.T) {
	ledger := setupTestLedger(t, nil, 1)
	called := 0
	app := setupApp(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID")}, &called)

	resp := request(t, app, "/ai/chat/x", "user1")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get(RemainingHeader))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "answer", string(body))

	resp = request(t, app, "/ai/chat/x", "user1")
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"No tickets left","remaining":0}`, string(body))
	assert.Equal(t, 1, called)
}

func TestMiddleware_FromParam(t *testing.T) {
	ledger := setupTestLedger(t, nil, 1)
	called := 0
	app := setupApp(Config{Ledger: ledger, GetUserID: FromParam("uid")}, &called)

	assert.Equal(t, fiber.StatusOK, request(t, app, "/ai/chat/user1", "").StatusCode)
	assert.Equal(t, 1, called)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	ledger := setupTestLedger(t, nil, 1)
	called := 0
	app := setupApp(Config{Ledger: ledger, GetUserID: FromQuery("uid")}, &called)

	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "/ai/chat/x", "").StatusCode)
	assert.Zero(t, called)
}

func TestMiddleware_FailsClosed(t *testing.T) {
	ledger := setupTestLedger(t, &errorStorage{Storage: memory.New()}, 1)
	called := 0
	app := setupApp(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID")}, &called)

	assert.Equal(t, fiber.StatusServiceUnavailable, request(t, app, "/ai/chat/x", "user1").StatusCode)
	assert.Zero(t, called)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	ledger := setupTestLedger(t, &errorStorage{Storage: memory.New()}, 0)
	var gotErr error
	called := 0
	app := setupApp(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c *fiber.Ctx, err error) error {
			gotErr = err
			return c.SendStatus(fiber.StatusBadGateway)
		},
	}, &called)

	assert.Equal(t, fiber.StatusBadGateway, request(t, app, "/ai/chat/x", "user1").StatusCode)
	assert.Error(t, gotErr)
	assert.Zero(t, called)
}

func TestMiddleware_GrantDailyFromLocals(t *testing.T) {
	ledger := setupTestLedger(t, nil, 0)
	called := 0
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user1")
		return c.Next()
	})
	app.Post("/ai/chat", Middleware(Config{Ledger: ledger, GetUserID: FromContext("UserID"), GrantDaily: true}),
		func(c *fiber.Ctx) error {
			called++
			return c.SendStatus(fiber.StatusOK)
		})

	resp := request(t, app, "/ai/chat", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "4", resp.Header.Get(RemainingHeader))
	assert.Equal(t, 1, called)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromQuery("uid")}) })
	assert.Panics(t, func() { Middleware(Config{Ledger: setupTestLedger(t, nil, 0)}) })
}
