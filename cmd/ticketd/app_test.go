package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divelog/ticketledger/internal/config"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func send(t *testing.T, h http.Handler, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_GatesAssistantProxy(t *testing.T) {
	var upstreamPaths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPaths = append(upstreamPaths, r.URL.Path)
		_, _ = io.WriteString(w, "which wrasse is this?")
	}))
	defer upstream.Close()

	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Server.UpstreamURL = upstream.URL
	})
	require.NoError(t, a.ledger.EnsureProfile(context.Background(), "diver", ""))
	router, err := a.router()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec := send(t, router, http.MethodPost, "/v1/assistant/chat", "diver")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "which wrasse is this?", rec.Body.String())
	}

	rec := send(t, router, http.MethodPost, "/v1/assistant/chat", "diver")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, upstreamPaths, 5)
	assert.Equal(t, "/chat", upstreamPaths[0])

	rec = send(t, router, http.MethodPost, "/v1/assistant/chat", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_TicketAPIAndMetrics(t *testing.T) {
	a := newTestApp(t, nil)
	require.NoError(t, a.ledger.EnsureProfile(context.Background(), "diver", ""))
	router, err := a.router()
	require.NoError(t, err)

	rec := send(t, router, http.MethodPost, "/v1/tickets/grants/daily", "diver")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = send(t, router, http.MethodPost, "/v1/tickets/consume", "diver")
	require.Equal(t, http.StatusOK, rec.Code)
	var consumed struct {
		Consumed       bool `json:"consumed"`
		TotalAvailable int  `json:"total_available"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&consumed))
	assert.True(t, consumed.Consumed)
	assert.Equal(t, 4, consumed.TotalAvailable)

	// No upstream configured
	assert.Equal(t, http.StatusNotFound, send(t, router, http.MethodPost, "/v1/assistant/chat", "diver").Code)

	rec = send(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ticketledger_ticket_consumption_total{outcome="consumed"} 1`)
	assert.Contains(t, body, `ticketledger_ticket_grants_total{granted="true",kind="daily"} 1`)
	assert.Contains(t, body, "go_goroutines")

	assert.Equal(t, http.StatusOK, send(t, router, http.MethodGet, "/healthz", "").Code)
}

func TestRouter_InvalidUpstream(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Server.UpstreamURL = "://bad"
	})
	_, err := a.router()
	assert.Error(t, err)
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TICKETD_LOG_LEVEL", "error")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGrantCommand(t *testing.T) {
	out, err := runCommand(t, "grant", "daily", "--user", "diver", "--tz", "Europe/Lisbon")
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, true, result["granted"])
	assert.EqualValues(t, 5, result["total_available"])
}

func TestGrantCommand_Errors(t *testing.T) {
	_, err := runCommand(t, "grant", "bonus", "--user", "diver")
	assert.Error(t, err)

	_, err = runCommand(t, "grant", "test")
	assert.Error(t, err, "missing --user")

	_, err = runCommand(t, "grant", "contribution", "--user", "diver", "--category", "wrecks")
	assert.Error(t, err)
}

func TestConsumeCommand_NoTickets(t *testing.T) {
	_, err := runCommand(t, "consume", "--user", "nobody")
	assert.Error(t, err)
}

func TestCommands_InvalidConfig(t *testing.T) {
	t.Setenv("TICKETD_REMOTE_BACKEND", "cassandra")
	_, err := runCommand(t, "sync", "--user", "diver")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "cassandra"))
}
