// Package http provides net/http middleware that spends one ticket per request
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// RemainingHeader reports the user's remaining uses after a successful spend
const RemainingHeader = "X-Tickets-Remaining"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the ticket ledger instance (required)
	Ledger *ticketledger.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GrantDaily issues today's login ticket before spending, so the first
	// gated request of the day never finds an empty ledger
	GrantDaily bool

	// NoTicketsStatusCode is the HTTP status code returned when no ticket is left
	// Default: 429 (Too Many Requests)
	NoTicketsStatusCode int

	// OnNoTickets is called when the user has no usable ticket
	// If nil, returns NoTicketsStatusCode JSON
	OnNoTickets func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the ledger could not decide; the request is
	// never let through in that case
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that lets a request through only
// after one ticket use was committed for its user
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Ledger == nil {
		panic("ticketledger/http: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("ticketledger/http: Config.GetUserID is required")
	}
	if cfg.NoTicketsStatusCode == 0 {
		cfg.NoTicketsStatusCode = http.StatusTooManyRequests
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			ctx := r.Context()
			if cfg.GrantDaily {
				// Consume still decides; a failed grant only means no new ticket
				_, _ = cfg.Ledger.GrantDaily(ctx, userID) //nolint:errcheck // logged by the ledger
			}

			ok, err := cfg.Ledger.Consume(ctx, userID)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
				}
				return
			}
			if !ok {
				if cfg.OnNoTickets != nil {
					cfg.OnNoTickets(w, r)
				} else {
					writeJSON(w, cfg.NoTicketsStatusCode, map[string]interface{}{
						"error":     "No tickets left",
						"remaining": 0,
					})
				}
				return
			}

			addRemainingHeader(ctx, w, cfg.Ledger, userID)
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that spends tickets (HandlerFunc version)
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// addRemainingHeader reports the cached remaining count; skipped when the
// summary cannot be read
func addRemainingHeader(ctx context.Context, w http.ResponseWriter, ledger *ticketledger.Ledger, userID string) {
	summary, err := ledger.Summary(ctx, userID)
	if err != nil {
		return
	}
	w.Header().Set(RemainingHeader, strconv.Itoa(summary.TotalAvailable))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // client went away
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "tickets:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns an UserIDExtractor that gets user ID from a query parameter
func FromQuery(name string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
