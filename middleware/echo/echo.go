// Package echo provides Echo middleware that spends one ticket per request
package echo

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// RemainingHeader reports the user's remaining uses after a successful spend
const RemainingHeader = "X-Tickets-Remaining"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the ticket ledger instance (required)
	Ledger *ticketledger.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GrantDaily issues today's login ticket before spending
	GrantDaily bool

	// NoTicketsStatusCode is the HTTP status code returned when no ticket is left
	// Default: 429 (Too Many Requests)
	NoTicketsStatusCode int

	// OnNoTickets is called when the user has no usable ticket
	// If nil, uses default response: NoTicketsStatusCode JSON
	OnNoTickets func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the ledger could not decide
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that calls the next handler only
// after one ticket use was committed for the user
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Ledger == nil {
		panic("ticketledger/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("ticketledger/echo: Config.GetUserID is required")
	}
	if cfg.NoTicketsStatusCode == 0 {
		cfg.NoTicketsStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ctx := c.Request().Context()
			if cfg.GrantDaily {
				_, _ = cfg.Ledger.GrantDaily(ctx, userID) //nolint:errcheck // logged by the ledger; Consume decides
			}

			ok, err := cfg.Ledger.Consume(ctx, userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
			}
			if !ok {
				if cfg.OnNoTickets != nil {
					return cfg.OnNoTickets(c)
				}
				return c.JSON(cfg.NoTicketsStatusCode, map[string]interface{}{
					"error":     "No tickets left",
					"remaining": 0,
				})
			}

			if summary, err := cfg.Ledger.Summary(ctx, userID); err == nil {
				c.Response().Header().Set(RemainingHeader, strconv.Itoa(summary.TotalAvailable))
			}
			return next(c)
		}
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context
// values set by an auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
