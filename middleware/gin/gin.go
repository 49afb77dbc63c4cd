// Package gin provides Gin middleware that spends one ticket per request
package gin

import (
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// RemainingHeader reports the user's remaining uses after a successful spend
const RemainingHeader = "X-Tickets-Remaining"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnNoTickets func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the ledger could not decide
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that calls the next handler only after
// one ticket use was committed for the user
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Ledger == nil {
		panic("ticketledger/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("ticketledger/gin: Config.GetUserID is required")
	}
	if cfg.NoTicketsStatusCode == 0 {
		cfg.NoTicketsStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		if cfg.GrantDaily {
			_, _ = cfg.Ledger.GrantDaily(ctx, userID) //nolint:errcheck // logged by the ledger; Consume decides
		}

		ok, err := cfg.Ledger.Consume(ctx, userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
			}
			c.Abort()
			return
		}
		if !ok {
			if cfg.OnNoTickets != nil {
				cfg.OnNoTickets(c)
			} else {
				c.JSON(cfg.NoTicketsStatusCode, gongin.H{"error": "No tickets left", "remaining": 0})
			}
			c.Abort()
			return
		}

		if summary, err := cfg.Ledger.Summary(ctx, userID); err == nil {
			c.Header(RemainingHeader, strconv.Itoa(summary.TotalAvailable))
		}
		c.Next()
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
