// Package fiber provides Fiber middleware that spends one ticket per request
package fiber

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// RemainingHeader reports the user's remaining uses after a successful spend
const RemainingHeader = "X-Tickets-Remaining"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnNoTickets func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the ledger could not decide
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that calls the next handler only
// after one ticket use was committed for the user
func Middleware(cfg Config) fiber.Handler {
	if cfg.Ledger == nil {
		panic("ticketledger/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("ticketledger/fiber: Config.GetUserID is required")
	}
	if cfg.NoTicketsStatusCode == 0 {
		cfg.NoTicketsStatusCode = fiber.StatusTooManyRequests
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ctx := c.UserContext()
		if cfg.GrantDaily {
			_, _ = cfg.Ledger.GrantDaily(ctx, userID) //nolint:errcheck // logged by the ledger; Consume decides
		}

		ok, err := cfg.Ledger.Consume(ctx, userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
		}
		if !ok {
			if cfg.OnNoTickets != nil {
				return cfg.OnNoTickets(c)
			}
			return c.Status(cfg.NoTicketsStatusCode).JSON(fiber.Map{
				"error":     "No tickets left",
				"remaining": 0,
			})
		}

		if summary, err := cfg.Ledger.Summary(ctx, userID); err == nil {
			c.Set(RemainingHeader, strconv.Itoa(summary.TotalAvailable))
		}
		return c.Next()
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware via c.Locals(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
