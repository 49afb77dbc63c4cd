package ticketledger

import (
	"context"
)

// RemoteStore is the authoritative ticket store.
// All ledger-mutating operations go through RunTransaction; it is the only
// synchronization point between processes working on the same user.
type RemoteStore interface {
	// RunTransaction runs fn with read-then-conditional-write semantics.
	// Reads inside fn observe a consistent snapshot; writes are applied
	// atomically when fn returns nil. On a concurrent-modification conflict
	// the store retries fn and, once its retries are exhausted, returns an
	// error wrapping ErrTransactionConflict. Errors returned by fn abort the
	// transaction and are returned unchanged (wrapped at most).
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx RemoteTx) error) error

	// GetProfile reads the user's profile outside a transaction.
	// Returns ErrUserNotFound if the profile does not exist.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// CreateProfile creates the profile with an empty summary.
	// It is a no-op if the profile already exists.
	CreateProfile(ctx context.Context, userID, timeZone string) error

	// ListTickets queries the user's tickets outside a transaction
	ListTickets(ctx context.Context, userID string, filter TicketFilter) ([]*Ticket, error)
}

// RemoteTx is the view of the remote store inside a transaction.
// Implementations backed by Firestore require every read to happen before
// the first write; the engines in this package honour that order.
type RemoteTx interface {
	// GetProfile returns ErrUserNotFound if the profile does not exist
	GetProfile(userID string) (*Profile, error)

	// GetTicket returns ErrTicketNotFound if the ticket does not exist
	GetTicket(userID, ticketID string) (*Ticket, error)

	// CreateTicket returns ErrTicketExists if the ID is taken
	CreateTicket(ticket *Ticket) error

	// UpdateTicket overwrites the mutable fields (RemainingCount, Status)
	UpdateTicket(ticket *Ticket) error

	// UpdateSummary overwrites the profile's quota summary
	UpdateSummary(userID string, summary *QuotaSummary) error
}

// LocalStore is the per-user, offline-capable mirror of the remote store.
// It is never a source of truth for gating decisions; individual writes may
// fail and are repaired by the Synchronizer.
type LocalStore interface {
	// GetSummary returns ErrCacheMiss if no summary is cached for the user
	GetSummary(ctx context.Context, userID string) (*QuotaSummary, error)

	// SaveSummary upserts the user's summary
	SaveSummary(ctx context.Context, userID string, summary *QuotaSummary) error

	// SaveTicket upserts one ticket by (UserID, ID)
	SaveTicket(ctx context.Context, ticket *Ticket) error

	// SaveTickets upserts tickets in bulk
	SaveTickets(ctx context.Context, userID string, tickets []*Ticket) error

	// ListTickets returns every cached ticket of the user
	ListTickets(ctx context.Context, userID string) ([]*Ticket, error)

	// GetSetting returns ErrCacheMiss if the key is not set
	GetSetting(ctx context.Context, userID, key string) (string, error)

	// SetSetting upserts a key/value settings row
	SetSetting(ctx context.Context, userID, key, value string) error
}
