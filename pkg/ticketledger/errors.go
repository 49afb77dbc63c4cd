package ticketledger

import "errors"

var (
	// ErrUserNotFound is returned when the user has no profile record
	ErrUserNotFound = errors.New("user not found")

	// ErrTicketNotFound is returned when a ticket does not exist
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrTicketExists is returned when creating a ticket whose ID is taken
	ErrTicketExists = errors.New("ticket already exists")

	// ErrTicketUnavailable is returned inside a transaction when the chosen
	// ticket is no longer active (another consumer spent it first)
	ErrTicketUnavailable = errors.New("ticket no longer available")

	// ErrTransactionConflict is returned when a transaction keeps losing to
	// concurrent writers and its retries are exhausted
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTransactionAborted is returned when the store rolls a transaction back
	// on its own and retrying it is not expected to help
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrCacheMiss is returned by local stores for absent rows
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidCategory is returned for unknown contribution categories
	ErrInvalidCategory = errors.New("invalid contribution category")

	// ErrInvalidUserID is returned for empty user IDs
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStoreUnavailable is returned when a store is missing or unreachable
	ErrStoreUnavailable = errors.New("store unavailable")
)
