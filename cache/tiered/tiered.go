// Package tiered provides a Hot/Cold local cache that pairs a fast shared
// store (Hot, e.g. Redis) with a durable on-disk store (Cold, e.g. SQLite or
// BadgerDB).
//
// Strategies per operation:
//   - Read-Through: summaries and settings (Hot → Cold → populate Hot)
//   - Write-Through: every write (Cold → Hot)
//   - Cold-Only: ticket listing, since an empty Hot tier cannot tell
//     "no tickets" from "never loaded"
package tiered

import (
	"context"
	"errors"
	"fmt"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache (e.g., Redis, Memory) for high-frequency reads
	Hot ticketledger.LocalStore

	// Cold is the L2 durable cache (e.g., SQLite, BadgerDB)
	Cold ticketledger.LocalStore

	// ErrorHandler is called when a Hot read or read-repair fails.
	// Those failures are absorbed; Cold answers instead.
	ErrorHandler func(error)
}

// Store implements ticketledger.LocalStore over two tiers
type Store struct {
	hot  ticketledger.LocalStore
	cold ticketledger.LocalStore
	conf Config
}

// New creates a new tiered cache
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold stores are required")
	}
	return &Store{hot: config.Hot, cold: config.Cold, conf: config}, nil
}

func (s *Store) report(err error) {
	if err != nil && s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSummary implements ticketledger.LocalStore with read-through strategy
func (s *Store) GetSummary(ctx context.Context, userID string) (*ticketledger.QuotaSummary, error) {
	summary, err := s.hot.GetSummary(ctx, userID)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, ticketledger.ErrCacheMiss) {
		s.report(fmt.Errorf("tiered hot summary read failed: %w", err))
	}

	summary, err = s.cold.GetSummary(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Read-repair; a failed fill only costs the next read a Cold hit
	if err := s.hot.SaveSummary(ctx, userID, summary); err != nil {
		s.report(fmt.Errorf("tiered hot summary fill failed: %w", err))
	}
	return summary, nil
}

// GetSetting implements ticketledger.LocalStore with read-through strategy
func (s *Store) GetSetting(ctx context.Context, userID, key string) (string, error) {
	value, err := s.hot.GetSetting(ctx, userID, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ticketledger.ErrCacheMiss) {
		s.report(fmt.Errorf("tiered hot setting read failed: %w", err))
	}

	value, err = s.cold.GetSetting(ctx, userID, key)
	if err != nil {
		return "", err
	}
	if err := s.hot.SetSetting(ctx, userID, key, value); err != nil {
		s.report(fmt.Errorf("tiered hot setting fill failed: %w", err))
	}
	return value, nil
}

// --- Strategy: Cold-Only ---

// ListTickets implements ticketledger.LocalStore from the Cold tier
func (s *Store) ListTickets(ctx context.Context, userID string) ([]*ticketledger.Ticket, error) {
	return s.cold.ListTickets(ctx, userID)
}

// --- Strategy: Write-Through (Cold → Hot) ---
//
// A Hot failure is returned rather than absorbed: a stale Hot entry would
// keep answering reads, while a returned error makes the ledger retry the
// mirror and fall back to a full resync.

// SaveSummary implements ticketledger.LocalStore with write-through strategy
func (s *Store) SaveSummary(ctx context.Context, userID string, summary *ticketledger.QuotaSummary) error {
	if err := s.cold.SaveSummary(ctx, userID, summary); err != nil {
		return err
	}
	if err := s.hot.SaveSummary(ctx, userID, summary); err != nil {
		return fmt.Errorf("tiered hot write failed: %w", err)
	}
	return nil
}

// SaveTicket implements ticketledger.LocalStore with write-through strategy
func (s *Store) SaveTicket(ctx context.Context, ticket *ticketledger.Ticket) error {
	if err := s.cold.SaveTicket(ctx, ticket); err != nil {
		return err
	}
	if err := s.hot.SaveTicket(ctx, ticket); err != nil {
		return fmt.Errorf("tiered hot write failed: %w", err)
	}
	return nil
}

// SaveTickets implements ticketledger.LocalStore with write-through strategy
func (s *Store) SaveTickets(ctx context.Context, userID string, tickets []*ticketledger.Ticket) error {
	if err := s.cold.SaveTickets(ctx, userID, tickets); err != nil {
		return err
	}
	if err := s.hot.SaveTickets(ctx, userID, tickets); err != nil {
		return fmt.Errorf("tiered hot write failed: %w", err)
	}
	return nil
}

// SetSetting implements ticketledger.LocalStore with write-through strategy
func (s *Store) SetSetting(ctx context.Context, userID, key, value string) error {
	if err := s.cold.SetSetting(ctx, userID, key, value); err != nil {
		return err
	}
	if err := s.hot.SetSetting(ctx, userID, key, value); err != nil {
		return fmt.Errorf("tiered hot write failed: %w", err)
	}
	return nil
}
