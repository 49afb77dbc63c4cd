// Package badger provides a BadgerDB implementation of ticketledger.LocalStore.
//
// Key layout:
//
//	summary/{userID}
//	ticket/{userID}/{ticketID}
//	setting/{userID}/{key}
//
// Values are JSON documents.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Config holds configuration for the Badger cache.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger ticketledger.Logger
}

// DefaultConfig returns production defaults for a cache rooted at path
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for tests
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts ticketledger.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger ticketledger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), ticketledger.Field{Key: "component", Value: "badger"})
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), ticketledger.Field{Key: "component", Value: "badger"})
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), ticketledger.Field{Key: "component", Value: "badger"})
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), ticketledger.Field{Key: "component", Value: "badger"})
}

// Store implements ticketledger.LocalStore using BadgerDB
type Store struct {
	db *badger.DB
}

// Open opens the cache with the given configuration
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

type summaryRecord struct {
	TotalAvailable     int                                       `json:"totalAvailable"`
	LastDailyGrant     string                                    `json:"lastDailyGrant"`
	PeriodContribution map[ticketledger.ContributionCategory]int `json:"periodContribution,omitempty"`
	UpdatedAt          time.Time                                 `json:"updatedAt"`
}

type ticketRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Kind           string    `json:"kind"`
	RemainingCount int       `json:"remainingCount"`
	GrantedAt      time.Time `json:"grantedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
}

func summaryKey(userID string) []byte {
	return []byte("summary/" + userID)
}

func ticketPrefix(userID string) []byte {
	return []byte("ticket/" + userID + "/")
}

func ticketKey(userID, ticketID string) []byte {
	return append(ticketPrefix(userID), ticketID...)
}

func settingKey(userID, key string) []byte {
	return []byte("setting/" + userID + "/" + key)
}

// GetSummary implements ticketledger.LocalStore
func (s *Store) GetSummary(_ context.Context, userID string) (*ticketledger.QuotaSummary, error) {
	var record summaryRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ticketledger.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	summary := &ticketledger.QuotaSummary{
		TotalAvailable: record.TotalAvailable,
		LastDailyGrant: record.LastDailyGrant,
		UpdatedAt:      record.UpdatedAt,
	}
	if len(record.PeriodContribution) > 0 {
		summary.PeriodContribution = ticketledger.PeriodContribution(record.PeriodContribution)
	}
	return summary, nil
}

// SaveSummary implements ticketledger.LocalStore
func (s *Store) SaveSummary(_ context.Context, userID string, summary *ticketledger.QuotaSummary) error {
	if userID == "" || summary == nil {
		return fmt.Errorf("invalid summary")
	}
	data, err := json.Marshal(summaryRecord{
		TotalAvailable:     summary.TotalAvailable,
		LastDailyGrant:     summary.LastDailyGrant,
		PeriodContribution: summary.PeriodContribution,
		UpdatedAt:          summary.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(summaryKey(userID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// SaveTicket implements ticketledger.LocalStore
func (s *Store) SaveTicket(ctx context.Context, ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	return s.SaveTickets(ctx, ticket.UserID, []*ticketledger.Ticket{ticket})
}

// SaveTickets implements ticketledger.LocalStore; all keys land or none do
func (s *Store) SaveTickets(_ context.Context, userID string, tickets []*ticketledger.Ticket) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, ticket := range tickets {
			if ticket == nil || ticket.ID == "" || ticket.UserID != userID {
				return fmt.Errorf("invalid ticket for user %s", userID)
			}
			data, err := json.Marshal(ticketRecord{
				ID:             ticket.ID,
				UserID:         ticket.UserID,
				Kind:           string(ticket.Kind),
				RemainingCount: ticket.RemainingCount,
				GrantedAt:      ticket.GrantedAt,
				ExpiresAt:      ticket.ExpiresAt,
				Status:         string(ticket.Status),
				Reason:         ticket.Reason,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal ticket %s: %w", ticket.ID, err)
			}
			if err := txn.Set(ticketKey(userID, ticket.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save tickets: %w", err)
	}
	return nil
}

// ListTickets implements ticketledger.LocalStore
func (s *Store) ListTickets(_ context.Context, userID string) ([]*ticketledger.Ticket, error) {
	tickets := []*ticketledger.Ticket{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := ticketPrefix(userID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record ticketRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			tickets = append(tickets, &ticketledger.Ticket{
				ID:             record.ID,
				UserID:         record.UserID,
				Kind:           ticketledger.TicketKind(record.Kind),
				RemainingCount: record.RemainingCount,
				GrantedAt:      record.GrantedAt,
				ExpiresAt:      record.ExpiresAt,
				Status:         ticketledger.TicketStatus(record.Status),
				Reason:         record.Reason,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, nil
}

// GetSetting implements ticketledger.LocalStore
func (s *Store) GetSetting(_ context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingKey(userID, key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		value = string(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ticketledger.ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting implements ticketledger.LocalStore
func (s *Store) SetSetting(_ context.Context, userID, key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(settingKey(userID, key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
