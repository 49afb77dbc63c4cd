// Package memory provides an in-memory implementation of ticketledger.RemoteStore.
// Transactions use optimistic concurrency: every document carries a version,
// reads record the version they saw, and commit fails when any of them moved.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// DefaultMaxAttempts is how often a conflicting transaction is run
const DefaultMaxAttempts = 5

// errReadAfterWrite mirrors Firestore: all reads must precede writes
var errReadAfterWrite = errors.New("transaction reads must happen before writes")

// errConflict is the internal commit-time conflict signal
var errConflict = errors.New("commit conflict")

// Config holds in-memory store configuration
type Config struct {
	// MaxAttempts bounds transaction runs on conflict (default: 5)
	MaxAttempts int
}

type profileDoc struct {
	profile ticketledger.Profile
	version uint64
}

type ticketDoc struct {
	ticket  ticketledger.Ticket
	version uint64
}

// Storage implements ticketledger.RemoteStore using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	profiles map[string]*profileDoc
	tickets  map[string]map[string]*ticketDoc // userID -> ticketID -> doc

	maxAttempts int
}

// New creates a new in-memory remote store
func New() *Storage {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a new in-memory remote store with custom config
func NewWithConfig(config Config) *Storage {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	return &Storage{
		profiles:    make(map[string]*profileDoc),
		tickets:     make(map[string]map[string]*ticketDoc),
		maxAttempts: config.MaxAttempts,
	}
}

// GetProfile implements ticketledger.RemoteStore
func (s *Storage) GetProfile(_ context.Context, userID string) (*ticketledger.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.profiles[userID]
	if !ok {
		return nil, ticketledger.ErrUserNotFound
	}
	return doc.profile.Clone(), nil
}

// CreateProfile implements ticketledger.RemoteStore
func (s *Storage) CreateProfile(_ context.Context, userID, timeZone string) error {
	if userID == "" {
		return ticketledger.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[userID]; ok {
		return nil
	}
	s.profiles[userID] = &profileDoc{
		profile: ticketledger.Profile{UserID: userID, TimeZone: timeZone},
		version: 1,
	}
	return nil
}

// ListTickets implements ticketledger.RemoteStore
func (s *Storage) ListTickets(_ context.Context, userID string,
	filter ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets := make([]*ticketledger.Ticket, 0, len(s.tickets[userID]))
	for _, doc := range s.tickets[userID] {
		if filter.Status != "" && doc.ticket.Status != filter.Status {
			continue
		}
		tickets = append(tickets, doc.ticket.Clone())
	}
	return tickets, nil
}

// RunTransaction implements ticketledger.RemoteStore
func (s *Storage) RunTransaction(ctx context.Context,
	fn func(ctx context.Context, tx ticketledger.RemoteTx) error) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &transaction{
			store:    s,
			profiles: make(map[string]uint64),
			tickets:  make(map[string]uint64),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		err := s.commit(tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts", ticketledger.ErrTransactionConflict, s.maxAttempts)
}

func (s *Storage) commit(tx *transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, seen := range tx.profiles {
		if s.profileVersion(userID) != seen {
			return errConflict
		}
	}
	for key, seen := range tx.tickets {
		userID, ticketID := splitTicketKey(key)
		if s.ticketVersion(userID, ticketID) != seen {
			return errConflict
		}
	}
	for _, w := range tx.writes {
		if w.create && s.ticketVersion(w.ticket.UserID, w.ticket.ID) != 0 {
			return errConflict
		}
		if w.summary != nil && s.profileVersion(w.userID) == 0 {
			return ticketledger.ErrUserNotFound
		}
	}

	for _, w := range tx.writes {
		switch {
		case w.ticket != nil:
			byID, ok := s.tickets[w.ticket.UserID]
			if !ok {
				byID = make(map[string]*ticketDoc)
				s.tickets[w.ticket.UserID] = byID
			}
			doc, ok := byID[w.ticket.ID]
			if !ok {
				doc = &ticketDoc{}
				byID[w.ticket.ID] = doc
			}
			doc.ticket = *w.ticket
			doc.version++
		case w.summary != nil:
			doc := s.profiles[w.userID]
			doc.profile.Summary = *w.summary
			doc.version++
		}
	}
	return nil
}

func (s *Storage) profileVersion(userID string) uint64 {
	if doc, ok := s.profiles[userID]; ok {
		return doc.version
	}
	return 0
}

func (s *Storage) ticketVersion(userID, ticketID string) uint64 {
	if doc, ok := s.tickets[userID][ticketID]; ok {
		return doc.version
	}
	return 0
}

// SetProfile stores a profile as is, replacing any existing one.
// Intended for seeding tests and fixtures.
func (s *Storage) SetProfile(profile *ticketledger.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.profileVersion(profile.UserID) + 1
	s.profiles[profile.UserID] = &profileDoc{profile: *profile.Clone(), version: version}
}

// SetTicket stores a ticket as is, bypassing the summary.
// Intended for seeding tests and fixtures.
func (s *Storage) SetTicket(ticket *ticketledger.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.tickets[ticket.UserID]
	if !ok {
		byID = make(map[string]*ticketDoc)
		s.tickets[ticket.UserID] = byID
	}
	version := s.ticketVersion(ticket.UserID, ticket.ID) + 1
	byID[ticket.ID] = &ticketDoc{ticket: *ticket, version: version}
}

// GetTicket reads one ticket outside a transaction
func (s *Storage) GetTicket(userID, ticketID string) (*ticketledger.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.tickets[userID][ticketID]
	if !ok {
		return nil, ticketledger.ErrTicketNotFound
	}
	return doc.ticket.Clone(), nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*profileDoc)
	s.tickets = make(map[string]map[string]*ticketDoc)
}

type write struct {
	ticket  *ticketledger.Ticket
	create  bool
	userID  string
	summary *ticketledger.QuotaSummary
}

// transaction buffers writes until commit and records read versions
type transaction struct {
	store    *Storage
	profiles map[string]uint64
	tickets  map[string]uint64
	writes   []write
}

func (tx *transaction) GetProfile(userID string) (*ticketledger.Profile, error) {
	if len(tx.writes) > 0 {
		return nil, errReadAfterWrite
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	doc, ok := tx.store.profiles[userID]
	if !ok {
		tx.profiles[userID] = 0
		return nil, ticketledger.ErrUserNotFound
	}
	tx.profiles[userID] = doc.version
	return doc.profile.Clone(), nil
}

func (tx *transaction) GetTicket(userID, ticketID string) (*ticketledger.Ticket, error) {
	if len(tx.writes) > 0 {
		return nil, errReadAfterWrite
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	key := ticketKey(userID, ticketID)
	doc, ok := tx.store.tickets[userID][ticketID]
	if !ok {
		tx.tickets[key] = 0
		return nil, ticketledger.ErrTicketNotFound
	}
	tx.tickets[key] = doc.version
	return doc.ticket.Clone(), nil
}

func (tx *transaction) CreateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	if seen, ok := tx.tickets[ticketKey(ticket.UserID, ticket.ID)]; ok && seen != 0 {
		return ticketledger.ErrTicketExists
	}
	tx.writes = append(tx.writes, write{ticket: ticket.Clone(), create: true})
	return nil
}

func (tx *transaction) UpdateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	if seen, ok := tx.tickets[ticketKey(ticket.UserID, ticket.ID)]; ok && seen == 0 {
		return ticketledger.ErrTicketNotFound
	}
	tx.writes = append(tx.writes, write{ticket: ticket.Clone()})
	return nil
}

func (tx *transaction) UpdateSummary(userID string, summary *ticketledger.QuotaSummary) error {
	if summary == nil {
		return fmt.Errorf("invalid summary")
	}
	if seen, ok := tx.profiles[userID]; ok && seen == 0 {
		return ticketledger.ErrUserNotFound
	}
	tx.writes = append(tx.writes, write{userID: userID, summary: summary.Clone()})
	return nil
}

func ticketKey(userID, ticketID string) string {
	return userID + "\x00" + ticketID
}

func splitTicketKey(key string) (userID, ticketID string) {
	userID, ticketID, _ = strings.Cut(key, "\x00")
	return userID, ticketID
}
