// Package firestore provides a Firestore implementation of ticketledger.RemoteStore.
//
// Layout:
//
//	users/{userID}                    profile; quota summary under "ticketSummary"
//	users/{userID}/tickets/{ticketID} one document per ticket
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

const summaryField = "ticketSummary"

// Storage implements ticketledger.RemoteStore using Google Cloud Firestore
type Storage struct {
	client            *firestore.Client
	usersCollection   string
	ticketsCollection string
	maxAttempts       int
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the collection holding user profiles
	// Default: "users"
	UsersCollection string

	// TicketsCollection is the per-user subcollection holding tickets
	// Default: "tickets"
	TicketsCollection string

	// MaxAttempts bounds transaction runs when Firestore aborts on contention
	// Default: 5
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.TicketsCollection == "" {
		config.TicketsCollection = "tickets"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{
		client:            client,
		usersCollection:   config.UsersCollection,
		ticketsCollection: config.TicketsCollection,
		maxAttempts:       config.MaxAttempts,
	}, nil
}

// GetProfile implements ticketledger.RemoteStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*ticketledger.Profile, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ticketledger.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", mapError(err))
	}
	if !snap.Exists() {
		return nil, ticketledger.ErrUserNotFound
	}
	return profileFromData(userID, snap.Data()), nil
}

// CreateProfile implements ticketledger.RemoteStore
func (s *Storage) CreateProfile(ctx context.Context, userID, timeZone string) error {
	if userID == "" {
		return ticketledger.ErrInvalidUserID
	}

	_, err := s.userDoc(userID).Create(ctx, map[string]interface{}{
		"timeZone":   timeZone,
		summaryField: summaryToData(&ticketledger.QuotaSummary{}),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to create profile: %w", mapError(err))
	}
	return nil
}

// ListTickets implements ticketledger.RemoteStore
func (s *Storage) ListTickets(ctx context.Context, userID string,
	filter ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	query := s.ticketsRef(userID).Query
	if filter.Status != "" {
		query = query.Where("status", "==", string(filter.Status))
	}

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", mapError(err))
	}

	tickets := make([]*ticketledger.Ticket, 0, len(snaps))
	for _, snap := range snaps {
		tickets = append(tickets, ticketFromData(userID, snap.Ref.ID, snap.Data()))
	}
	return tickets, nil
}

// RunTransaction implements ticketledger.RemoteStore.
// Firestore retries the function itself when a commit is aborted by
// contention; once MaxAttempts is spent the error maps to
// ticketledger.ErrTransactionConflict.
func (s *Storage) RunTransaction(ctx context.Context,
	fn func(ctx context.Context, tx ticketledger.RemoteTx) error) error {
	err := s.client.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(txCtx, &transaction{store: s, tx: tx})
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

func (s *Storage) ticketsRef(userID string) *firestore.CollectionRef {
	return s.userDoc(userID).Collection(s.ticketsCollection)
}

func (s *Storage) ticketDoc(userID, ticketID string) *firestore.DocumentRef {
	return s.ticketsRef(userID).Doc(ticketID)
}

// transaction adapts *firestore.Transaction to ticketledger.RemoteTx
type transaction struct {
	store *Storage
	tx    *firestore.Transaction
}

func (t *transaction) GetProfile(userID string) (*ticketledger.Profile, error) {
	snap, err := t.tx.Get(t.store.userDoc(userID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ticketledger.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return profileFromData(userID, snap.Data()), nil
}

func (t *transaction) GetTicket(userID, ticketID string) (*ticketledger.Ticket, error) {
	snap, err := t.tx.Get(t.store.ticketDoc(userID, ticketID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ticketledger.ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return ticketFromData(userID, ticketID, snap.Data()), nil
}

func (t *transaction) CreateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	if err := t.tx.Create(t.store.ticketDoc(ticket.UserID, ticket.ID), ticketToData(ticket)); err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

func (t *transaction) UpdateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	err := t.tx.Update(t.store.ticketDoc(ticket.UserID, ticket.ID), []firestore.Update{
		{Path: "remainingCount", Value: ticket.RemainingCount},
		{Path: "status", Value: string(ticket.Status)},
	})
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	return nil
}

func (t *transaction) UpdateSummary(userID string, summary *ticketledger.QuotaSummary) error {
	if summary == nil {
		return fmt.Errorf("invalid summary")
	}
	err := t.tx.Update(t.store.userDoc(userID), []firestore.Update{
		{Path: summaryField, Value: summaryToData(summary)},
	})
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	return nil
}

// mapError translates gRPC status codes into ledger sentinels
func mapError(err error) error {
	switch status.Code(err) {
	case codes.Aborted:
		return fmt.Errorf("%w: %w", ticketledger.ErrTransactionConflict, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %w", ticketledger.ErrTicketExists, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %w", ticketledger.ErrUserNotFound, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ticketledger.ErrStoreUnavailable, err)
	default:
		return err
	}
}

func profileFromData(userID string, data map[string]interface{}) *ticketledger.Profile {
	profile := &ticketledger.Profile{
		UserID:   userID,
		TimeZone: getString(data, "timeZone"),
	}
	if raw, ok := data[summaryField].(map[string]interface{}); ok {
		profile.Summary = summaryFromData(raw)
	}
	return profile
}

func summaryFromData(data map[string]interface{}) ticketledger.QuotaSummary {
	summary := ticketledger.QuotaSummary{
		TotalAvailable: getInt(data, "totalAvailable"),
		LastDailyGrant: getString(data, "lastDailyGrant"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
	if raw, ok := data["periodContribution"].(map[string]interface{}); ok && len(raw) > 0 {
		summary.PeriodContribution = make(ticketledger.PeriodContribution, len(raw))
		for category := range raw {
			summary.PeriodContribution[ticketledger.ContributionCategory(category)] = getInt(raw, category)
		}
	}
	return summary
}

func summaryToData(summary *ticketledger.QuotaSummary) map[string]interface{} {
	contribution := make(map[string]interface{}, len(summary.PeriodContribution))
	for category, count := range summary.PeriodContribution {
		contribution[string(category)] = count
	}
	data := map[string]interface{}{
		"totalAvailable":     summary.TotalAvailable,
		"lastDailyGrant":     summary.LastDailyGrant,
		"periodContribution": contribution,
	}
	if !summary.UpdatedAt.IsZero() {
		data["updatedAt"] = summary.UpdatedAt
	}
	return data
}

func ticketFromData(userID, ticketID string, data map[string]interface{}) *ticketledger.Ticket {
	return &ticketledger.Ticket{
		ID:             ticketID,
		UserID:         userID,
		Kind:           ticketledger.TicketKind(getString(data, "kind")),
		RemainingCount: getInt(data, "remainingCount"),
		GrantedAt:      getTime(data, "grantedAt"),
		ExpiresAt:      getTime(data, "expiresAt"),
		Status:         ticketledger.TicketStatus(getString(data, "status")),
		Reason:         getString(data, "reason"),
	}
}

func ticketToData(ticket *ticketledger.Ticket) map[string]interface{} {
	data := map[string]interface{}{
		"kind":           string(ticket.Kind),
		"remainingCount": ticket.RemainingCount,
		"grantedAt":      ticket.GrantedAt,
		"status":         string(ticket.Status),
		"reason":         ticket.Reason,
	}
	// No expiresAt field means the ticket never expires
	if !ticket.ExpiresAt.IsZero() {
		data["expiresAt"] = ticket.ExpiresAt
	}
	return data
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
