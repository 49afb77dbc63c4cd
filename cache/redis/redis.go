// Package redis provides a Redis implementation of ticketledger.LocalStore.
// It is meant as a node-local hot cache for server deployments where the
// remote store is the source of truth.
//
// Keys, per user:
//
//	{prefix}summary:{userID}  string, JSON summary
//	{prefix}tickets:{userID}  hash, ticket ID -> JSON ticket
//	{prefix}settings:{userID} hash, key -> value
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Store implements ticketledger.LocalStore using Redis
type Store struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "ticketledger:")
	KeyPrefix string

	// TTL expires a user's cached keys after the last write (0 = no expiration)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "ticketledger:",
		TTL:       7 * 24 * time.Hour,
	}
}

// New creates a new Redis cache adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ticketledger:"
	}
	return &Store{client: client, config: config}, nil
}

type summaryRecord struct {
	TotalAvailable     int                                       `json:"totalAvailable"`
	LastDailyGrant     string                                    `json:"lastDailyGrant"`
	PeriodContribution map[ticketledger.ContributionCategory]int `json:"periodContribution,omitempty"`
	UpdatedAt          time.Time                                 `json:"updatedAt"`
}

type ticketRecord struct {
	Kind           string    `json:"kind"`
	RemainingCount int       `json:"remainingCount"`
	GrantedAt      time.Time `json:"grantedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
}

func (s *Store) summaryKey(userID string) string {
	return s.config.KeyPrefix + "summary:" + userID
}

func (s *Store) ticketsKey(userID string) string {
	return s.config.KeyPrefix + "tickets:" + userID
}

func (s *Store) settingsKey(userID string) string {
	return s.config.KeyPrefix + "settings:" + userID
}

// GetSummary implements ticketledger.LocalStore
func (s *Store) GetSummary(ctx context.Context, userID string) (*ticketledger.QuotaSummary, error) {
	data, err := s.client.Get(ctx, s.summaryKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ticketledger.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	var record summaryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	summary := &ticketledger.QuotaSummary{
		TotalAvailable: record.TotalAvailable,
		LastDailyGrant: record.LastDailyGrant,
		UpdatedAt:      record.UpdatedAt,
	}
	if len(record.PeriodContribution) > 0 {
		summary.PeriodContribution = record.PeriodContribution
	}
	return summary, nil
}

// SaveSummary implements ticketledger.LocalStore
func (s *Store) SaveSummary(ctx context.Context, userID string, summary *ticketledger.QuotaSummary) error {
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
	if err := s.client.Set(ctx, s.summaryKey(userID), data, s.config.TTL).Err(); err != nil {
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

// SaveTickets implements ticketledger.LocalStore in one MULTI/EXEC
func (s *Store) SaveTickets(ctx context.Context, userID string, tickets []*ticketledger.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	fields := make([]interface{}, 0, 2*len(tickets))
	for _, ticket := range tickets {
		if ticket == nil || ticket.ID == "" || ticket.UserID != userID {
			return fmt.Errorf("invalid ticket for user %s", userID)
		}
		data, err := json.Marshal(ticketRecord{
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
		fields = append(fields, ticket.ID, string(data))
	}

	key := s.ticketsKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields...)
		if s.config.TTL > 0 {
			pipe.Expire(ctx, key, s.config.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save tickets: %w", err)
	}
	return nil
}

// ListTickets implements ticketledger.LocalStore
func (s *Store) ListTickets(ctx context.Context, userID string) ([]*ticketledger.Ticket, error) {
	entries, err := s.client.HGetAll(ctx, s.ticketsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}

	tickets := make([]*ticketledger.Ticket, 0, len(entries))
	for id, data := range entries {
		var record ticketRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ticket %s: %w", id, err)
		}
		tickets = append(tickets, &ticketledger.Ticket{
			ID:             id,
			UserID:         userID,
			Kind:           ticketledger.TicketKind(record.Kind),
			RemainingCount: record.RemainingCount,
			GrantedAt:      record.GrantedAt,
			ExpiresAt:      record.ExpiresAt,
			Status:         ticketledger.TicketStatus(record.Status),
			Reason:         record.Reason,
		})
	}
	return tickets, nil
}

// GetSetting implements ticketledger.LocalStore
func (s *Store) GetSetting(ctx context.Context, userID, key string) (string, error) {
	value, err := s.client.HGet(ctx, s.settingsKey(userID), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ticketledger.ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting implements ticketledger.LocalStore
func (s *Store) SetSetting(ctx context.Context, userID, key, value string) error {
	settingsKey := s.settingsKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, settingsKey, key, value)
		if s.config.TTL > 0 {
			pipe.Expire(ctx, settingsKey, s.config.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
