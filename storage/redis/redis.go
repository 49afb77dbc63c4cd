// Package redis provides a Redis implementation of ticketledger.RemoteStore.
// Transactions use optimistic locking: every key read inside a transaction is
// WATCHed, writes are buffered and applied in one MULTI/EXEC, and EXEC fails
// when a watched key changed, in which case the transaction is run again.
//
// Keys, per user (the hash tag keeps one user's keys in one slot):
//
//	{prefix}{userID}:profile        hash, timeZone + JSON summary
//	{prefix}{userID}:ticket:{id}    string, JSON ticket
//	{prefix}{userID}:tickets        set of ticket IDs
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

const (
	fieldTimeZone = "timeZone"
	fieldSummary  = "summary"
)

// errReadAfterWrite mirrors Firestore: all reads must precede writes
var errReadAfterWrite = errors.New("transaction reads must happen before writes")

// Storage implements ticketledger.RemoteStore using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "ticketledger:")
	KeyPrefix string

	// MaxAttempts bounds transaction runs when a watched key changes (default: 5)
	MaxAttempts int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "ticketledger:",
		MaxAttempts: 5,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client or a failover client; a transaction runs
// on a single connection, so *redis.ClusterClient is not supported.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if _, ok := client.(*redis.ClusterClient); ok {
		return nil, fmt.Errorf("redis cluster clients are not supported")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "ticketledger:"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{client: client, config: config}, nil
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

func (s *Storage) profileKey(userID string) string {
	return s.config.KeyPrefix + "{" + userID + "}:profile"
}

func (s *Storage) ticketKey(userID, ticketID string) string {
	return s.config.KeyPrefix + "{" + userID + "}:ticket:" + ticketID
}

func (s *Storage) indexKey(userID string) string {
	return s.config.KeyPrefix + "{" + userID + "}:tickets"
}

func decodeProfile(userID string, fields map[string]string) (*ticketledger.Profile, error) {
	profile := &ticketledger.Profile{UserID: userID, TimeZone: fields[fieldTimeZone]}
	data, ok := fields[fieldSummary]
	if !ok {
		return profile, nil
	}

	var record summaryRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	profile.Summary = ticketledger.QuotaSummary{
		TotalAvailable: record.TotalAvailable,
		LastDailyGrant: record.LastDailyGrant,
		UpdatedAt:      record.UpdatedAt,
	}
	if len(record.PeriodContribution) > 0 {
		profile.Summary.PeriodContribution = record.PeriodContribution
	}
	return profile, nil
}

func encodeSummary(summary *ticketledger.QuotaSummary) (string, error) {
	data, err := json.Marshal(summaryRecord{
		TotalAvailable:     summary.TotalAvailable,
		LastDailyGrant:     summary.LastDailyGrant,
		PeriodContribution: summary.PeriodContribution,
		UpdatedAt:          summary.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	return string(data), nil
}

func decodeTicket(userID, ticketID string, data []byte) (*ticketledger.Ticket, error) {
	var record ticketRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket %s: %w", ticketID, err)
	}
	return &ticketledger.Ticket{
		ID:             ticketID,
		UserID:         userID,
		Kind:           ticketledger.TicketKind(record.Kind),
		RemainingCount: record.RemainingCount,
		GrantedAt:      record.GrantedAt,
		ExpiresAt:      record.ExpiresAt,
		Status:         ticketledger.TicketStatus(record.Status),
		Reason:         record.Reason,
	}, nil
}

func encodeTicket(ticket *ticketledger.Ticket) (string, error) {
	data, err := json.Marshal(ticketRecord{
		Kind:           string(ticket.Kind),
		RemainingCount: ticket.RemainingCount,
		GrantedAt:      ticket.GrantedAt,
		ExpiresAt:      ticket.ExpiresAt,
		Status:         string(ticket.Status),
		Reason:         ticket.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal ticket %s: %w", ticket.ID, err)
	}
	return string(data), nil
}

// GetProfile implements ticketledger.RemoteStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*ticketledger.Profile, error) {
	fields, err := s.client.HGetAll(ctx, s.profileKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(fields) == 0 {
		return nil, ticketledger.ErrUserNotFound
	}
	return decodeProfile(userID, fields)
}

// CreateProfile implements ticketledger.RemoteStore
func (s *Storage) CreateProfile(ctx context.Context, userID, timeZone string) error {
	if userID == "" {
		return ticketledger.ErrInvalidUserID
	}
	if err := s.client.HSetNX(ctx, s.profileKey(userID), fieldTimeZone, timeZone).Err(); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// ListTickets implements ticketledger.RemoteStore
func (s *Storage) ListTickets(ctx context.Context, userID string,
	filter ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	if len(ids) == 0 {
		return []*ticketledger.Ticket{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.ticketKey(userID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tickets: %w", err)
	}

	tickets := make([]*ticketledger.Ticket, 0, len(values))
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		ticket, err := decodeTicket(userID, ids[i], []byte(data))
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && ticket.Status != filter.Status {
			continue
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// RunTransaction implements ticketledger.RemoteStore
func (s *Storage) RunTransaction(ctx context.Context,
	fn func(ctx context.Context, tx ticketledger.RemoteTx) error) error {
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &transaction{ctx: ctx, store: s, rtx: rtx, seen: make(map[string]bool)}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return tx.commit()
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: gave up after %d attempts", ticketledger.ErrTransactionConflict, s.config.MaxAttempts)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// transaction records which watched keys existed and buffers writes
type transaction struct {
	ctx    context.Context
	store  *Storage
	rtx    *redis.Tx
	seen   map[string]bool // watched key -> existed
	writes []func(pipe redis.Pipeliner)
}

// exists watches key and reports whether it exists, reusing an earlier read
func (tx *transaction) exists(key string) (bool, error) {
	if existed, ok := tx.seen[key]; ok {
		return existed, nil
	}
	if err := tx.rtx.Watch(tx.ctx, key).Err(); err != nil {
		return false, fmt.Errorf("failed to watch key: %w", err)
	}
	n, err := tx.rtx.Exists(tx.ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	tx.seen[key] = n > 0
	return n > 0, nil
}

func (tx *transaction) GetProfile(userID string) (*ticketledger.Profile, error) {
	if len(tx.writes) > 0 {
		return nil, errReadAfterWrite
	}

	key := tx.store.profileKey(userID)
	if err := tx.rtx.Watch(tx.ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch profile: %w", err)
	}
	fields, err := tx.rtx.HGetAll(tx.ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	tx.seen[key] = len(fields) > 0
	if len(fields) == 0 {
		return nil, ticketledger.ErrUserNotFound
	}
	return decodeProfile(userID, fields)
}

func (tx *transaction) GetTicket(userID, ticketID string) (*ticketledger.Ticket, error) {
	if len(tx.writes) > 0 {
		return nil, errReadAfterWrite
	}

	key := tx.store.ticketKey(userID, ticketID)
	if err := tx.rtx.Watch(tx.ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch ticket: %w", err)
	}
	data, err := tx.rtx.Get(tx.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		tx.seen[key] = false
		return nil, ticketledger.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	tx.seen[key] = true
	return decodeTicket(userID, ticketID, data)
}

func (tx *transaction) CreateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	key := tx.store.ticketKey(ticket.UserID, ticket.ID)
	existed, err := tx.exists(key)
	if err != nil {
		return err
	}
	if existed {
		return ticketledger.ErrTicketExists
	}
	return tx.setTicket(key, ticket, true)
}

func (tx *transaction) UpdateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	key := tx.store.ticketKey(ticket.UserID, ticket.ID)
	existed, err := tx.exists(key)
	if err != nil {
		return err
	}
	if !existed {
		return ticketledger.ErrTicketNotFound
	}
	return tx.setTicket(key, ticket, false)
}

func (tx *transaction) setTicket(key string, ticket *ticketledger.Ticket, create bool) error {
	data, err := encodeTicket(ticket)
	if err != nil {
		return err
	}
	indexKey := tx.store.indexKey(ticket.UserID)
	tx.writes = append(tx.writes, func(pipe redis.Pipeliner) {
		pipe.Set(tx.ctx, key, data, 0)
		if create {
			pipe.SAdd(tx.ctx, indexKey, ticket.ID)
		}
	})
	return nil
}

func (tx *transaction) UpdateSummary(userID string, summary *ticketledger.QuotaSummary) error {
	if summary == nil {
		return fmt.Errorf("invalid summary")
	}
	key := tx.store.profileKey(userID)
	existed, err := tx.exists(key)
	if err != nil {
		return err
	}
	if !existed {
		return ticketledger.ErrUserNotFound
	}

	data, err := encodeSummary(summary)
	if err != nil {
		return err
	}
	tx.writes = append(tx.writes, func(pipe redis.Pipeliner) {
		pipe.HSet(tx.ctx, key, fieldSummary, data)
	})
	return nil
}

func (tx *transaction) commit() error {
	if len(tx.writes) == 0 {
		return nil
	}
	_, err := tx.rtx.TxPipelined(tx.ctx, func(pipe redis.Pipeliner) error {
		for _, write := range tx.writes {
			write(pipe)
		}
		return nil
	})
	return abortError(err)
}

// abortError marks a MULTI block Redis discarded while queuing
func abortError(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "EXECABORT") {
		return fmt.Errorf("%w: %w", ticketledger.ErrTransactionAborted, err)
	}
	return err
}
