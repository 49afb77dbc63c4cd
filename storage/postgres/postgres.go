// Package postgres provides a PostgreSQL implementation of ticketledger.RemoteStore.
// Transactions lock the rows they read with SELECT ... FOR UPDATE, so a
// ticket re-read inside a transaction always reflects the latest commit.
// Serialization failures and deadlocks are retried.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Schema creates the tables used by Storage
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_profiles (
	user_id             TEXT PRIMARY KEY,
	time_zone           TEXT NOT NULL DEFAULT '',
	total_available     INTEGER NOT NULL DEFAULT 0,
	last_daily_grant    TEXT NOT NULL DEFAULT '',
	period_contribution JSONB,
	updated_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ledger_tickets (
	user_id         TEXT NOT NULL REFERENCES ledger_profiles (user_id),
	ticket_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	remaining_count INTEGER NOT NULL CHECK (remaining_count >= 0),
	granted_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, ticket_id)
);

CREATE INDEX IF NOT EXISTS ledger_tickets_status_idx ON ledger_tickets (user_id, status);
`

// PostgreSQL error codes retried by RunTransaction
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeInFailedTransaction  = "25P02"
	classTransactionRollback = "40"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// Storage implements ticketledger.RemoteStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MaxAttempts bounds transaction runs on serialization failure
	MaxAttempts int

	// Migrate applies Schema on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MaxAttempts:     5,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the ledger tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetProfile implements ticketledger.RemoteStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*ticketledger.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx, selectProfile+` WHERE user_id = $1`, userID))
}

// CreateProfile implements ticketledger.RemoteStore
func (s *Storage) CreateProfile(ctx context.Context, userID, timeZone string) error {
	if userID == "" {
		return ticketledger.ErrInvalidUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_profiles (user_id, time_zone, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, timeZone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// ListTickets implements ticketledger.RemoteStore
func (s *Storage) ListTickets(ctx context.Context, userID string,
	filter ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	query := selectTicket + ` WHERE user_id = $1`
	args := []interface{}{userID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY expires_at ASC NULLS LAST, granted_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*ticketledger.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, nil
}

// RunTransaction implements ticketledger.RemoteStore
func (s *Storage) RunTransaction(ctx context.Context,
	fn func(ctx context.Context, tx ticketledger.RemoteTx) error) error {
	var err error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return abortError(err)
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w",
		ticketledger.ErrTransactionConflict, s.config.MaxAttempts, err)
}

func (s *Storage) runOnce(ctx context.Context,
	fn func(ctx context.Context, tx ticketledger.RemoteTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ticketledger.ErrStoreUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &transaction{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// retryable reports serialization failures and deadlocks
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// abortError marks transactions the server rolled back on its own
func abortError(err error) error {
	if errors.Is(err, pgx.ErrTxCommitRollback) {
		return fmt.Errorf("%w: %w", ticketledger.ErrTransactionAborted, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) &&
		(pgErr.Code == codeInFailedTransaction || strings.HasPrefix(pgErr.Code, classTransactionRollback)) {
		return fmt.Errorf("%w: %w", ticketledger.ErrTransactionAborted, err)
	}
	return err
}

// transaction adapts pgx.Tx to ticketledger.RemoteTx
type transaction struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *transaction) GetProfile(userID string) (*ticketledger.Profile, error) {
	return scanProfile(t.tx.QueryRow(t.ctx, selectProfile+` WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *transaction) GetTicket(userID, ticketID string) (*ticketledger.Ticket, error) {
	ticket, err := scanTicket(t.tx.QueryRow(t.ctx,
		selectTicket+` WHERE user_id = $1 AND ticket_id = $2 FOR UPDATE`, userID, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ticketledger.ErrTicketNotFound
	}
	return ticket, err
}

func (t *transaction) CreateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO ledger_tickets
			(user_id, ticket_id, kind, remaining_count, granted_at, expires_at, status, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ticket.UserID, ticket.ID, string(ticket.Kind), ticket.RemainingCount,
		ticket.GrantedAt, nullTime(ticket.ExpiresAt), string(ticket.Status), ticket.Reason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case codeUniqueViolation:
				return ticketledger.ErrTicketExists
			case codeForeignKeyViolation:
				return ticketledger.ErrUserNotFound
			}
		}
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

func (t *transaction) UpdateTicket(ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE ledger_tickets SET remaining_count = $1, status = $2
			WHERE user_id = $3 AND ticket_id = $4`,
		ticket.RemainingCount, string(ticket.Status), ticket.UserID, ticket.ID)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ticketledger.ErrTicketNotFound
	}
	return nil
}

func (t *transaction) UpdateSummary(userID string, summary *ticketledger.QuotaSummary) error {
	if summary == nil {
		return fmt.Errorf("invalid summary")
	}
	contribution, err := json.Marshal(summary.PeriodContribution)
	if err != nil {
		return fmt.Errorf("failed to marshal period contribution: %w", err)
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE ledger_profiles
			SET total_available = $1, last_daily_grant = $2, period_contribution = $3, updated_at = $4
			WHERE user_id = $5`,
		summary.TotalAvailable, summary.LastDailyGrant, contribution, nullTime(summary.UpdatedAt), userID)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ticketledger.ErrUserNotFound
	}
	return nil
}

const selectProfile = `SELECT user_id, time_zone, total_available, last_daily_grant,
	period_contribution, updated_at FROM ledger_profiles`

const selectTicket = `SELECT user_id, ticket_id, kind, remaining_count, granted_at,
	expires_at, status, reason FROM ledger_tickets`

func scanProfile(row pgx.Row) (*ticketledger.Profile, error) {
	var (
		profile      ticketledger.Profile
		contribution []byte
		updatedAt    *time.Time
	)
	err := row.Scan(&profile.UserID, &profile.TimeZone, &profile.Summary.TotalAvailable,
		&profile.Summary.LastDailyGrant, &contribution, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ticketledger.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(contribution) > 0 {
		if err := json.Unmarshal(contribution, &profile.Summary.PeriodContribution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal period contribution: %w", err)
		}
	}
	if updatedAt != nil {
		profile.Summary.UpdatedAt = updatedAt.UTC()
	}
	return &profile, nil
}

func scanTicket(row pgx.Row) (*ticketledger.Ticket, error) {
	var (
		ticket    ticketledger.Ticket
		kind      string
		status    string
		expiresAt *time.Time
	)
	err := row.Scan(&ticket.UserID, &ticket.ID, &kind, &ticket.RemainingCount, &ticket.GrantedAt,
		&expiresAt, &status, &ticket.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	ticket.Kind = ticketledger.TicketKind(kind)
	ticket.Status = ticketledger.TicketStatus(status)
	ticket.GrantedAt = ticket.GrantedAt.UTC()
	if expiresAt != nil {
		ticket.ExpiresAt = expiresAt.UTC()
	}
	return &ticket, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
