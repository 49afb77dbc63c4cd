// Package sqlite provides a SQLite implementation of ticketledger.LocalStore.
//
// The cache is a plain row store: one row per ticket, one summary row per
// user and key/value settings rows. Every write is an upsert by primary key.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	user_id         TEXT NOT NULL,
	id              TEXT NOT NULL,
	kind            TEXT NOT NULL,
	remaining_count INTEGER NOT NULL,
	granted_at      TEXT NOT NULL,
	expires_at      TEXT,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS summaries (
	user_id                  TEXT PRIMARY KEY,
	total_available          INTEGER NOT NULL,
	last_daily_grant         TEXT NOT NULL DEFAULT '',
	period_contribution_json TEXT,
	updated_at               TEXT
);

CREATE TABLE IF NOT EXISTS settings (
	user_id TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (user_id, key)
);
`

const upsertTicket = `
INSERT INTO tickets (user_id, id, kind, remaining_count, granted_at, expires_at, status, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, id) DO UPDATE SET
	kind = excluded.kind,
	remaining_count = excluded.remaining_count,
	granted_at = excluded.granted_at,
	expires_at = excluded.expires_at,
	status = excluded.status,
	reason = excluded.reason`

// Store implements ticketledger.LocalStore using SQLite
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the cache database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per connection, and the
	// cache has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// GetSummary implements ticketledger.LocalStore
func (s *Store) GetSummary(ctx context.Context, userID string) (*ticketledger.QuotaSummary, error) {
	var (
		summary      ticketledger.QuotaSummary
		contribution sql.NullString
		updatedAt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_available, last_daily_grant, period_contribution_json, updated_at
			FROM summaries WHERE user_id = ?`, userID).
		Scan(&summary.TotalAvailable, &summary.LastDailyGrant, &contribution, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ticketledger.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	if contribution.Valid && contribution.String != "" {
		if err := json.Unmarshal([]byte(contribution.String), &summary.PeriodContribution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal period contribution: %w", err)
		}
	}
	if summary.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &summary, nil
}

// SaveSummary implements ticketledger.LocalStore
func (s *Store) SaveSummary(ctx context.Context, userID string, summary *ticketledger.QuotaSummary) error {
	if userID == "" || summary == nil {
		return fmt.Errorf("invalid summary")
	}

	var contribution sql.NullString
	if len(summary.PeriodContribution) > 0 {
		data, err := json.Marshal(summary.PeriodContribution)
		if err != nil {
			return fmt.Errorf("failed to marshal period contribution: %w", err)
		}
		contribution = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (user_id, total_available, last_daily_grant, period_contribution_json, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				total_available = excluded.total_available,
				last_daily_grant = excluded.last_daily_grant,
				period_contribution_json = excluded.period_contribution_json,
				updated_at = excluded.updated_at`,
		userID, summary.TotalAvailable, summary.LastDailyGrant, contribution, formatTime(summary.UpdatedAt))
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
	if _, err := s.db.ExecContext(ctx, upsertTicket, ticketArgs(ticket)...); err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}
	return nil
}

// SaveTickets implements ticketledger.LocalStore; all rows land or none do
func (s *Store) SaveTickets(ctx context.Context, userID string, tickets []*ticketledger.Ticket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	stmt, err := tx.PrepareContext(ctx, upsertTicket)
	if err != nil {
		return fmt.Errorf("failed to prepare ticket upsert: %w", err)
	}
	defer stmt.Close()

	for _, ticket := range tickets {
		if ticket == nil || ticket.ID == "" || ticket.UserID != userID {
			return fmt.Errorf("invalid ticket for user %s", userID)
		}
		if _, err := stmt.ExecContext(ctx, ticketArgs(ticket)...); err != nil {
			return fmt.Errorf("failed to save ticket %s: %w", ticket.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tickets: %w", err)
	}
	return nil
}

// ListTickets implements ticketledger.LocalStore
func (s *Store) ListTickets(ctx context.Context, userID string) ([]*ticketledger.Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, remaining_count, granted_at, expires_at, status, reason
			FROM tickets WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []*ticketledger.Ticket{}
	for rows.Next() {
		var (
			ticket    = ticketledger.Ticket{UserID: userID}
			kind      string
			status    string
			grantedAt string
			expiresAt sql.NullString
		)
		if err := rows.Scan(&ticket.ID, &kind, &ticket.RemainingCount, &grantedAt, &expiresAt,
			&status, &ticket.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		ticket.Kind = ticketledger.TicketKind(kind)
		ticket.Status = ticketledger.TicketStatus(status)
		if ticket.GrantedAt, err = time.Parse(time.RFC3339Nano, grantedAt); err != nil {
			return nil, fmt.Errorf("failed to parse granted_at: %w", err)
		}
		if ticket.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, &ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, nil
}

// GetSetting implements ticketledger.LocalStore
func (s *Store) GetSetting(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ticketledger.ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting implements ticketledger.LocalStore
func (s *Store) SetSetting(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func ticketArgs(ticket *ticketledger.Ticket) []interface{} {
	return []interface{}{
		ticket.UserID, ticket.ID, string(ticket.Kind), ticket.RemainingCount,
		ticket.GrantedAt.UTC().Format(time.RFC3339Nano), formatTime(ticket.ExpiresAt),
		string(ticket.Status), ticket.Reason,
	}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", v.String, err)
	}
	return t, nil
}
