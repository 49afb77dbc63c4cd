package ticketledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// maxIDCollisions bounds how often a non-daily grant re-derives its ID when
// another grant for the same user landed on the same nanosecond
const maxIDCollisions = 8

// GrantEngine issues tickets into the remote store and keeps the quota
// summary in step with them.
type GrantEngine struct {
	remote RemoteStore
	sync   *Synchronizer
	config Config
}

// NewGrantEngine creates a grant engine that mirrors through sync
func NewGrantEngine(sync *Synchronizer) *GrantEngine {
	return &GrantEngine{remote: sync.remote, sync: sync, config: sync.config}
}

// GrantDaily grants the daily login ticket unless today's has already been
// granted. Today is evaluated in the user's time zone. Safe to call any
// number of times and from concurrent processes: the day key guard and the
// deterministic ticket ID are both checked inside one transaction.
func (g *GrantEngine) GrantDaily(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUserID
	}

	now := g.config.Clock.Now()
	count := g.config.GrantCounts[KindDaily]

	var (
		ticket  *Ticket
		summary *QuotaSummary
		today   string
	)
	start := time.Now()
	err := g.remote.RunTransaction(ctx, func(_ context.Context, tx RemoteTx) error {
		ticket, summary = nil, nil

		profile, err := tx.GetProfile(userID)
		if err != nil {
			return err
		}
		today = DayKey(now, g.profileLocation(profile))
		if profile.Summary.LastDailyGrant == today {
			return nil
		}

		id := DailyTicketID(today, userID)
		_, err = tx.GetTicket(userID, id)
		switch {
		case err == nil:
			// Ticket committed but guard lost: repair the guard only.
			repaired := profile.Summary.Clone()
			repaired.LastDailyGrant = today
			repaired.UpdatedAt = now
			if err := tx.UpdateSummary(userID, repaired); err != nil {
				return err
			}
			summary = repaired
			return nil
		case !errors.Is(err, ErrTicketNotFound):
			return err
		}

		created := &Ticket{
			ID:             id,
			UserID:         userID,
			Kind:           KindDaily,
			RemainingCount: count,
			GrantedAt:      now,
			ExpiresAt:      g.config.expiresAt(KindDaily, now),
			Status:         StatusActive,
			Reason:         "daily login bonus " + today,
		}
		updated := profile.Summary.Clone()
		updated.TotalAvailable += count
		updated.LastDailyGrant = today
		updated.UpdatedAt = now

		if err := tx.CreateTicket(created); err != nil {
			return err
		}
		if err := tx.UpdateSummary(userID, updated); err != nil {
			return err
		}
		ticket, summary = created, updated
		return nil
	})
	g.sync.observe("grant_daily", start, err)
	if err != nil {
		g.config.Metrics.RecordGrant(KindDaily, false)
		g.config.Logger.Warn("daily grant failed",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		return false, fmt.Errorf("failed to grant daily ticket: %w", err)
	}

	granted := ticket != nil
	g.config.Metrics.RecordGrant(KindDaily, granted)
	if summary != nil {
		g.mirror(ctx, userID, ticket, summary)
	}
	if granted {
		g.config.Logger.Info("daily ticket granted",
			Field{"userId", userID},
			Field{"day", today},
			Field{"count", count},
		)
	}
	return granted, nil
}

// GrantContribution grants a one-use ticket for a contribution. While the
// configured campaign is active the category counter is incremented too.
// Each call grants; callers must not report the same contribution twice.
func (g *GrantEngine) GrantContribution(ctx context.Context, userID, reason string,
	category ContributionCategory) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return g.grant(ctx, userID, KindContribution, reason, category)
}

// GrantTest grants a one-use diagnostic ticket
func (g *GrantEngine) GrantTest(ctx context.Context, userID, reason string) error {
	return g.grant(ctx, userID, KindTest, reason, "")
}

func (g *GrantEngine) grant(ctx context.Context, userID string, kind TicketKind, reason string,
	category ContributionCategory) error {
	if userID == "" {
		return ErrInvalidUserID
	}

	now := g.config.Clock.Now()
	count := g.config.GrantCounts[kind]
	countContribution := category != "" && g.config.Campaign.Active(now)

	var (
		ticket  *Ticket
		summary *QuotaSummary
	)
	start := time.Now()
	err := g.remote.RunTransaction(ctx, func(_ context.Context, tx RemoteTx) error {
		ticket, summary = nil, nil

		profile, err := tx.GetProfile(userID)
		if err != nil {
			return err
		}
		id, err := g.freeTicketID(tx, kind, now, userID)
		if err != nil {
			return err
		}

		created := &Ticket{
			ID:             id,
			UserID:         userID,
			Kind:           kind,
			RemainingCount: count,
			GrantedAt:      now,
			ExpiresAt:      g.config.expiresAt(kind, now),
			Status:         StatusActive,
			Reason:         reason,
		}
		updated := profile.Summary.Clone()
		updated.TotalAvailable += count
		updated.UpdatedAt = now
		if countContribution {
			if updated.PeriodContribution == nil {
				updated.PeriodContribution = make(PeriodContribution)
			}
			updated.PeriodContribution[category]++
		}

		if err := tx.CreateTicket(created); err != nil {
			return err
		}
		if err := tx.UpdateSummary(userID, updated); err != nil {
			return err
		}
		ticket, summary = created, updated
		return nil
	})
	g.sync.observe("grant_"+string(kind), start, err)
	g.config.Metrics.RecordGrant(kind, err == nil)
	if err != nil {
		g.config.Logger.Warn("grant failed",
			Field{"userId", userID},
			Field{"kind", string(kind)},
			Field{"error", err.Error()},
		)
		return fmt.Errorf("failed to grant %s ticket: %w", kind, err)
	}

	g.mirror(ctx, userID, ticket, summary)
	g.config.Logger.Info("ticket granted",
		Field{"userId", userID},
		Field{"kind", string(kind)},
		Field{"ticketId", ticket.ID},
		Field{"campaign", countContribution},
	)
	return nil
}

// freeTicketID derives the ticket ID from the grant time, moving forward one
// nanosecond at a time past IDs already taken
func (g *GrantEngine) freeTicketID(tx RemoteTx, kind TicketKind, grantedAt time.Time,
	userID string) (string, error) {
	for i := 0; i < maxIDCollisions; i++ {
		id := GrantTicketID(kind, grantedAt.Add(time.Duration(i)), userID)
		_, err := tx.GetTicket(userID, id)
		if errors.Is(err, ErrTicketNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free %s ticket id at %s", ErrTicketExists, kind,
		grantedAt.Format(time.RFC3339Nano))
}

// profileLocation resolves the profile's zone, falling back to the default
// zone when the stored name is unknown
func (g *GrantEngine) profileLocation(profile *Profile) *time.Location {
	loc, err := g.config.location(profile.TimeZone)
	if err == nil {
		return loc
	}
	g.config.Logger.Warn("unknown profile time zone, using default",
		Field{"userId", profile.UserID},
		Field{"timeZone", profile.TimeZone},
		Field{"default", g.config.DefaultTimeZone},
	)
	loc, _ = g.config.location("")
	return loc
}

// mirror is a single best-effort write; the next sync repairs a failure
func (g *GrantEngine) mirror(ctx context.Context, userID string, ticket *Ticket, summary *QuotaSummary) {
	if err := g.sync.Mirror(context.WithoutCancel(ctx), userID, ticket, summary); err != nil {
		g.config.Metrics.RecordMirrorFailure("grant")
		g.config.Logger.Warn("failed to mirror grant locally",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
	}
}
