package ticketledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SettingSyncedAt is the local settings key recording the last full sync
const SettingSyncedAt = "tickets.synced_at"

// Resync triggers reported to Metrics.RecordResync
const (
	TriggerInitial       = "initial"
	TriggerManual        = "manual"
	TriggerMirrorFailure = "mirror_failure"
)

// Synchronizer keeps the local cache in line with the remote store.
// It bulk-loads a user on session start, repairs drift with a full resync,
// and owns the single-ticket mirror path used after remote commits.
type Synchronizer struct {
	remote RemoteStore
	local  LocalStore
	config Config

	resyncs singleflight.Group
}

// NewSynchronizer creates a cache synchronizer
func NewSynchronizer(remote RemoteStore, local LocalStore, config *Config) (*Synchronizer, error) {
	if remote == nil || local == nil {
		return nil, ErrStoreUnavailable
	}
	cfg, err := resolveConfig(config)
	if err != nil {
		return nil, err
	}
	return &Synchronizer{remote: remote, local: local, config: cfg}, nil
}

// InitialSync copies the user's tickets and summary into an empty local
// cache. It reports whether a sync ran; a user already synced is skipped.
// An empty marker (see MarkStale) counts as not synced.
func (s *Synchronizer) InitialSync(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUserID
	}

	syncedAt, err := s.local.GetSetting(ctx, userID, SettingSyncedAt)
	if err == nil && syncedAt != "" {
		return false, nil
	}
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return false, fmt.Errorf("failed to read sync marker: %w", err)
	}

	profile, tickets, err := s.pull(ctx, userID)
	if err != nil {
		s.config.Metrics.RecordResync(TriggerInitial, err)
		return false, err
	}

	summary := profile.Summary.Clone()
	if err := s.writeLocal(ctx, userID, tickets, summary); err != nil {
		s.config.Metrics.RecordResync(TriggerInitial, err)
		return false, err
	}

	s.config.Metrics.RecordResync(TriggerInitial, nil)
	s.config.Logger.Info("initial ticket sync complete",
		Field{"userId", userID},
		Field{"tickets", len(tickets)},
		Field{"totalAvailable", summary.TotalAvailable},
	)
	return true, nil
}

// ForceResync re-pulls every ticket of the user and overwrites the local
// mirror. The summary's TotalAvailable is recomputed from the usable active
// tickets, so both overcount and undercount drift are repaired locally; with
// RepairRemoteSummary the remote summary is corrected as well.
func (s *Synchronizer) ForceResync(ctx context.Context, userID string) error {
	return s.forceResync(ctx, userID, TriggerManual)
}

func (s *Synchronizer) forceResync(ctx context.Context, userID, trigger string) error {
	if userID == "" {
		return ErrInvalidUserID
	}

	// Concurrent resyncs of one user would write the same snapshot.
	_, err, _ := s.resyncs.Do(userID, func() (interface{}, error) {
		return nil, s.resync(ctx, userID)
	})
	s.config.Metrics.RecordResync(trigger, err)
	return err
}

func (s *Synchronizer) resync(ctx context.Context, userID string) error {
	profile, tickets, err := s.pull(ctx, userID)
	if err != nil {
		return err
	}

	now := s.config.Clock.Now()
	summary := profile.Summary.Clone()
	actual := SumRemaining(tickets, now)

	if summary.TotalAvailable != actual {
		direction := "undercount"
		if summary.TotalAvailable > actual {
			direction = "overcount"
		}
		s.config.Logger.Warn("ticket summary drift detected",
			Field{"userId", userID},
			Field{"direction", direction},
			Field{"summary", summary.TotalAvailable},
			Field{"actual", actual},
		)

		if s.config.RepairRemoteSummary {
			repaired, err := s.repairRemote(ctx, userID, summary.TotalAvailable, actual, now)
			if err != nil {
				// The local mirror is still corrected below; the remote
				// summary is retried on the next resync.
				s.config.Logger.Warn("failed to repair remote ticket summary",
					Field{"userId", userID},
					Field{"error", err.Error()},
				)
			} else if repaired != nil {
				summary = repaired
			}
		}

		summary.TotalAvailable = actual
		s.config.Metrics.RecordDriftCorrection(direction)
	}

	return s.writeLocal(ctx, userID, tickets, summary)
}

// repairRemote sets the remote TotalAvailable to actual, provided nobody
// changed it since it was observed. A concurrent grant or spend makes the
// observation stale and the repair is skipped (nil summary, nil error).
func (s *Synchronizer) repairRemote(ctx context.Context, userID string, observed, actual int,
	now time.Time) (*QuotaSummary, error) {
	var repaired *QuotaSummary
	start := time.Now()
	err := s.remote.RunTransaction(ctx, func(_ context.Context, tx RemoteTx) error {
		repaired = nil
		profile, err := tx.GetProfile(userID)
		if err != nil {
			return err
		}
		if profile.Summary.TotalAvailable != observed {
			return nil
		}
		summary := profile.Summary.Clone()
		summary.TotalAvailable = actual
		summary.UpdatedAt = now
		if err := tx.UpdateSummary(userID, summary); err != nil {
			return err
		}
		repaired = summary
		return nil
	})
	s.observe("repair_summary", start, err)
	return repaired, err
}

// Mirror writes post-commit values into the local cache.
// Either ticket or summary may be nil.
func (s *Synchronizer) Mirror(ctx context.Context, userID string, ticket *Ticket, summary *QuotaSummary) error {
	if summary != nil {
		if err := s.local.SaveSummary(ctx, userID, summary); err != nil {
			return fmt.Errorf("failed to mirror summary: %w", err)
		}
	}
	if ticket != nil {
		if err := s.local.SaveTicket(ctx, ticket); err != nil {
			return fmt.Errorf("failed to mirror ticket %s: %w", ticket.ID, err)
		}
	}
	return nil
}

// MarkStale clears the sync marker so the next InitialSync reloads the user
func (s *Synchronizer) MarkStale(ctx context.Context, userID string) error {
	return s.local.SetSetting(ctx, userID, SettingSyncedAt, "")
}

// observe records the latency and outcome of a remote operation
func (s *Synchronizer) observe(operation string, start time.Time, err error) {
	s.config.Metrics.RecordStorageOperation(operation, time.Since(start), err)
}

// pull fetches the profile and the full ticket list concurrently
func (s *Synchronizer) pull(ctx context.Context, userID string) (*Profile, []*Ticket, error) {
	var (
		profile *Profile
		tickets []*Ticket
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.remote.GetProfile(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to get profile: %w", err)
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		ts, err := s.remote.ListTickets(gctx, userID, TicketFilter{})
		if err != nil {
			return fmt.Errorf("failed to list tickets: %w", err)
		}
		tickets = ts
		return nil
	})
	err := g.Wait()
	s.observe("pull", start, err)
	if err != nil {
		return nil, nil, err
	}
	return profile, tickets, nil
}

func (s *Synchronizer) writeLocal(ctx context.Context, userID string, tickets []*Ticket,
	summary *QuotaSummary) error {
	if err := s.local.SaveTickets(ctx, userID, tickets); err != nil {
		return fmt.Errorf("failed to save tickets locally: %w", err)
	}
	if err := s.local.SaveSummary(ctx, userID, summary); err != nil {
		return fmt.Errorf("failed to save summary locally: %w", err)
	}
	syncedAt := s.config.Clock.Now().UTC().Format(time.RFC3339Nano)
	if err := s.local.SetSetting(ctx, userID, SettingSyncedAt, syncedAt); err != nil {
		return fmt.Errorf("failed to save sync marker: %w", err)
	}
	return nil
}
