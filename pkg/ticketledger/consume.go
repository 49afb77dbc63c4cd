package ticketledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Consumption outcomes reported to Metrics.RecordConsumption
const (
	OutcomeConsumed  = "consumed"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// ConsumptionEngine spends tickets one use at a time
type ConsumptionEngine struct {
	remote RemoteStore
	local  LocalStore
	sync   *Synchronizer
	config Config
}

// NewConsumptionEngine creates a consumption engine that mirrors through sync
func NewConsumptionEngine(sync *Synchronizer) *ConsumptionEngine {
	return &ConsumptionEngine{remote: sync.remote, local: sync.local, sync: sync, config: sync.config}
}

// Consume spends one use of the user's soonest-expiring usable ticket.
// It returns true only after the decrement committed in the remote store;
// the gated action must not run otherwise. Running out of tickets is not an
// error (false, nil). Remote failures return false with the error. Local
// cache failures never change the result.
func (e *ConsumptionEngine) Consume(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUserID
	}

	candidates, err := e.candidates(ctx, userID)
	if err != nil {
		e.config.Metrics.RecordConsumption(OutcomeFailed)
		return false, err
	}
	if len(candidates) == 0 {
		e.correctOvercount(ctx, userID)
		e.config.Metrics.RecordConsumption(OutcomeExhausted)
		return false, nil
	}

	attempts := e.config.MaxCandidateAttempts
	if attempts > len(candidates) {
		attempts = len(candidates)
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			e.config.Metrics.RecordCandidateRetry()
		}

		ticket, summary, err := e.spend(ctx, userID, candidates[i].ID)
		if errors.Is(err, ErrTicketUnavailable) {
			e.config.Logger.Debug("lost race for ticket",
				Field{"userId", userID},
				Field{"ticketId", candidates[i].ID},
				Field{"attempt", i + 1},
			)
			continue
		}
		if err != nil {
			e.config.Metrics.RecordConsumption(OutcomeFailed)
			return false, fmt.Errorf("failed to consume ticket %s: %w", candidates[i].ID, err)
		}

		e.mirror(ctx, userID, ticket, summary)
		e.config.Metrics.RecordConsumption(OutcomeConsumed)
		return true, nil
	}

	e.config.Metrics.RecordConsumption(OutcomeExhausted)
	return false, nil
}

// candidates returns the user's usable tickets in FEFO order
func (e *ConsumptionEngine) candidates(ctx context.Context, userID string) ([]*Ticket, error) {
	start := time.Now()
	tickets, err := e.remote.ListTickets(ctx, userID, TicketFilter{Status: StatusActive})
	e.sync.observe("list_active", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tickets: %w", err)
	}
	usable := UsableTickets(tickets, e.config.Clock.Now())
	SortFEFO(usable)
	return usable, nil
}

// spend decrements one ticket and the summary in a single transaction.
// ErrTicketUnavailable means another consumer got there first.
func (e *ConsumptionEngine) spend(ctx context.Context, userID, ticketID string) (*Ticket, *QuotaSummary, error) {
	now := e.config.Clock.Now()

	var (
		ticket  *Ticket
		summary *QuotaSummary
	)
	start := time.Now()
	err := e.remote.RunTransaction(ctx, func(_ context.Context, tx RemoteTx) error {
		ticket, summary = nil, nil

		current, err := tx.GetTicket(userID, ticketID)
		if errors.Is(err, ErrTicketNotFound) {
			return ErrTicketUnavailable
		}
		if err != nil {
			return err
		}
		profile, err := tx.GetProfile(userID)
		if err != nil {
			return err
		}
		if !current.Usable(now) {
			return ErrTicketUnavailable
		}

		spent := current.Clone()
		spent.RemainingCount--
		if spent.RemainingCount <= 0 {
			spent.RemainingCount = 0
			spent.Status = StatusUsed
		}
		updated := profile.Summary.Clone()
		if updated.TotalAvailable > 0 {
			updated.TotalAvailable--
		}
		updated.UpdatedAt = now

		if err := tx.UpdateTicket(spent); err != nil {
			return err
		}
		if err := tx.UpdateSummary(userID, updated); err != nil {
			return err
		}
		ticket, summary = spent, updated
		return nil
	})
	e.sync.observe("consume", start, err)
	if err != nil {
		return nil, nil, err
	}
	return ticket, summary, nil
}

// mirror copies a committed spend into the local cache, retrying a bounded
// number of times before falling back to a full resync. It never fails the
// consumption: the remote commit already happened.
func (e *ConsumptionEngine) mirror(ctx context.Context, userID string, ticket *Ticket, summary *QuotaSummary) {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= e.config.LocalWriteAttempts; attempt++ {
		if err = e.sync.Mirror(ctx, userID, ticket, summary); err == nil {
			return
		}
		e.config.Metrics.RecordMirrorFailure("consume")
		e.config.Logger.Warn("failed to mirror consumption locally",
			Field{"userId", userID},
			Field{"ticketId", ticket.ID},
			Field{"attempt", attempt},
			Field{"error", err.Error()},
		)
		if attempt < e.config.LocalWriteAttempts && e.config.LocalRetryDelay > 0 {
			time.Sleep(e.config.LocalRetryDelay)
		}
	}

	if err := e.sync.forceResync(ctx, userID, TriggerMirrorFailure); err != nil {
		e.config.Logger.Error("resync after mirror failure failed, local cache is stale",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		if err := e.sync.MarkStale(ctx, userID); err != nil {
			e.config.Logger.Debug("failed to clear sync marker",
				Field{"userId", userID},
				Field{"error", err.Error()},
			)
		}
	}
}

// correctOvercount handles a user with no usable tickets whose cached
// summary still reports some: the remote summary is zeroed and the
// correction mirrored. The remote total is observed before the tickets are
// listed again, and the repair only lands if that total is unchanged, so a
// grant racing with it is never erased. Failures are logged only.
func (e *ConsumptionEngine) correctOvercount(ctx context.Context, userID string) {
	cached, err := e.local.GetSummary(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			e.config.Logger.Debug("failed to read cached summary",
				Field{"userId", userID},
				Field{"error", err.Error()},
			)
		}
		return
	}
	if cached.TotalAvailable <= 0 {
		return
	}

	e.config.Logger.Warn("cached summary reports tickets but none are usable",
		Field{"userId", userID},
		Field{"cached", cached.TotalAvailable},
	)

	start := time.Now()
	profile, err := e.remote.GetProfile(ctx, userID)
	e.sync.observe("get_profile", start, err)
	if err != nil {
		e.config.Logger.Warn("failed to read remote summary",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		return
	}
	observed := profile.Summary.Clone()

	corrected := observed
	if observed.TotalAvailable != 0 {
		again, err := e.candidates(ctx, userID)
		if err != nil {
			e.config.Logger.Warn("failed to recheck tickets",
				Field{"userId", userID},
				Field{"error", err.Error()},
			)
			return
		}
		if len(again) > 0 {
			e.config.Logger.Debug("skipping overcount repair, tickets were granted",
				Field{"userId", userID},
			)
			return
		}
		corrected, err = e.sync.repairRemote(ctx, userID, observed.TotalAvailable, 0, e.config.Clock.Now())
		if err != nil {
			e.config.Logger.Warn("failed to zero remote summary",
				Field{"userId", userID},
				Field{"error", err.Error()},
			)
			return
		}
		if corrected == nil {
			e.config.Logger.Debug("skipping overcount repair, remote summary changed",
				Field{"userId", userID},
				Field{"observed", observed.TotalAvailable},
			)
			return
		}
	}
	e.config.Metrics.RecordDriftCorrection("overcount")

	if err := e.sync.Mirror(context.WithoutCancel(ctx), userID, nil, corrected); err != nil {
		e.config.Metrics.RecordMirrorFailure("drift")
		e.config.Logger.Warn("failed to mirror summary correction",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
	}
}
