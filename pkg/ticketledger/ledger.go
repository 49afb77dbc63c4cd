package ticketledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger is the entry point to the ticket ledger. It wires the grant and
// consumption engines and the cache synchronizer over one remote store and
// one local cache.
type Ledger struct {
	remote RemoteStore
	local  LocalStore
	config Config

	sync        *Synchronizer
	grants      *GrantEngine
	consumption *ConsumptionEngine

	circuitBreaker CircuitBreaker
}

// New creates a ledger. A nil config uses DefaultConfig.
func New(remote RemoteStore, local LocalStore, config *Config) (*Ledger, error) {
	if remote == nil || local == nil {
		return nil, ErrStoreUnavailable
	}
	cfg, err := resolveConfig(config)
	if err != nil {
		return nil, err
	}

	var cb CircuitBreaker
	if cfg.CircuitBreakerConfig != nil && cfg.CircuitBreakerConfig.Enabled {
		metrics := cfg.Metrics
		logger := cfg.Logger
		cb = NewDefaultCircuitBreaker(*cfg.CircuitBreakerConfig, cfg.Clock, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("remote store circuit breaker state changed", Field{"state", string(state)})
		})
		remote = NewCircuitBreakerStore(remote, cb)
	}

	sync, err := NewSynchronizer(remote, local, &cfg)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		remote:         remote,
		local:          local,
		config:         cfg,
		sync:           sync,
		grants:         NewGrantEngine(sync),
		consumption:    NewConsumptionEngine(sync),
		circuitBreaker: cb,
	}, nil
}

// EnsureProfile creates the user's profile with an empty summary if it does
// not exist yet. timeZone may be empty to use the configured default.
func (l *Ledger) EnsureProfile(ctx context.Context, userID, timeZone string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if _, err := l.config.location(timeZone); err != nil {
		return err
	}
	if err := l.remote.CreateProfile(ctx, userID, timeZone); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// GrantDaily grants today's login ticket; false if already granted today
func (l *Ledger) GrantDaily(ctx context.Context, userID string) (bool, error) {
	return l.grants.GrantDaily(ctx, userID)
}

// GrantContribution grants a one-use contribution ticket
func (l *Ledger) GrantContribution(ctx context.Context, userID, reason string,
	category ContributionCategory) error {
	return l.grants.GrantContribution(ctx, userID, reason, category)
}

// GrantTest grants a one-use diagnostic ticket
func (l *Ledger) GrantTest(ctx context.Context, userID, reason string) error {
	return l.grants.GrantTest(ctx, userID, reason)
}

// Consume spends one use; see ConsumptionEngine.Consume
func (l *Ledger) Consume(ctx context.Context, userID string) (bool, error) {
	return l.consumption.Consume(ctx, userID)
}

// InitialSync loads the user into an empty local cache
func (l *Ledger) InitialSync(ctx context.Context, userID string) (bool, error) {
	return l.sync.InitialSync(ctx, userID)
}

// ForceResync rebuilds the user's local cache from the remote store
func (l *Ledger) ForceResync(ctx context.Context, userID string) error {
	return l.sync.ForceResync(ctx, userID)
}

// Summary returns the user's quota summary for display. The local cache is
// read first; on a miss the remote profile is read and cached.
// Gating decisions never use this value.
func (l *Ledger) Summary(ctx context.Context, userID string) (*QuotaSummary, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	cached, err := l.local.GetSummary(ctx, userID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.config.Logger.Warn("failed to read cached summary",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
	}

	start := time.Now()
	profile, err := l.remote.GetProfile(ctx, userID)
	l.sync.observe("get_profile", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	summary := profile.Summary.Clone()
	if err := l.local.SaveSummary(ctx, userID, summary); err != nil {
		l.config.Metrics.RecordMirrorFailure("summary")
		l.config.Logger.Warn("failed to cache summary",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
	}
	return summary, nil
}

// Tickets returns the user's usable tickets from the remote store in the
// order Consume would spend them
func (l *Ledger) Tickets(ctx context.Context, userID string) ([]*Ticket, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return l.consumption.candidates(ctx, userID)
}

// CachedTickets returns the user's tickets as mirrored in the local cache
func (l *Ledger) CachedTickets(ctx context.Context, userID string) ([]*Ticket, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return l.local.ListTickets(ctx, userID)
}

// CircuitBreakerState reports the remote store circuit state; closed when no
// circuit breaker is configured
func (l *Ledger) CircuitBreakerState() CircuitBreakerState {
	if l.circuitBreaker == nil {
		return StateClosed
	}
	return l.circuitBreaker.State()
}

// Now returns the ledger clock's current time
func (l *Ledger) Now() time.Time {
	return l.config.Clock.Now()
}
