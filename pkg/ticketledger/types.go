package ticketledger

import (
	"time"
)

// TicketKind identifies how a ticket was granted
type TicketKind string

const (
	// KindDaily is the once-per-calendar-day login bonus
	KindDaily TicketKind = "daily"
	// KindContribution rewards a one-off contribution (new point, creature, review)
	KindContribution TicketKind = "contribution"
	// KindTest is an unconditional diagnostic grant
	KindTest TicketKind = "test"
)

// Valid reports whether k is a known ticket kind
func (k TicketKind) Valid() bool {
	switch k {
	case KindDaily, KindContribution, KindTest:
		return true
	default:
		return false
	}
}

// TicketStatus is the stored lifecycle state of a ticket.
// Time-based expiry is never stored; readers evaluate it with Ticket.Usable.
type TicketStatus string

const (
	// StatusActive tickets still have remaining uses
	StatusActive TicketStatus = "active"
	// StatusUsed is terminal: RemainingCount reached zero
	StatusUsed TicketStatus = "used"
)

// ContributionCategory names a per-campaign contribution counter
type ContributionCategory string

const (
	CategoryPoints    ContributionCategory = "points"
	CategoryCreatures ContributionCategory = "creatures"
	CategoryReviews   ContributionCategory = "reviews"
)

// Valid reports whether c is a known contribution category
func (c ContributionCategory) Valid() bool {
	switch c {
	case CategoryPoints, CategoryCreatures, CategoryReviews:
		return true
	default:
		return false
	}
}

// Ticket is a consumable grant of N uses of the gated feature
type Ticket struct {
	ID             string
	UserID         string
	Kind           TicketKind
	RemainingCount int
	GrantedAt      time.Time
	// ExpiresAt is zero for tickets that never expire
	ExpiresAt time.Time
	Status    TicketStatus
	Reason    string
}

// Clone returns a copy of t
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Expired reports whether the ticket's expiration has passed at now
func (t *Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Usable reports whether the ticket can be spent at now
func (t *Ticket) Usable(now time.Time) bool {
	return t.Status == StatusActive && t.RemainingCount > 0 && !t.Expired(now)
}

// PeriodContribution holds contribution counters accumulated while a
// campaign window is open. Advisory only, never used for gating.
type PeriodContribution map[ContributionCategory]int

// Clone returns a copy of p
func (p PeriodContribution) Clone() PeriodContribution {
	if p == nil {
		return nil
	}
	c := make(PeriodContribution, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// QuotaSummary is the per-user aggregate embedded in the user profile.
// TotalAvailable is a maintained projection of the remaining uses of the
// user's active tickets; it may drift and is repaired by ForceResync.
type QuotaSummary struct {
	TotalAvailable int
	// LastDailyGrant is the YYYY-MM-DD day key of the last daily grant,
	// computed in the user's time zone
	LastDailyGrant     string
	PeriodContribution PeriodContribution
	UpdatedAt          time.Time
}

// Clone returns a deep copy of s
func (s *QuotaSummary) Clone() *QuotaSummary {
	if s == nil {
		return nil
	}
	c := *s
	c.PeriodContribution = s.PeriodContribution.Clone()
	return &c
}

// Profile is the part of the user profile record the ledger owns
type Profile struct {
	UserID string
	// TimeZone is an IANA zone name; empty means Config.DefaultTimeZone
	TimeZone string
	Summary  QuotaSummary
}

// Clone returns a deep copy of p
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Summary = *p.Summary.Clone()
	return &c
}

// Campaign is a window during which contribution grants are also counted
// into QuotaSummary.PeriodContribution. End is exclusive.
type Campaign struct {
	Start time.Time
	End   time.Time
}

// Active reports whether now falls inside the campaign window
func (c *Campaign) Active(now time.Time) bool {
	if c == nil || c.Start.IsZero() || c.End.IsZero() {
		return false
	}
	return !now.Before(c.Start) && now.Before(c.End)
}

// TicketFilter restricts ListTickets results
type TicketFilter struct {
	// Status keeps only tickets with this stored status; empty keeps all
	Status TicketStatus
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds ledger configuration
type Config struct {
	// GrantCounts maps ticket kinds to the number of uses a new ticket carries.
	// Defaults: daily 5, contribution 1, test 1.
	GrantCounts map[TicketKind]int

	// ExpiryWindows maps ticket kinds to their lifetime from grant.
	// Defaults: daily 7 days, contribution 30 days, test 24 hours.
	// A negative window produces tickets that never expire.
	ExpiryWindows map[TicketKind]time.Duration

	// DefaultTimeZone is used for daily day boundaries when a profile has
	// no time zone (default: "UTC")
	DefaultTimeZone string

	// Campaign enables contribution accounting while it is active (optional)
	Campaign *Campaign

	// MaxCandidateAttempts bounds how many FEFO candidates one Consume call
	// tries when it loses a race on a ticket (default: 3)
	MaxCandidateAttempts int

	// LocalWriteAttempts bounds local mirror attempts after a commit before
	// falling back to a full resync (default: 3)
	LocalWriteAttempts int

	// LocalRetryDelay is the pause between local mirror attempts
	// (default: 10ms; negative disables the pause)
	LocalRetryDelay time.Duration

	// RepairRemoteSummary lets ForceResync correct the remote summary when it
	// disagrees with the active ticket set (default: true via DefaultConfig)
	RepairRemoteSummary bool

	// CircuitBreakerConfig wraps the remote store in a circuit breaker (optional)
	CircuitBreakerConfig *CircuitBreakerConfig

	// Clock supplies the current time (default: system clock)
	Clock Clock

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// DefaultConfig returns a Config with the production defaults
func DefaultConfig() Config {
	return Config{
		GrantCounts: map[TicketKind]int{
			KindDaily:        5,
			KindContribution: 1,
			KindTest:         1,
		},
		ExpiryWindows: map[TicketKind]time.Duration{
			KindDaily:        7 * 24 * time.Hour,
			KindContribution: 30 * 24 * time.Hour,
			KindTest:         24 * time.Hour,
		},
		DefaultTimeZone:      "UTC",
		MaxCandidateAttempts: 3,
		LocalWriteAttempts:   3,
		LocalRetryDelay:      10 * time.Millisecond,
		RepairRemoteSummary:  true,
	}
}
