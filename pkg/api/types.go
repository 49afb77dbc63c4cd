package api

import "time"

// SummaryResponse is the user's quota summary as shown to clients
type SummaryResponse struct {
	UserID             string         `json:"user_id"`
	TotalAvailable     int            `json:"total_available"`
	LastDailyGrant     string         `json:"last_daily_grant,omitempty"`
	PeriodContribution map[string]int `json:"period_contribution,omitempty"`
	UpdatedAt          *time.Time     `json:"updated_at,omitempty"`
}

// TicketResponse is one usable ticket, listed in spend order
type TicketResponse struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	RemainingCount int        `json:"remaining_count"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"` // nil for tickets that never expire
	Reason         string     `json:"reason,omitempty"`
}

// TicketsResponse lists a user's usable tickets
type TicketsResponse struct {
	UserID  string           `json:"user_id"`
	Tickets []TicketResponse `json:"tickets"`
}

// GrantRequest is the body of contribution and test grant requests
type GrantRequest struct {
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"` // contribution grants only
}

// GrantResponse reports whether a grant created a ticket
type GrantResponse struct {
	Granted        bool `json:"granted"`
	TotalAvailable int  `json:"total_available"`
}

// ConsumeResponse reports whether one use was spent
type ConsumeResponse struct {
	Consumed       bool `json:"consumed"`
	TotalAvailable int  `json:"total_available"`
}

// SyncResponse reports whether an initial sync ran
type SyncResponse struct {
	Synced bool `json:"synced"`
}
