package ticketledger

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// dayKeyLayout formats calendar days for LastDailyGrant and daily ticket IDs
const dayKeyLayout = "2006-01-02"

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time { return f() }

var locations sync.Map // zone name -> *time.Location

// loadLocation resolves an IANA zone name, caching successful lookups
func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", name, err)
	}
	locations.Store(name, loc)
	return loc, nil
}

// DayKey returns the calendar day of t in loc as YYYY-MM-DD.
// Two instants share a key exactly when they fall on the same local day.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayKeyLayout)
}

// DailyTicketID is the deterministic ID of the daily ticket for a user and day
func DailyTicketID(dayKey, userID string) string {
	return string(KindDaily) + ":" + dayKey + ":" + userID
}

// GrantTicketID is the ID of a non-daily ticket granted at grantedAt
func GrantTicketID(kind TicketKind, grantedAt time.Time, userID string) string {
	return string(kind) + ":" + strconv.FormatInt(grantedAt.UnixNano(), 10) + ":" + userID
}

// SortFEFO orders tickets first-expires-first-out: ascending ExpiresAt with
// never-expiring tickets last, ties broken by GrantedAt then ID.
func SortFEFO(tickets []*Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		switch {
		case a.ExpiresAt.IsZero() != b.ExpiresAt.IsZero():
			return b.ExpiresAt.IsZero()
		case !a.ExpiresAt.Equal(b.ExpiresAt):
			return a.ExpiresAt.Before(b.ExpiresAt)
		case !a.GrantedAt.Equal(b.GrantedAt):
			return a.GrantedAt.Before(b.GrantedAt)
		default:
			return a.ID < b.ID
		}
	})
}

// UsableTickets filters tickets to those that can be spent at now
func UsableTickets(tickets []*Ticket, now time.Time) []*Ticket {
	usable := make([]*Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.Usable(now) {
			usable = append(usable, t)
		}
	}
	return usable
}

// SumRemaining returns the remaining uses over the tickets usable at now
func SumRemaining(tickets []*Ticket, now time.Time) int {
	total := 0
	for _, t := range tickets {
		if t.Usable(now) {
			total += t.RemainingCount
		}
	}
	return total
}
