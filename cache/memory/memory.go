// Package memory provides an in-memory implementation of ticketledger.LocalStore.
// Nothing survives a restart; use it for tests and single-process tools.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// Cache implements ticketledger.LocalStore using in-memory maps
type Cache struct {
	mu        sync.RWMutex
	summaries map[string]*ticketledger.QuotaSummary
	tickets   map[string]map[string]*ticketledger.Ticket
	settings  map[string]map[string]string
}

// New creates a new in-memory local cache
func New() *Cache {
	return &Cache{
		summaries: make(map[string]*ticketledger.QuotaSummary),
		tickets:   make(map[string]map[string]*ticketledger.Ticket),
		settings:  make(map[string]map[string]string),
	}
}

// GetSummary implements ticketledger.LocalStore
func (c *Cache) GetSummary(_ context.Context, userID string) (*ticketledger.QuotaSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary, ok := c.summaries[userID]
	if !ok {
		return nil, ticketledger.ErrCacheMiss
	}
	return summary.Clone(), nil
}

// SaveSummary implements ticketledger.LocalStore
func (c *Cache) SaveSummary(_ context.Context, userID string, summary *ticketledger.QuotaSummary) error {
	if userID == "" || summary == nil {
		return fmt.Errorf("invalid summary")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.summaries[userID] = summary.Clone()
	return nil
}

// SaveTicket implements ticketledger.LocalStore
func (c *Cache) SaveTicket(_ context.Context, ticket *ticketledger.Ticket) error {
	if ticket == nil || ticket.ID == "" || ticket.UserID == "" {
		return fmt.Errorf("invalid ticket")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.saveTicketLocked(ticket)
	return nil
}

// SaveTickets implements ticketledger.LocalStore
func (c *Cache) SaveTickets(_ context.Context, userID string, tickets []*ticketledger.Ticket) error {
	for _, ticket := range tickets {
		if ticket == nil || ticket.ID == "" || ticket.UserID != userID {
			return fmt.Errorf("invalid ticket for user %s", userID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ticket := range tickets {
		c.saveTicketLocked(ticket)
	}
	return nil
}

func (c *Cache) saveTicketLocked(ticket *ticketledger.Ticket) {
	byID, ok := c.tickets[ticket.UserID]
	if !ok {
		byID = make(map[string]*ticketledger.Ticket)
		c.tickets[ticket.UserID] = byID
	}
	byID[ticket.ID] = ticket.Clone()
}

// ListTickets implements ticketledger.LocalStore
func (c *Cache) ListTickets(_ context.Context, userID string) ([]*ticketledger.Ticket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tickets := make([]*ticketledger.Ticket, 0, len(c.tickets[userID]))
	for _, ticket := range c.tickets[userID] {
		tickets = append(tickets, ticket.Clone())
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	return tickets, nil
}

// GetSetting implements ticketledger.LocalStore
func (c *Cache) GetSetting(_ context.Context, userID, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.settings[userID][key]
	if !ok {
		return "", ticketledger.ErrCacheMiss
	}
	return value, nil
}

// SetSetting implements ticketledger.LocalStore
func (c *Cache) SetSetting(_ context.Context, userID, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.settings[userID]
	if !ok {
		byKey = make(map[string]string)
		c.settings[userID] = byKey
	}
	byKey[key] = value
	return nil
}

// Clear removes all data (useful for testing)
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summaries = make(map[string]*ticketledger.QuotaSummary)
	c.tickets = make(map[string]map[string]*ticketledger.Ticket)
	c.settings = make(map[string]map[string]string)
}
