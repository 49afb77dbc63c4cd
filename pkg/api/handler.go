package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

const (
	maxUserIDLen    = 255
	maxRequestBytes = 1 << 16
)

var errMissingUserID = errors.New("user ID not found")

// Handler provides HTTP endpoints for ticket inspection and grants
type Handler struct {
	config Config
}

// Routes returns a chi router serving the ticket API:
//
//	GET  /summary
//	GET  /tickets
//	POST /grants/daily
//	POST /grants/contribution
//	POST /grants/test          (only when AllowTestGrants is set)
//	POST /consume
//	POST /sync
//	POST /resync
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/summary", h.GetSummary)
	r.Get("/tickets", h.GetTickets)
	r.Route("/grants", func(r chi.Router) {
		r.Post("/daily", h.GrantDaily)
		r.Post("/contribution", h.GrantContribution)
		if h.config.AllowTestGrants {
			r.Post("/test", h.GrantTest)
		}
	})
	r.Post("/consume", h.Consume)
	r.Post("/sync", h.InitialSync)
	r.Post("/resync", h.ForceResync)
	return r
}

// GetSummary returns the user's cached quota summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	summary, err := h.config.Ledger.Summary(r.Context(), userID)
	if err != nil {
		h.handleLedgerError(w, r, userID, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(userID, summary))
}

// GetTickets returns the user's usable tickets in spend order
func (h *Handler) GetTickets(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tickets, err := h.config.Ledger.Tickets(r.Context(), userID)
	if err != nil {
		h.handleLedgerError(w, r, userID, "tickets", err)
		return
	}

	resp := TicketsResponse{UserID: userID, Tickets: make([]TicketResponse, 0, len(tickets))}
	for _, t := range tickets {
		resp.Tickets = append(resp.Tickets, toTicketResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GrantDaily issues today's login ticket if it was not issued yet
func (h *Handler) GrantDaily(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	granted, err := h.config.Ledger.GrantDaily(r.Context(), userID)
	if err != nil {
		h.handleLedgerError(w, r, userID, "grant_daily", err)
		return
	}
	writeJSON(w, http.StatusOK, GrantResponse{Granted: granted, TotalAvailable: h.available(r, userID)})
}

// GrantContribution issues a contribution ticket
func (h *Handler) GrantContribution(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeGrant(w, r)
	if !ok {
		return
	}

	category := ticketledger.ContributionCategory(req.Category)
	if err := h.config.Ledger.GrantContribution(r.Context(), userID, req.Reason, category); err != nil {
		h.handleLedgerError(w, r, userID, "grant_contribution", err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantResponse{Granted: true, TotalAvailable: h.available(r, userID)})
}

// GrantTest issues a diagnostic ticket
func (h *Handler) GrantTest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeGrant(w, r)
	if !ok {
		return
	}

	if err := h.config.Ledger.GrantTest(r.Context(), userID, req.Reason); err != nil {
		h.handleLedgerError(w, r, userID, "grant_test", err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantResponse{Granted: true, TotalAvailable: h.available(r, userID)})
}

// Consume spends one use. An exhausted ledger is a normal outcome and
// answers 200 with consumed=false.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	consumed, err := h.config.Ledger.Consume(r.Context(), userID)
	if err != nil {
		h.handleLedgerError(w, r, userID, "consume", err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumeResponse{Consumed: consumed, TotalAvailable: h.available(r, userID)})
}

// InitialSync loads the user into the local cache unless already synced
func (h *Handler) InitialSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	synced, err := h.config.Ledger.InitialSync(r.Context(), userID)
	if err != nil {
		h.handleLedgerError(w, r, userID, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Synced: synced})
}

// ForceResync rebuilds the user's local cache and returns the repaired summary
func (h *Handler) ForceResync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.config.Ledger.ForceResync(r.Context(), userID); err != nil {
		h.handleLedgerError(w, r, userID, "resync", err)
		return
	}
	summary, err := h.config.Ledger.Summary(r.Context(), userID)
	if err != nil {
		h.handleLedgerError(w, r, userID, "resync", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(userID, summary))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errMissingUserID, http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) decodeGrant(w http.ResponseWriter, r *http.Request) (GrantRequest, bool) {
	var req GrantRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// available is best effort: a failed summary read never fails a committed write
func (h *Handler) available(r *http.Request, userID string) int {
	summary, err := h.config.Ledger.Summary(r.Context(), userID)
	if err != nil {
		return 0
	}
	return summary.TotalAvailable
}

func (h *Handler) handleLedgerError(w http.ResponseWriter, r *http.Request, userID, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("ticket api request failed",
			ticketledger.Field{Key: "userId", Value: userID},
			ticketledger.Field{Key: "operation", Value: op},
			ticketledger.Field{Key: "error", Value: err.Error()},
		)
	}
	h.handleError(w, r, err, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ticketledger.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ticketledger.ErrInvalidCategory),
		errors.Is(err, ticketledger.ErrInvalidUserID):
		return http.StatusBadRequest
	default:
		// Remote failures fail closed
		return http.StatusServiceUnavailable
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // response already started
}

func toSummaryResponse(userID string, s *ticketledger.QuotaSummary) SummaryResponse {
	resp := SummaryResponse{
		UserID:         userID,
		TotalAvailable: s.TotalAvailable,
		LastDailyGrant: s.LastDailyGrant,
	}
	if len(s.PeriodContribution) > 0 {
		resp.PeriodContribution = make(map[string]int, len(s.PeriodContribution))
		for category, n := range s.PeriodContribution {
			resp.PeriodContribution[string(category)] = n
		}
	}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func toTicketResponse(t *ticketledger.Ticket) TicketResponse {
	resp := TicketResponse{
		ID:             t.ID,
		Kind:           string(t.Kind),
		RemainingCount: t.RemainingCount,
		GrantedAt:      t.GrantedAt,
		Reason:         t.Reason,
	}
	if !t.ExpiresAt.IsZero() {
		expires := t.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}
