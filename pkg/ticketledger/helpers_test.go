package ticketledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cachememory "github.com/divelog/ticketledger/cache/memory"
	"github.com/divelog/ticketledger/pkg/ticketledger"
	"github.com/divelog/ticketledger/storage/memory"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

const diver = "diver-42"

// testClock is a settable clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingLogger keeps messages per level
type recordingLogger struct {
	mu      sync.Mutex
	entries map[string][]string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{entries: make(map[string][]string)}
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[level] = append(l.entries[level], msg)
}

func (l *recordingLogger) Debug(msg string, _ ...ticketledger.Field) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...ticketledger.Field)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...ticketledger.Field)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...ticketledger.Field) { l.record("error", msg) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[level])
}

// recordingMetrics counts the calls the tests care about
type recordingMetrics struct {
	ticketledger.NoopMetrics

	mu              sync.Mutex
	consumptions    map[string]int
	resyncs         map[string]int
	resyncErrors    int
	mirrorFailures  int
	candidateRetry  int
	driftCorrection map[string]int
	breakerStates   []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		consumptions:    make(map[string]int),
		resyncs:         make(map[string]int),
		driftCorrection: make(map[string]int),
	}
}

func (m *recordingMetrics) RecordConsumption(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumptions[outcome]++
}

func (m *recordingMetrics) RecordResync(trigger string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resyncs[trigger]++
	if err != nil {
		m.resyncErrors++
	}
}

func (m *recordingMetrics) RecordMirrorFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrorFailures++
}

func (m *recordingMetrics) RecordCandidateRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidateRetry++
}

func (m *recordingMetrics) RecordDriftCorrection(direction string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftCorrection[direction]++
}

func (m *recordingMetrics) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerStates = append(m.breakerStates, state)
}

// flakyLocal fails selected LocalStore writes
type flakyLocal struct {
	ticketledger.LocalStore

	mu sync.Mutex
	// saveTicketFailures is how many SaveTicket calls fail before succeeding;
	// negative fails forever
	saveTicketFailures int
	failAll            bool
	saveTicketCalls    int
}

var errDiskFull = errors.New("disk full")

func (f *flakyLocal) SaveTicket(ctx context.Context, ticket *ticketledger.Ticket) error {
	f.mu.Lock()
	f.saveTicketCalls++
	fail := f.failAll || f.saveTicketFailures != 0
	if f.saveTicketFailures > 0 {
		f.saveTicketFailures--
	}
	f.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return f.LocalStore.SaveTicket(ctx, ticket)
}

func (f *flakyLocal) SaveTickets(ctx context.Context, userID string, tickets []*ticketledger.Ticket) error {
	if f.failAll {
		return errDiskFull
	}
	return f.LocalStore.SaveTickets(ctx, userID, tickets)
}

func (f *flakyLocal) SaveSummary(ctx context.Context, userID string, summary *ticketledger.QuotaSummary) error {
	if f.failAll {
		return errDiskFull
	}
	return f.LocalStore.SaveSummary(ctx, userID, summary)
}

func (f *flakyLocal) SetSetting(ctx context.Context, userID, key, value string) error {
	if f.failAll {
		return errDiskFull
	}
	return f.LocalStore.SetSetting(ctx, userID, key, value)
}

// brokenRemote wraps a RemoteStore and replaces selected calls with errors
type brokenRemote struct {
	ticketledger.RemoteStore

	txErr   error
	listErr error
	// listAllErr fails only unfiltered listings, as used by a full resync
	listAllErr error

	mu      sync.Mutex
	txCalls int
}

func (b *brokenRemote) RunTransaction(ctx context.Context,
	fn func(ctx context.Context, tx ticketledger.RemoteTx) error) error {
	b.mu.Lock()
	b.txCalls++
	b.mu.Unlock()
	if b.txErr != nil {
		return b.txErr
	}
	return b.RemoteStore.RunTransaction(ctx, fn)
}

func (b *brokenRemote) ListTickets(ctx context.Context, userID string,
	filter ticketledger.TicketFilter) ([]*ticketledger.Ticket, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	if filter.Status == "" && b.listAllErr != nil {
		return nil, b.listAllErr
	}
	return b.RemoteStore.ListTickets(ctx, userID, filter)
}

type fixture struct {
	ledger  *ticketledger.Ledger
	remote  *memory.Storage
	local   *cachememory.Cache
	clock   *testClock
	logger  *recordingLogger
	metrics *recordingMetrics
}

type option func(cfg *ticketledger.Config)

func newRemote() *memory.Storage {
	return memory.NewWithConfig(memory.Config{MaxAttempts: 1000})
}

func newLocal() *cachememory.Cache {
	return cachememory.New()
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	remote := newRemote()
	local := newLocal()
	return newFixtureWith(t, remote, local, remote, local, opts...)
}

// newFixtureWith builds a ledger over wrapped stores while keeping direct
// access to the underlying memory backends
func newFixtureWith(t *testing.T, remote ticketledger.RemoteStore, local ticketledger.LocalStore,
	rawRemote *memory.Storage, rawLocal *cachememory.Cache, opts ...option) *fixture {
	t.Helper()

	f := &fixture{
		remote:  rawRemote,
		local:   rawLocal,
		clock:   newTestClock(t0),
		logger:  newRecordingLogger(),
		metrics: newRecordingMetrics(),
	}
	cfg := ticketledger.DefaultConfig()
	cfg.Clock = f.clock
	cfg.Logger = f.logger
	cfg.Metrics = f.metrics
	cfg.LocalRetryDelay = -1
	for _, opt := range opts {
		opt(&cfg)
	}

	ledger, err := ticketledger.New(remote, local, &cfg)
	require.NoError(t, err)
	f.ledger = ledger

	require.NoError(t, rawRemote.CreateProfile(context.Background(), diver, ""))
	return f
}

// seed stores tickets and sets the remote summary to their usable total
func (f *fixture) seed(t *testing.T, tickets ...*ticketledger.Ticket) {
	t.Helper()
	total := 0
	for _, ticket := range tickets {
		f.remote.SetTicket(ticket)
		if ticket.Usable(f.clock.Now()) {
			total += ticket.RemainingCount
		}
	}
	profile, err := f.remote.GetProfile(context.Background(), diver)
	require.NoError(t, err)
	profile.Summary.TotalAvailable = total
	f.remote.SetProfile(profile)
}

func (f *fixture) remoteSummary(t *testing.T) ticketledger.QuotaSummary {
	t.Helper()
	profile, err := f.remote.GetProfile(context.Background(), diver)
	require.NoError(t, err)
	return profile.Summary
}

func (f *fixture) remoteTicket(t *testing.T, id string) *ticketledger.Ticket {
	t.Helper()
	ticket, err := f.remote.GetTicket(diver, id)
	require.NoError(t, err)
	return ticket
}

func (f *fixture) localSummary(t *testing.T) *ticketledger.QuotaSummary {
	t.Helper()
	summary, err := f.local.GetSummary(context.Background(), diver)
	require.NoError(t, err)
	return summary
}

func (f *fixture) localTicket(t *testing.T, id string) *ticketledger.Ticket {
	t.Helper()
	tickets, err := f.local.ListTickets(context.Background(), diver)
	require.NoError(t, err)
	for _, ticket := range tickets {
		if ticket.ID == id {
			return ticket
		}
	}
	t.Fatalf("ticket %s not in local cache", id)
	return nil
}

func testTicket(id string, remaining int, expiresIn time.Duration) *ticketledger.Ticket {
	ticket := &ticketledger.Ticket{
		ID:             id,
		UserID:         diver,
		Kind:           ticketledger.KindTest,
		RemainingCount: remaining,
		GrantedAt:      t0.Add(-time.Hour),
		Status:         ticketledger.StatusActive,
		Reason:         fmt.Sprintf("seed %s", id),
	}
	if expiresIn != 0 {
		ticket.ExpiresAt = t0.Add(expiresIn)
	}
	return ticket
}
