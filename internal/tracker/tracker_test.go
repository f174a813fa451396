package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"queue-tracker/internal/config"
	"queue-tracker/internal/domain"

	"github.com/rs/zerolog"
)

// ---- fake clock ----

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers in order. Callbacks
// run outside the clock lock, so they may schedule new timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		idx := -1
		for i, t := range c.timers {
			if t.stopped || t.at.After(c.now) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next, idx = t, i
			}
		}
		if next == nil {
			c.mu.Unlock()
			return
		}
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		next.stopped = true
		c.mu.Unlock()

		next.fn()
	}
}

func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// ---- fake discovery client ----

type fakeDiscovery struct {
	mu        sync.Mutex
	matches   []domain.DiscoveredMatch
	err       error
	calls     int
	lastStart time.Time
	lastEnd   time.Time
}

func (d *fakeDiscovery) FindMatches(_ context.Context, _ []string, windowStart, windowEnd time.Time) ([]domain.DiscoveredMatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastStart = windowStart
	d.lastEnd = windowEnd
	if d.err != nil {
		return nil, d.err
	}
	return append([]domain.DiscoveredMatch(nil), d.matches...), nil
}

func (d *fakeDiscovery) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDiscovery) setMatches(ms ...domain.DiscoveredMatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matches = ms
	d.err = nil
}

func (d *fakeDiscovery) setError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// ---- in-memory store ----

// memStore round-trips state through JSON on every save/load, the same way
// the sqlite repository does, so serialization gaps surface in tests.
type memStore struct {
	mu       sync.Mutex
	records  map[string][]byte
	saves    int
	failSave bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) Save(_ context.Context, state *domain.SeriesState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return context.DeadlineExceeded
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.records[state.Identity.Key()] = blob
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.records[id.Key()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var state domain.SeriesState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, err
	}
	if state.DiscoveredMatches == nil {
		state.DiscoveredMatches = make(map[string]domain.MatchSummary)
	}
	if state.RawMatchCache == nil {
		state.RawMatchCache = make(map[string]json.RawMessage)
	}
	return &state, nil
}

func (s *memStore) ListUnstopped(_ context.Context) ([]*domain.SeriesState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.SeriesState
	for _, blob := range s.records {
		var state domain.SeriesState
		if err := json.Unmarshal(blob, &state); err != nil {
			return nil, err
		}
		if state.Status == domain.StatusStopped {
			continue
		}
		if state.DiscoveredMatches == nil {
			state.DiscoveredMatches = make(map[string]domain.MatchSummary)
		}
		if state.RawMatchCache == nil {
			state.RawMatchCache = make(map[string]json.RawMessage)
		}
		out = append(out, &state)
	}
	return out, nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// ---- test fixture ----

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:    time.Minute,
		RefreshCooldown: 10 * time.Second,
		BaseBackoff:     30 * time.Second,
		MaxBackoff:      15 * time.Minute,
		HintLookback:    2 * time.Minute,
		MatchQuorum:     0.7,
	}
}

type fixture struct {
	registry  *Registry
	clock     *fakeClock
	discovery *fakeDiscovery
	store     *memStore
	cfg       *config.Config
	t0        time.Time
}

func newFixture() *fixture {
	t0 := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	cfg := testConfig()
	clock := newFakeClock(t0)
	discovery := &fakeDiscovery{}
	store := newMemStore()
	registry := NewRegistry(cfg, store, discovery, clock, zerolog.Nop())
	return &fixture{registry: registry, clock: clock, discovery: discovery, store: store, cfg: cfg, t0: t0}
}

func testIdentity() domain.SeriesIdentity {
	return domain.SeriesIdentity{GuildID: "guild-1", ChannelID: "chan-1", QueueNumber: "42", StartedBy: "user-1"}
}

func testRoster() []domain.Team {
	return []domain.Team{
		{Name: "Blue", Players: []string{"b1", "b2", "b3", "b4"}},
		{Name: "Red", Players: []string{"r1", "r2", "r3", "r4"}},
	}
}

func testMatch(id string, end time.Time, winners ...string) domain.DiscoveredMatch {
	participants := []string{"b1", "b2", "b3", "b4", "r1", "r2", "r3", "r4"}
	return domain.DiscoveredMatch{
		Summary: domain.MatchSummary{
			MatchID:      id,
			EndTime:      end,
			Participants: participants,
			Winners:      winners,
			Duration:     1800,
			GameMode:     "CLASSIC",
		},
		Raw: json.RawMessage(`{"metadata":{"matchId":"` + id + `"}}`),
	}
}
