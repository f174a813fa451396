package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"queue-tracker/internal/config"
	"queue-tracker/internal/constants"
	"queue-tracker/internal/domain"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// DiscoveryClient fetches completed matches for a roster within a time
// window. Any failure is treated uniformly for backoff purposes.
type DiscoveryClient interface {
	FindMatches(ctx context.Context, players []string, windowStart, windowEnd time.Time) ([]domain.DiscoveredMatch, error)
}

// Store is the durable home of series state. Every record must round-trip
// losslessly so an evicted actor can be rebuilt from storage alone.
type Store interface {
	Save(ctx context.Context, state *domain.SeriesState) error
	Load(ctx context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error)
	ListUnstopped(ctx context.Context) ([]*domain.SeriesState, error)
}

// SeriesActor is the single writer for one series. All mutating handlers
// serialize on the actor mutex; the upstream network call during a discovery
// check runs outside the lock, but the read-diff-writeback around it is one
// atomic critical section. Reads are served from the last persisted snapshot
// without taking the lock.
type SeriesActor struct {
	id        domain.SeriesIdentity
	cfg       *config.Config
	discovery DiscoveryClient
	store     Store
	clock     Clock
	logger    zerolog.Logger

	mu       sync.Mutex
	state    *domain.SeriesState
	timer    Timer
	timerGen uint64

	snapshot atomic.Pointer[domain.SeriesState]
}

func newSeriesActor(state *domain.SeriesState, cfg *config.Config, discovery DiscoveryClient, store Store, clock Clock, logger zerolog.Logger) *SeriesActor {
	a := &SeriesActor{
		id:        state.Identity,
		cfg:       cfg,
		discovery: discovery,
		store:     store,
		clock:     clock,
		logger:    logger.With().Str("series", state.Identity.Key()).Logger(),
		state:     state,
	}
	a.snapshot.Store(state.Clone())
	return a
}

func newSeriesState(id domain.SeriesIdentity, roster []domain.Team, startTime time.Time) *domain.SeriesState {
	return &domain.SeriesState{
		Identity:          id,
		Status:            domain.StatusActive,
		StartTime:         startTime,
		LastUpdateTime:    startTime,
		SearchWindowStart: startTime,
		Roster:            roster,
		DiscoveredMatches: make(map[string]domain.MatchSummary),
		RawMatchCache:     make(map[string]json.RawMessage),
	}
}

// Snapshot returns the last fully persisted state. The returned value is
// never mutated after publication; callers must treat it as read-only.
func (a *SeriesActor) Snapshot() *domain.SeriesState {
	return a.snapshot.Load()
}

// activate persists the freshly created state and schedules the first
// discovery check. Called once by the registry under its own creation lock.
func (a *SeriesActor) activate(ctx context.Context) (*domain.SeriesState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.commitLocked(ctx, nil)
	if err != nil {
		return nil, err
	}
	a.scheduleLocked(a.cfg.PollInterval)
	a.logger.Info().Time("start_time", a.state.StartTime).Msg("series tracking started")
	return snap, nil
}

// resume reschedules polling for a rehydrated active series.
func (a *SeriesActor) resumePolling() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status == domain.StatusActive {
		a.scheduleLocked(a.cfg.PollInterval)
	}
}

func (a *SeriesActor) Pause(ctx context.Context) (*domain.SeriesState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status != domain.StatusActive {
		return nil, fmt.Errorf("pause from %s: %w", a.state.Status, domain.ErrInvalidTransition)
	}

	prev := a.state.Clone()
	a.state.Status = domain.StatusPaused
	a.state.LastUpdateTime = a.clock.Now()

	snap, err := a.commitLocked(ctx, prev)
	if err != nil {
		return nil, err
	}
	// cancelled inside the same critical section: a timer firing now blocks
	// on the mutex and then sees the paused status
	a.cancelTimerLocked()
	a.logger.Info().Msg("series paused")
	return snap, nil
}

func (a *SeriesActor) Resume(ctx context.Context) (*domain.SeriesState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status != domain.StatusPaused {
		return nil, fmt.Errorf("resume from %s: %w", a.state.Status, domain.ErrInvalidTransition)
	}

	prev := a.state.Clone()
	a.state.Status = domain.StatusActive
	a.state.LastUpdateTime = a.clock.Now()
	// a manual resume is an implicit recovery signal
	a.state.ErrorState.ConsecutiveFailures = 0
	a.state.ErrorState.BackoffSeconds = 0

	snap, err := a.commitLocked(ctx, prev)
	if err != nil {
		return nil, err
	}
	a.scheduleLocked(a.cfg.PollInterval)
	a.logger.Info().Msg("series resumed")
	return snap, nil
}

// Stop is idempotent: stopping a stopped series returns the frozen state.
func (a *SeriesActor) Stop(ctx context.Context) (*domain.SeriesState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status == domain.StatusStopped {
		return a.snapshot.Load(), nil
	}

	prev := a.state.Clone()
	a.state.Status = domain.StatusStopped
	a.state.LastUpdateTime = a.clock.Now()

	snap, err := a.commitLocked(ctx, prev)
	if err != nil {
		return nil, err
	}
	a.cancelTimerLocked()
	a.logger.Info().Int("matches", len(snap.DiscoveredMatches)).Str("score", snap.SeriesScore).Msg("series stopped")
	return snap, nil
}

func (a *SeriesActor) RecordSubstitution(ctx context.Context, playerOut, playerIn string, teamIndex int) (domain.Substitution, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status == domain.StatusStopped {
		return domain.Substitution{}, fmt.Errorf("substitution on stopped series: %w", domain.ErrInvalidTransition)
	}
	if teamIndex < 0 || teamIndex >= len(a.state.Roster) || !contains(a.state.Roster[teamIndex].Players, playerOut) {
		return domain.Substitution{}, fmt.Errorf("%s is not on team %d: %w", playerOut, teamIndex, domain.ErrPlayerNotOnTeam)
	}

	prev := a.state.Clone()
	now := a.clock.Now()

	recordID, err := gonanoid.New()
	if err != nil {
		return domain.Substitution{}, fmt.Errorf("generate substitution id: %w", err)
	}
	sub := domain.Substitution{
		ID:        recordID,
		PlayerOut: playerOut,
		PlayerIn:  playerIn,
		TeamIndex: teamIndex,
		At:        now,
	}

	a.state.Substitutions = append(a.state.Substitutions, sub)
	for i, p := range a.state.Roster[teamIndex].Players {
		if p == playerOut {
			a.state.Roster[teamIndex].Players[i] = playerIn
			break
		}
	}
	// matches before the substitution stay attributed to the outgoing
	// configuration; only look forward from here
	a.state.SearchWindowStart = now
	a.state.LastUpdateTime = now
	a.state.SeriesScore = seriesScore(a.state)

	if _, err := a.commitLocked(ctx, prev); err != nil {
		return domain.Substitution{}, err
	}
	a.logger.Info().Str("out", playerOut).Str("in", playerIn).Int("team", teamIndex).Msg("substitution recorded")
	return sub, nil
}

// Refresh runs an out-of-band discovery check, subject to the manual-refresh
// cooldown. A hint that a match just completed widens the window backward to
// tolerate upstream replication lag.
func (a *SeriesActor) Refresh(ctx context.Context, matchCompletedHint bool) (*domain.SeriesState, error) {
	a.mu.Lock()
	if a.state.Status == domain.StatusStopped {
		a.mu.Unlock()
		return nil, fmt.Errorf("refresh on stopped series: %w", domain.ErrInvalidTransition)
	}

	now := a.clock.Now()
	if !a.state.LastRefreshTime.IsZero() {
		if elapsed := now.Sub(a.state.LastRefreshTime); elapsed < a.cfg.RefreshCooldown {
			a.mu.Unlock()
			return nil, &domain.CooldownActiveError{Remaining: a.cfg.RefreshCooldown - elapsed}
		}
	}
	a.state.LastRefreshTime = now
	a.mu.Unlock()

	return a.runCheck(ctx, true, matchCompletedHint)
}

func (a *SeriesActor) Repost(ctx context.Context, channelID, messageID string) (*domain.SeriesState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.state.Clone()
	if channelID != "" {
		a.state.MessageRef.ChannelID = channelID
	}
	a.state.MessageRef.MessageID = messageID

	return a.commitLocked(ctx, prev)
}

func (a *SeriesActor) onTimer(gen uint64) {
	a.mu.Lock()
	stale := gen != a.timerGen || a.state.Status != domain.StatusActive
	a.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout)
	defer cancel()

	if _, err := a.runCheck(ctx, false, false); err != nil {
		a.logger.Error().Err(err).Msg("scheduled discovery check failed")
	}
}

// runCheck is the discovery/reconciliation loop body. The upstream query runs
// without the actor lock against a consistent read of roster and window; the
// apply-and-persist phase re-acquires the lock and revalidates status, since
// Pause or Stop may have landed during the network await.
func (a *SeriesActor) runCheck(ctx context.Context, manual, hint bool) (*domain.SeriesState, error) {
	a.mu.Lock()
	if a.state.Status == domain.StatusStopped || (!manual && a.state.Status != domain.StatusActive) {
		snap := a.snapshot.Load()
		a.mu.Unlock()
		return snap, nil
	}
	players := a.state.AllPlayers()
	windowStart := a.state.SearchWindowStart
	if hint {
		windowStart = windowStart.Add(-a.cfg.HintLookback)
	}
	a.mu.Unlock()

	windowEnd := a.clock.Now()
	found, findErr := a.discovery.FindMatches(ctx, players, windowStart, windowEnd)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status == domain.StatusStopped {
		return a.snapshot.Load(), nil
	}

	prev := a.state.Clone()
	now := a.clock.Now()
	a.state.CheckCount++
	a.state.LastUpdateTime = now

	if findErr != nil {
		return a.recordFailureLocked(ctx, prev, findErr)
	}

	es := &a.state.ErrorState
	es.ConsecutiveFailures = 0
	es.BackoffSeconds = 0
	es.LastSuccessTime = now
	es.LastErrorMessage = ""

	added := a.reconcileLocked(found)
	if a.state.Status == domain.StatusActive {
		a.scheduleLocked(a.cfg.PollInterval)
	}

	snap, err := a.commitLocked(ctx, prev)
	if err != nil {
		return nil, err
	}
	if added > 0 {
		a.logger.Info().Int("new_matches", added).Str("score", snap.SeriesScore).Msg("matches discovered")
	}
	return snap, nil
}

// recordFailureLocked absorbs an upstream failure into the error state and
// reschedules with exponential backoff. The search window is untouched so no
// match can be skipped. Not reported as a handler failure: a degraded series
// beats a dead one.
func (a *SeriesActor) recordFailureLocked(ctx context.Context, prev *domain.SeriesState, findErr error) (*domain.SeriesState, error) {
	es := &a.state.ErrorState
	es.ConsecutiveFailures++
	es.BackoffSeconds = backoffSeconds(a.cfg.BaseBackoff, a.cfg.MaxBackoff, es.ConsecutiveFailures)
	es.LastErrorMessage = findErr.Error()

	if a.state.Status == domain.StatusActive {
		a.scheduleLocked(time.Duration(es.BackoffSeconds) * time.Second)
	}

	a.logger.Warn().
		Err(findErr).
		Int("consecutive_failures", es.ConsecutiveFailures).
		Int("backoff_seconds", es.BackoffSeconds).
		Msg("discovery check failed")

	return a.commitLocked(ctx, prev)
}

// reconcileLocked merges newly discovered matches into state. Dedup is by
// match id; a match must clear the roster quorum to count as part of the
// series. Returns how many matches were added.
func (a *SeriesActor) reconcileLocked(found []domain.DiscoveredMatch) int {
	rostered := a.state.AllPlayers()
	added := 0
	latestEnd := a.state.SearchWindowStart

	for _, m := range found {
		if _, ok := a.state.DiscoveredMatches[m.Summary.MatchID]; ok {
			continue
		}
		if !meetsQuorum(m.Summary.Participants, rostered, a.cfg.MatchQuorum) {
			a.logger.Debug().Str("match_id", m.Summary.MatchID).Msg("skipping match below roster quorum")
			continue
		}
		a.state.DiscoveredMatches[m.Summary.MatchID] = m.Summary
		a.state.RawMatchCache[m.Summary.MatchID] = m.Raw
		if m.Summary.EndTime.After(latestEnd) {
			latestEnd = m.Summary.EndTime
		}
		added++
	}

	if added > 0 {
		a.state.SeriesScore = seriesScore(a.state)
		a.state.SearchWindowStart = latestEnd
		if a.state.SearchWindowStart.After(a.state.LastUpdateTime) {
			a.state.LastUpdateTime = a.state.SearchWindowStart
		}
	}
	return added
}

// commitLocked persists the mutated state and publishes a fresh snapshot.
// On persistence failure the in-memory state rolls back to prev so memory
// never disagrees with durable truth.
func (a *SeriesActor) commitLocked(ctx context.Context, prev *domain.SeriesState) (*domain.SeriesState, error) {
	if err := a.store.Save(ctx, a.state); err != nil {
		if prev != nil {
			a.state = prev
		}
		return nil, fmt.Errorf("persist series state: %w", err)
	}
	snap := a.state.Clone()
	a.snapshot.Store(snap)
	return snap, nil
}

// scheduleLocked replaces any pending wake-up: at most one timer is in
// flight per series.
func (a *SeriesActor) scheduleLocked(d time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerGen++
	gen := a.timerGen
	a.timer = a.clock.AfterFunc(d, func() { a.onTimer(gen) })
}

// cancelTimerLocked stops the pending timer and invalidates any callback
// that already fired but has not yet taken the lock.
func (a *SeriesActor) cancelTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func backoffSeconds(base, max time.Duration, consecutiveFailures int) int {
	d := base
	for i := 1; i < consecutiveFailures; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return int(d / time.Second)
}

func contains(players []string, p string) bool {
	for _, v := range players {
		if v == p {
			return true
		}
	}
	return false
}
