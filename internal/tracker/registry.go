package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"queue-tracker/internal/config"
	"queue-tracker/internal/domain"

	"github.com/rs/zerolog"
)

// Registry maps a series identity to exactly one live actor and routes
// requests to it. Actors are created only through Start and are rehydrated
// on demand from durable storage after eviction or a process restart, so
// state is always reconstructable from persisted data alone.
type Registry struct {
	cfg       *config.Config
	store     Store
	discovery DiscoveryClient
	clock     Clock
	logger    zerolog.Logger

	mu     sync.Mutex
	actors map[string]*SeriesActor
}

func NewRegistry(cfg *config.Config, store Store, discovery DiscoveryClient, clock Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		store:     store,
		discovery: discovery,
		clock:     clock,
		logger:    logger,
		actors:    make(map[string]*SeriesActor),
	}
}

// Start creates a new series. Fails with AlreadyActive if a non-stopped
// series already exists for the identity, in memory or in storage.
func (r *Registry) Start(ctx context.Context, id domain.SeriesIdentity, roster []domain.Team, startTime time.Time) (*domain.SeriesState, error) {
	if len(roster) != 2 {
		return nil, fmt.Errorf("a series needs exactly two teams, got %d", len(roster))
	}
	if startTime.IsZero() {
		startTime = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.actors[id.Key()]; ok && existing.Snapshot().Status != domain.StatusStopped {
		return nil, fmt.Errorf("queue %s: %w", id.QueueNumber, domain.ErrAlreadyActive)
	}
	if stored, err := r.store.Load(ctx, id); err == nil && stored.Status != domain.StatusStopped {
		return nil, fmt.Errorf("queue %s: %w", id.QueueNumber, domain.ErrAlreadyActive)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	actor := newSeriesActor(newSeriesState(id, roster, startTime), r.cfg, r.discovery, r.store, r.clock, r.logger)
	snap, err := actor.activate(ctx)
	if err != nil {
		return nil, err
	}
	r.actors[id.Key()] = actor
	return snap, nil
}

func (r *Registry) Pause(ctx context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error) {
	actor, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return actor.Pause(ctx)
}

func (r *Registry) Resume(ctx context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error) {
	actor, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return actor.Resume(ctx)
}

// Stop is a no-op success when the series does not exist.
func (r *Registry) Stop(ctx context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error) {
	actor, err := r.get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap, err := actor.Stop(ctx)
	if err != nil {
		return nil, err
	}

	// stopped state is frozen; release the live actor and serve any later
	// reads from storage
	r.mu.Lock()
	delete(r.actors, id.Key())
	r.mu.Unlock()
	return snap, nil
}

func (r *Registry) RecordSubstitution(ctx context.Context, id domain.SeriesIdentity, playerOut, playerIn string, teamIndex int) (domain.Substitution, error) {
	actor, err := r.get(ctx, id)
	if err != nil {
		return domain.Substitution{}, err
	}
	return actor.RecordSubstitution(ctx, playerOut, playerIn, teamIndex)
}

func (r *Registry) Refresh(ctx context.Context, id domain.SeriesIdentity, matchCompletedHint bool) (*domain.SeriesState, error) {
	actor, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return actor.Refresh(ctx, matchCompletedHint)
}

func (r *Registry) Repost(ctx context.Context, id domain.SeriesIdentity, channelID, messageID string) (*domain.SeriesState, error) {
	actor, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return actor.Repost(ctx, channelID, messageID)
}

// Status reads the last persisted snapshot without touching the actor lock.
func (r *Registry) Status(ctx context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error) {
	r.mu.Lock()
	actor, ok := r.actors[id.Key()]
	r.mu.Unlock()
	if ok {
		return actor.Snapshot(), nil
	}
	return r.store.Load(ctx, id)
}

// ResumeAll rehydrates every non-stopped series from storage and restarts
// polling for the active ones. Called once at boot.
func (r *Registry) ResumeAll(ctx context.Context) error {
	states, err := r.store.ListUnstopped(ctx)
	if err != nil {
		return fmt.Errorf("resume series at boot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range states {
		key := state.Identity.Key()
		if _, ok := r.actors[key]; ok {
			continue
		}
		actor := newSeriesActor(state, r.cfg, r.discovery, r.store, r.clock, r.logger)
		actor.resumePolling()
		r.actors[key] = actor
		r.logger.Info().Str("series", key).Str("status", string(state.Status)).Msg("series rehydrated at boot")
	}
	return nil
}

// Shutdown cancels all pending timers without changing series status;
// polling resumes on the next boot via ResumeAll.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, actor := range r.actors {
		actor.mu.Lock()
		actor.cancelTimerLocked()
		actor.mu.Unlock()
	}
}

// get returns the live actor for an identity, rehydrating it from storage
// if it was evicted. Handlers therefore tolerate cold starts transparently.
func (r *Registry) get(ctx context.Context, id domain.SeriesIdentity) (*SeriesActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[id.Key()]; ok {
		return actor, nil
	}

	state, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := newSeriesActor(state, r.cfg, r.discovery, r.store, r.clock, r.logger)
	actor.resumePolling()
	r.actors[id.Key()] = actor
	return actor, nil
}
