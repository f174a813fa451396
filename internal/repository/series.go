package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"queue-tracker/internal/domain"

	"github.com/rs/zerolog"
)

// SeriesRepository stores one durable record per series identity. The full
// SeriesState is kept as a JSON blob so it round-trips losslessly across
// actor eviction and process restarts.
type SeriesRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSeriesRepository(sqlDB *sql.DB, logger zerolog.Logger) *SeriesRepository {
	return &SeriesRepository{db: sqlDB, logger: logger}
}

func (r *SeriesRepository) Save(ctx context.Context, state *domain.SeriesState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal series state: %w", err)
	}

	id := state.Identity
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO series (guild_id, channel_id, queue_number, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, channel_id, queue_number) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		id.GuildID, id.ChannelID, id.QueueNumber, string(state.Status), string(blob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save series %s: %w", id.Key(), err)
	}
	return nil
}

func (r *SeriesRepository) Load(ctx context.Context, id domain.SeriesIdentity) (*domain.SeriesState, error) {
	var blob string
	err := r.db.QueryRowContext(ctx, `
		SELECT state FROM series
		WHERE guild_id = ? AND channel_id = ? AND queue_number = ?`,
		id.GuildID, id.ChannelID, id.QueueNumber).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load series %s: %w", id.Key(), err)
	}

	return unmarshalState([]byte(blob))
}

// ListUnstopped returns every series that should still be polling. Used at
// boot to resume tracking after a process restart.
func (r *SeriesRepository) ListUnstopped(ctx context.Context) ([]*domain.SeriesState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state FROM series WHERE status != ?`, string(domain.StatusStopped))
	if err != nil {
		return nil, fmt.Errorf("list unstopped series: %w", err)
	}
	defer rows.Close()

	var out []*domain.SeriesState
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		state, err := unmarshalState([]byte(blob))
		if err != nil {
			r.logger.Error().Err(err).Msg("skipping undecodable series record")
			continue
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (r *SeriesRepository) Delete(ctx context.Context, id domain.SeriesIdentity) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM series
		WHERE guild_id = ? AND channel_id = ? AND queue_number = ?`,
		id.GuildID, id.ChannelID, id.QueueNumber)
	if err != nil {
		return fmt.Errorf("delete series %s: %w", id.Key(), err)
	}
	return nil
}

func unmarshalState(blob []byte) (*domain.SeriesState, error) {
	var state domain.SeriesState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("unmarshal series state: %w", err)
	}
	if state.DiscoveredMatches == nil {
		state.DiscoveredMatches = make(map[string]domain.MatchSummary)
	}
	if state.RawMatchCache == nil {
		state.RawMatchCache = make(map[string]json.RawMessage)
	}
	return &state, nil
}
