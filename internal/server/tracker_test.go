package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"queue-tracker/internal/config"
	"queue-tracker/internal/database"
	"queue-tracker/internal/domain"
	"queue-tracker/internal/repository"
	"queue-tracker/internal/tracker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopDiscovery struct{}

func (noopDiscovery) FindMatches(context.Context, []string, time.Time, time.Time) ([]domain.DiscoveredMatch, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		DBPath:          filepath.Join(t.TempDir(), "test.db"),
		PollInterval:    time.Hour,
		RefreshCooldown: time.Hour,
		MatchQuorum:     0.7,
	}
	db, err := database.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewSeriesRepository(db, zerolog.Nop())
	registry := tracker.NewRegistry(cfg, repo, noopDiscovery{}, tracker.NewClock(), zerolog.Nop())
	t.Cleanup(registry.Shutdown)

	mux := http.NewServeMux()
	NewTrackerServer(registry, zerolog.Nop()).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	blob, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(blob))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func startBody() map[string]any {
	return map[string]any{
		"guild_id":     "g1",
		"channel_id":   "c1",
		"queue_number": "7",
		"user_id":      "u1",
		"roster": []map[string]any{
			{"name": "Blue", "players": []string{"b1", "b2", "b3", "b4"}},
			{"name": "Red", "players": []string{"r1", "r2", "r3", "r4"}},
		},
		"queue_start_time": time.Now().UTC().Format(time.RFC3339),
	}
}

func identityBody() map[string]any {
	return map[string]any{"guild_id": "g1", "channel_id": "c1", "queue_number": "7"}
}

func TestStartAndStatusEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := post(t, srv, "/v1/series/start", startBody())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `"active"`, string(body["status"]))

	resp, body = post(t, srv, "/v1/series/status", identityBody())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"active"`, string(body["status"]))
}

func TestDuplicateStartConflicts(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv, "/v1/series/start", startBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := post(t, srv, "/v1/series/start", startBody())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "already active")
}

func TestTransitionErrorsMapToConflict(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv, "/v1/series/start", startBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = post(t, srv, "/v1/series/resume", identityBody())
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "resume of an active series is an invalid transition")
}

func TestUnknownSeriesMapsToNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv, "/v1/series/pause", identityBody())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopUnknownSeriesIsOK(t *testing.T) {
	srv := newTestServer(t)

	resp, body := post(t, srv, "/v1/series/stop", identityBody())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"stopped"`, string(body["status"]))
}

func TestRefreshCooldownMapsTo429(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv, "/v1/series/start", startBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	refresh := identityBody()
	refresh["match_completed_hint"] = false

	resp, _ = post(t, srv, "/v1/series/refresh", refresh)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := post(t, srv, "/v1/series/refresh", refresh)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var remaining int
	require.NoError(t, json.Unmarshal(body["remaining_seconds"], &remaining))
	assert.Greater(t, remaining, 0)
}

func TestSubstitutionEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv, "/v1/series/start", startBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	sub := identityBody()
	sub["player_out"] = "b1"
	sub["player_in"] = "b9"
	sub["team_index"] = 0

	resp, body := post(t, srv, "/v1/series/substitution", sub)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"b9"`, string(body["player_in"]))

	sub["player_out"] = "nobody"
	resp, _ = post(t, srv, "/v1/series/substitution", sub)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRepostEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv, "/v1/series/start", startBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	repost := identityBody()
	repost["new_channel_id"] = "c2"
	repost["new_message_id"] = "m42"

	resp, body := post(t, srv, "/v1/series/repost", repost)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ref domain.MessageRef
	require.NoError(t, json.Unmarshal(body["message_ref"], &ref))
	assert.Equal(t, "c2", ref.ChannelID)
	assert.Equal(t, "m42", ref.MessageID)
}
