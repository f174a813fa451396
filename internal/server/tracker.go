package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"queue-tracker/internal/constants"
	"queue-tracker/internal/domain"
	"queue-tracker/internal/tracker"

	"github.com/rs/zerolog"
)

// TrackerServer exposes the series operations to the command layer as a
// small JSON-over-HTTP surface. Transport framing is deliberately thin; the
// operation set and field semantics are the contract.
type TrackerServer struct {
	registry *tracker.Registry
	logger   zerolog.Logger
}

func NewTrackerServer(registry *tracker.Registry, logger zerolog.Logger) *TrackerServer {
	return &TrackerServer{registry: registry, logger: logger}
}

func (s *TrackerServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/series/start", s.handleStart)
	mux.HandleFunc("POST /v1/series/pause", s.handlePause)
	mux.HandleFunc("POST /v1/series/resume", s.handleResume)
	mux.HandleFunc("POST /v1/series/stop", s.handleStop)
	mux.HandleFunc("POST /v1/series/substitution", s.handleSubstitution)
	mux.HandleFunc("POST /v1/series/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/series/repost", s.handleRepost)
	mux.HandleFunc("POST /v1/series/status", s.handleStatus)
}

type identityRequest struct {
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	QueueNumber string `json:"queue_number"`
}

func (r identityRequest) identity() domain.SeriesIdentity {
	return domain.SeriesIdentity{GuildID: r.GuildID, ChannelID: r.ChannelID, QueueNumber: r.QueueNumber}
}

type startRequest struct {
	identityRequest
	UserID           string        `json:"user_id"`
	Roster           []domain.Team `json:"roster"`
	QueueStartTime   time.Time     `json:"queue_start_time"`
	InteractionToken string        `json:"interaction_token,omitempty"`
}

type substitutionRequest struct {
	identityRequest
	PlayerOut string `json:"player_out"`
	PlayerIn  string `json:"player_in"`
	TeamIndex int    `json:"team_index"`
}

type refreshRequest struct {
	identityRequest
	MatchCompletedHint bool `json:"match_completed_hint"`
}

type repostRequest struct {
	identityRequest
	NewChannelID string `json:"new_channel_id,omitempty"`
	NewMessageID string `json:"new_message_id"`
}

type errorResponse struct {
	Error            string `json:"error"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

func (s *TrackerServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := req.identity()
	id.StartedBy = req.UserID

	ctx, cancel := requestContext(r)
	defer cancel()

	snap, err := s.registry.Start(ctx, id, req.Roster, req.QueueStartTime)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *TrackerServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.registry.Pause)
}

func (s *TrackerServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.registry.Resume)
}

func (s *TrackerServer) handleStop(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	snap, err := s.registry.Stop(ctx, req.identity())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap == nil {
		// stopping a series that never existed is a success no-op
		s.writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusStopped)})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *TrackerServer) handleSubstitution(w http.ResponseWriter, r *http.Request) {
	var req substitutionRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	sub, err := s.registry.RecordSubstitution(ctx, req.identity(), req.PlayerOut, req.PlayerIn, req.TeamIndex)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *TrackerServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	snap, err := s.registry.Refresh(ctx, req.identity(), req.MatchCompletedHint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *TrackerServer) handleRepost(w http.ResponseWriter, r *http.Request) {
	var req repostRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	snap, err := s.registry.Repost(ctx, req.identity(), req.NewChannelID, req.NewMessageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *TrackerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	snap, err := s.registry.Status(ctx, req.identity())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *TrackerServer) handleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.SeriesIdentity) (*domain.SeriesState, error)) {
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	snap, err := op(ctx, req.identity())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *TrackerServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *TrackerServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrPlayerNotOnTeam):
		status = http.StatusConflict
	default:
		if ce, ok := domain.IsCooldownActive(err); ok {
			status = http.StatusTooManyRequests
			resp.RemainingSeconds = int(ce.Remaining.Round(time.Second) / time.Second)
		} else {
			s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		}
	}

	s.writeJSON(w, status, resp)
}

func (s *TrackerServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), constants.RequestTimeout)
}
