package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type SeriesStatus string

const (
	StatusActive  SeriesStatus = "active"
	StatusPaused  SeriesStatus = "paused"
	StatusStopped SeriesStatus = "stopped"
)

// SeriesIdentity is the immutable key for one tracked series. StartedBy is
// carried for display and audit only and is not part of the key.
type SeriesIdentity struct {
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	QueueNumber string `json:"queue_number"`
	StartedBy   string `json:"started_by,omitempty"`
}

func (id SeriesIdentity) Key() string {
	return fmt.Sprintf("%s:%s:%s", id.GuildID, id.ChannelID, id.QueueNumber)
}

type Team struct {
	Name    string   `json:"name"`
	Players []string `json:"players"`
}

type Substitution struct {
	ID        string    `json:"id"` // nanoid
	PlayerOut string    `json:"player_out"`
	PlayerIn  string    `json:"player_in"`
	TeamIndex int       `json:"team_index"`
	At        time.Time `json:"at"`
}

// MatchSummary is the slice of a full match payload the tracker needs for
// scoring and display. The raw payload is kept separately in RawMatchCache.
type MatchSummary struct {
	MatchID      string    `json:"match_id"`
	EndTime      time.Time `json:"end_time"`
	Participants []string  `json:"participants"`
	Winners      []string  `json:"winners"` // player ids on the winning side
	Duration     int       `json:"duration_seconds"`
	GameMode     string    `json:"game_mode"`
}

// DiscoveredMatch pairs the scoring summary with the raw upstream payload so
// re-rendering never requires another upstream fetch.
type DiscoveredMatch struct {
	Summary MatchSummary
	Raw     json.RawMessage
}

type ErrorState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffSeconds      int       `json:"backoff_seconds"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	LastErrorMessage    string    `json:"last_error_message,omitempty"`
}

type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// SeriesState is the actor's sole mutable aggregate. It is owned exclusively
// by one SeriesActor and persisted as a whole after every mutation.
type SeriesState struct {
	Identity          SeriesIdentity             `json:"identity"`
	Status            SeriesStatus               `json:"status"`
	StartTime         time.Time                  `json:"start_time"`
	LastUpdateTime    time.Time                  `json:"last_update_time"`
	SearchWindowStart time.Time                  `json:"search_window_start"`
	CheckCount        int                        `json:"check_count"`
	Roster            []Team                     `json:"roster"`
	Substitutions     []Substitution             `json:"substitutions"`
	DiscoveredMatches map[string]MatchSummary    `json:"discovered_matches"`
	RawMatchCache     map[string]json.RawMessage `json:"raw_match_cache"`
	SeriesScore       string                     `json:"series_score"`
	ErrorState        ErrorState                 `json:"error_state"`
	LastRefreshTime   time.Time                  `json:"last_refresh_time"`
	MessageRef        MessageRef                 `json:"message_ref"`
}

// AllPlayers returns every currently rostered player id, team order preserved.
func (s *SeriesState) AllPlayers() []string {
	var out []string
	for _, t := range s.Roster {
		out = append(out, t.Players...)
	}
	return out
}

// Clone deep-copies the state so a published snapshot can never alias the
// actor's mutable aggregate.
func (s *SeriesState) Clone() *SeriesState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Roster = make([]Team, len(s.Roster))
	for i, t := range s.Roster {
		cp.Roster[i] = Team{Name: t.Name, Players: append([]string(nil), t.Players...)}
	}
	cp.Substitutions = append([]Substitution(nil), s.Substitutions...)
	cp.DiscoveredMatches = make(map[string]MatchSummary, len(s.DiscoveredMatches))
	for k, v := range s.DiscoveredMatches {
		v.Participants = append([]string(nil), v.Participants...)
		v.Winners = append([]string(nil), v.Winners...)
		cp.DiscoveredMatches[k] = v
	}
	cp.RawMatchCache = make(map[string]json.RawMessage, len(s.RawMatchCache))
	for k, v := range s.RawMatchCache {
		cp.RawMatchCache[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}
