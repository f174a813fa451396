package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"queue-tracker/internal/config"
	"queue-tracker/internal/constants"
	"queue-tracker/internal/domain"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// RiotClient talks to the Riot match-v5 API. It is the tracker's discovery
// client: given a roster and a time window it returns the completed matches
// any rostered player appeared in.
type RiotClient struct {
	apiKey      string
	baseURL     string
	client      *fasthttp.Client
	logger      zerolog.Logger
	rateLimitMu sync.RWMutex
	rateLimit   RateLimitInfo
}

type RateLimitInfo struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`

	// seconds until reset
	Reset int `json:"reset"`

	UpdatedAt time.Time `json:"updated_at"`
}

func NewRiotClient(cfg *config.Config, logger zerolog.Logger) *RiotClient {
	return &RiotClient{
		apiKey:  cfg.RiotAPIKey,
		baseURL: cfg.RiotAPIBaseURL,
		logger:  logger,
		client: &fasthttp.Client{
			MaxConnsPerHost:     100,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		rateLimit: RateLimitInfo{
			Limit:     100,
			Remaining: 100,
			Reset:     120,
			UpdatedAt: time.Now(),
		},
	}
}

func (c *RiotClient) GetRateLimitInfo() RateLimitInfo {
	c.rateLimitMu.RLock()
	defer c.rateLimitMu.RUnlock()
	return c.rateLimit
}

func (c *RiotClient) updateRateLimit(resp *fasthttp.Response) {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()

	// app rate limit headers look like "100:120" (count:window-seconds)
	if limit := string(resp.Header.Peek("X-App-Rate-Limit")); limit != "" {
		if n, err := strconv.Atoi(firstField(limit)); err == nil {
			c.rateLimit.Limit = n
		}
	}
	if count := string(resp.Header.Peek("X-App-Rate-Limit-Count")); count != "" {
		if n, err := strconv.Atoi(firstField(count)); err == nil {
			c.rateLimit.Remaining = c.rateLimit.Limit - n
		}
	}
	if reset := string(resp.Header.Peek("Retry-After")); reset != "" {
		if n, err := strconv.Atoi(reset); err == nil {
			c.rateLimit.Reset = n
		}
	}
	c.rateLimit.UpdatedAt = time.Now()
}

func firstField(header string) string {
	for i := 0; i < len(header); i++ {
		if header[i] == ':' {
			return header[:i]
		}
	}
	return header
}

// FindMatches lists match ids per rostered player in parallel, unions them,
// then fetches each match payload once. Transient upstream failures are
// retried with capped exponential backoff before being reported to the
// tracker, which applies its own longer-horizon backoff.
func (c *RiotClient) FindMatches(ctx context.Context, players []string, windowStart, windowEnd time.Time) ([]domain.DiscoveredMatch, error) {
	ids, err := c.listMatchIDs(ctx, players, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	matches := make([]domain.DiscoveredMatch, 0, len(ids))
	for _, id := range ids {
		m, err := c.getMatch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch match %s: %w", id, err)
		}
		matches = append(matches, *m)
	}

	c.logger.Debug().
		Int("player_count", len(players)).
		Int("match_count", len(matches)).
		Time("window_start", windowStart).
		Time("window_end", windowEnd).
		Msg("discovery query completed")

	return matches, nil
}

func (c *RiotClient) listMatchIDs(ctx context.Context, players []string, windowStart, windowEnd time.Time) ([]string, error) {
	g, gCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var ordered []string

	for _, puuid := range players {
		g.Go(func() error {
			u := fmt.Sprintf("%s/lol/match/v5/matches/by-puuid/%s/ids?startTime=%d&endTime=%d&count=20",
				c.baseURL, url.PathEscape(puuid), windowStart.Unix(), windowEnd.Unix())

			ids, err := doRequest[[]string](gCtx, c, u)
			if err != nil {
				return fmt.Errorf("list matches for %s: %w", puuid, err)
			}

			mu.Lock()
			for _, id := range *ids {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ordered = append(ordered, id)
				}
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ordered, nil
}

func (c *RiotClient) getMatch(ctx context.Context, matchID string) (*domain.DiscoveredMatch, error) {
	u := fmt.Sprintf("%s/lol/match/v5/matches/%s", c.baseURL, url.PathEscape(matchID))

	payload, err := doRaw(ctx, c, u)
	if err != nil {
		return nil, err
	}

	var m matchResponse
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode match payload: %w", err)
	}

	summary := domain.MatchSummary{
		MatchID:      m.Metadata.MatchID,
		EndTime:      time.UnixMilli(m.Info.GameEndTimestamp).UTC(),
		Participants: m.Metadata.Participants,
		Duration:     int(m.Info.GameDuration),
		GameMode:     m.Info.GameMode,
	}
	for _, p := range m.Info.Participants {
		if p.Win {
			summary.Winners = append(summary.Winners, p.Puuid)
		}
	}

	return &domain.DiscoveredMatch{Summary: summary, Raw: payload}, nil
}

type matchResponse struct {
	Metadata struct {
		MatchID      string   `json:"matchId"`
		Participants []string `json:"participants"`
	} `json:"metadata"`
	Info struct {
		GameEndTimestamp int64  `json:"gameEndTimestamp"`
		GameDuration     int64  `json:"gameDuration"`
		GameMode         string `json:"gameMode"`
		Participants     []struct {
			Puuid  string `json:"puuid"`
			TeamID int    `json:"teamId"`
			Win    bool   `json:"win"`
		} `json:"participants"`
	} `json:"info"`
}

type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("API error: %d", e.status)
}

func retryable(status int) bool {
	return status == fasthttp.StatusTooManyRequests || status >= 500
}

func doRequest[T any](ctx context.Context, client *RiotClient, url string) (*T, error) {
	body, err := doRaw(ctx, client, url)
	if err != nil {
		return nil, err
	}
	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func doRaw(ctx context.Context, client *RiotClient, url string) ([]byte, error) {
	backoff := retry.WithMaxRetries(constants.UpstreamRetryAttempts,
		retry.NewExponential(constants.UpstreamRetryBase))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(url)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("X-Riot-Token", client.apiKey)

		var err error
		if deadline, ok := ctx.Deadline(); ok {
			err = client.client.DoDeadline(req, resp, deadline)
		} else {
			err = client.client.Do(req, resp)
		}
		if err != nil {
			return retry.RetryableError(err)
		}

		client.updateRateLimit(resp)

		if resp.StatusCode() != fasthttp.StatusOK {
			uerr := &upstreamError{status: resp.StatusCode()}
			if retryable(resp.StatusCode()) {
				return retry.RetryableError(uerr)
			}
			return uerr
		}

		body = append(body[:0], resp.Body()...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
