package constants

import "time"

const (
	// Automatic discovery polling cadence while a series is active.
	PollInterval = 2 * time.Minute

	// Manual refresh cooldown. Automatic timer checks are not subject to it.
	RefreshCooldown = 30 * time.Second

	// Exponential backoff after consecutive discovery failures.
	BaseBackoff = 30 * time.Second
	MaxBackoff  = 15 * time.Minute

	// How far Refresh(hint=true) widens the search window backward to
	// tolerate upstream replication delay.
	HintLookback = 2 * time.Minute

	// Fraction of the combined roster that must appear in a match for it
	// to count as part of the series.
	MatchQuorum = 0.7
)

const (
	ExternalAPITimeout = 10 * time.Second
	DatabaseTimeout    = 5 * time.Second
	RequestTimeout     = 30 * time.Second
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	// Retry policy for individual upstream requests, below the tracker's
	// own backoff loop.
	UpstreamRetryAttempts = 3
	UpstreamRetryBase     = 500 * time.Millisecond
)
