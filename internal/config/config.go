package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"queue-tracker/internal/constants"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

type Config struct {
	RiotAPIKey      string
	RiotAPIBaseURL  string
	DBPath          string
	ServerPort      string
	LogLevel        string
	PollInterval    time.Duration
	RefreshCooldown time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	HintLookback    time.Duration
	MatchQuorum     float64
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		RiotAPIKey:      getEnv("RIOT_API_KEY", ""),
		RiotAPIBaseURL:  getEnv("RIOT_API_BASE_URL", "https://americas.api.riotgames.com"),
		DBPath:          getEnv("DB_PATH", "queues.db"),
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		PollInterval:    getDuration("POLL_INTERVAL", constants.PollInterval),
		RefreshCooldown: getDuration("REFRESH_COOLDOWN", constants.RefreshCooldown),
		BaseBackoff:     getDuration("BASE_BACKOFF", constants.BaseBackoff),
		MaxBackoff:      getDuration("MAX_BACKOFF", constants.MaxBackoff),
		HintLookback:    getDuration("HINT_LOOKBACK", constants.HintLookback),
		MatchQuorum:     getFloat("MATCH_QUORUM", constants.MatchQuorum),
	}

	if cfg.RiotAPIKey == "" {
		return nil, fmt.Errorf("RIOT_API_KEY is required")
	}
	if cfg.MatchQuorum <= 0 || cfg.MatchQuorum > 1 {
		return nil, fmt.Errorf("MATCH_QUORUM must be in (0, 1], got %v", cfg.MatchQuorum)
	}

	logger.Info().
		Str("db_path", cfg.DBPath).
		Str("server_port", cfg.ServerPort).
		Str("log_level", cfg.LogLevel).
		Dur("poll_interval", cfg.PollInterval).
		Dur("refresh_cooldown", cfg.RefreshCooldown).
		Float64("match_quorum", cfg.MatchQuorum).
		Msg("configuration loaded")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

var Module = fx.Provide(Load)
