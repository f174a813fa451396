package fx

import (
	"queue-tracker/internal/api"
	"queue-tracker/internal/config"
	"queue-tracker/internal/database"
	"queue-tracker/internal/logger"
	"queue-tracker/internal/repository"
	"queue-tracker/internal/server"
	"queue-tracker/internal/tracker"

	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(logger.New),
	fx.Provide(config.Load),
	fx.Provide(database.New),
	// repos
	fx.Provide(repository.NewSeriesRepository),
	fx.Provide(func(r *repository.SeriesRepository) tracker.Store { return r }),
	// discovery client
	fx.Provide(api.NewRiotClient),
	fx.Provide(func(c *api.RiotClient) tracker.DiscoveryClient { return c }),
	// core
	fx.Provide(tracker.NewClock),
	fx.Provide(tracker.NewRegistry),
	// server
	fx.Provide(server.NewTrackerServer),
)
