// Package internal wires the visit statistics components into a cartridge
// application.
package internal

import (
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge"

	"visitstats/internal/aggregates"
	"visitstats/internal/config"
	"visitstats/internal/database"
	"visitstats/internal/hotstore"
	"visitstats/internal/http"
	"visitstats/internal/jobs"
	"visitstats/internal/recorder"
	"visitstats/internal/stats"
	"visitstats/internal/timeframe"
)

// Components are the long-lived services shared by routes, workers and the CLI.
type Components struct {
	Calendar  *timeframe.Calendar
	HotClient hotstore.Client
	Hot       *hotstore.Store
	Repo      *aggregates.Repository
	Recorder  *recorder.Recorder
	Scheduler *jobs.Scheduler
	Stats     *stats.Service
}

// NewComponents builds every service from cfg. The caller owns the returned
// hot client and must Close it.
func NewComponents(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger) (*Components, error) {
	calendar := timeframe.NewCalendar(cfg.Location(), nil)

	var client hotstore.Client
	switch cfg.HotBackend {
	case config.RedisHotBackend:
		client = hotstore.NewRedisClient(hotstore.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.StoreTimeout(),
		})
	default:
		client = hotstore.NewMemoryClient()
	}

	precision := uint8(cfg.EstimatorPrecision)
	hot := hotstore.NewStore(client, hotstore.Options{
		Prefix:    cfg.KeyPrefix,
		TTL:       cfg.HotTTL(),
		Precision: precision,
	}, logger)
	repo := aggregates.NewRepository(dbManager, logger, precision)

	rec := recorder.New(hot, repo, calendar, logger, recorder.Options{
		FingerprintSalt: cfg.FingerprintSalt,
		MirrorDebounce:  cfg.MirrorDebounce(),
		StoreTimeout:    cfg.StoreTimeout(),
	})

	scheduler, err := jobs.NewScheduler(hot, repo, calendar, logger, jobs.Options{
		Enabled:       cfg.JobsEnabled,
		HourlyCron:    cfg.HourlyCron,
		DailyCron:     cfg.DailyCron,
		CleanupCron:   cfg.CleanupCron,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize jobs: %w", err)
	}

	logger.Info("Visit statistics components ready",
		slog.String("hot_backend", cfg.HotBackend),
		slog.String("timezone", calendar.Location().String()),
		slog.Int("estimator_precision", int(precision)))

	return &Components{
		Calendar:  calendar,
		HotClient: client,
		Hot:       hot,
		Repo:      repo,
		Recorder:  rec,
		Scheduler: scheduler,
		Stats:     stats.NewService(hot, repo, calendar, logger),
	}, nil
}

// Application wraps cartridge.Application with visitstats-specific components
type Application struct {
	*cartridge.Application
	DBManager  *database.DBManager // DB manager with migration methods
	Components *Components
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	// Create logger
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	components, err := NewComponents(cfg, dbManager, logger)
	if err != nil {
		return nil, err
	}

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		ServerConfig:      http.NewServerConfig(),
		RouteMountFunc:    NewRouteMounter(cfg, components, dbManager),
		BackgroundWorkers: []cartridge.BackgroundWorker{components.Scheduler, components.Recorder},
	})
	if err != nil {
		components.HotClient.Close()
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Components:  components,
	}, nil
}

// Close releases the hot-tier connection. Call it after Shutdown.
func (a *Application) Close() error {
	return a.Components.HotClient.Close()
}
