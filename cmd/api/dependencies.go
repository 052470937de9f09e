package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge/taskforge-api/internal/domain/permissions"
	"github.com/taskforge/taskforge-api/internal/domain/projects"
	"github.com/taskforge/taskforge-api/internal/domain/subscriptions"
	"github.com/taskforge/taskforge-api/internal/domain/teams"
	"github.com/taskforge/taskforge-api/pkg/config"
	"github.com/taskforge/taskforge-api/pkg/db"
	"github.com/taskforge/taskforge-api/pkg/scheduler"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	ProjectRepo      projects.Repository
	TeamRepo         teams.Repository
	PermissionRepo   permissions.Repository
	SubscriptionRepo subscriptions.Repository

	// Services
	TeamService         teams.Service
	PermissionService   permissions.Service
	SubscriptionService subscriptions.Service

	// Background
	Scheduler *scheduler.Scheduler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	deps.initRepositories()
	deps.initServices()

	if err := deps.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

func (d *Dependencies) initRepositories() {
	d.ProjectRepo = projects.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.TeamRepo = teams.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.PermissionRepo = permissions.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.SubscriptionRepo = subscriptions.NewRepositoryImpl(d.DB.Pool, d.Logger)

	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initServices() {
	gateway := subscriptions.NewHTTPGateway(
		d.Config.Payment.GatewayURL,
		d.Config.Payment.KeyID,
		d.Config.Payment.KeySecret,
		d.Logger,
	)

	d.TeamService = teams.NewService(d.TeamRepo, d.Logger)
	d.PermissionService = permissions.NewService(d.PermissionRepo, d.TeamRepo, d.ProjectRepo, d.Logger)
	d.SubscriptionService = subscriptions.NewService(d.SubscriptionRepo, gateway, d.Logger)

	d.Logger.Info("services initialized")
}

// initScheduler wires the expiry sweep onto the shared cron runner.
func (d *Dependencies) initScheduler() error {
	d.Scheduler = scheduler.New(d.Logger)

	sweeper := subscriptions.NewSweeper(d.SubscriptionService, d.Logger)
	if err := d.Scheduler.Register(d.Config.Scheduler.SweepSchedule, sweeper); err != nil {
		return err
	}

	d.Logger.Info("scheduler initialized", slog.String("sweep_schedule", d.Config.Scheduler.SweepSchedule))
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
