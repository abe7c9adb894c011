// Package api is the daemon's HTTP surface: show management, episode and
// release inspection, and job triggers for every background operation. Slow
// operations never run inline; handlers submit them to the job runner and
// return an id the client polls.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/bangumid/bangumid/internal/config"
	"github.com/bangumid/bangumid/internal/jellyfin"
	"github.com/bangumid/bangumid/internal/jobs"
	"github.com/bangumid/bangumid/internal/maintenance"
	"github.com/bangumid/bangumid/internal/manifest"
	"github.com/bangumid/bangumid/internal/pipeline"
	"github.com/bangumid/bangumid/internal/reconciler"
	"github.com/bangumid/bangumid/internal/resolver"
	"github.com/bangumid/bangumid/internal/scheduler"
	"github.com/bangumid/bangumid/internal/store"
)

// Server handles HTTP requests for the bangumid API.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger
	cfg    *config.Config

	store       *store.Store
	runner      *jobs.Runner
	resolver    *resolver.Resolver
	pipeline    *pipeline.Pipeline
	reconciler  *reconciler.Reconciler
	maintenance *maintenance.Maintenance
	jellyfin    *jellyfin.Client
	manifests   *manifest.Store
	sched       *scheduler.Scheduler

	startedAt time.Time
}

// Deps carries the services the server exposes.
type Deps struct {
	Store       *store.Store
	Runner      *jobs.Runner
	Resolver    *resolver.Resolver
	Pipeline    *pipeline.Pipeline
	Reconciler  *reconciler.Reconciler
	Maintenance *maintenance.Maintenance
	Jellyfin    *jellyfin.Client
	Manifests   *manifest.Store
	Scheduler   *scheduler.Scheduler
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		logger:      logger.With().Str("component", "api").Logger(),
		cfg:         cfg,
		store:       deps.Store,
		runner:      deps.Runner,
		resolver:    deps.Resolver,
		pipeline:    deps.Pipeline,
		reconciler:  deps.Reconciler,
		maintenance: deps.Maintenance,
		jellyfin:    deps.Jellyfin,
		manifests:   deps.Manifests,
		sched:       deps.Scheduler,
		startedAt:   time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.BodyLimit("1M"))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Info().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")

	api.GET("/status", s.getStatus)
	api.GET("/debug/runtime", s.getRuntime)
	api.GET("/tasks", s.listTasks)
	api.POST("/intake", s.intake)

	shows := api.Group("/shows")
	shows.POST("", s.createShow)
	shows.GET("", s.listShows)
	shows.GET("/:id", s.getShow)
	shows.GET("/:id/status", s.getShowStatus)
	shows.POST("/:id/aliases", s.addAlias)
	shows.GET("/:id/aliases", s.listAliases)
	shows.PUT("/:id/profile", s.upsertProfile)
	shows.GET("/:id/episodes", s.listEpisodes)
	shows.GET("/:id/releases", s.listReleases)
	shows.POST("/:id/verify-hashes", s.verifyHashes)

	jobsGroup := api.Group("/jobs")
	jobsGroup.GET("", s.listJobs)
	jobsGroup.GET("/:id", s.getJob)
	jobsGroup.POST("/:id/cancel", s.cancelJob)
	jobsGroup.GET("/task/:job_id", s.taskStatus)
	jobsGroup.POST("/task/:job_id/cancel", s.taskCancel)
	jobsGroup.POST("/sync-now", s.syncNow)
	jobsGroup.POST("/poll-now", s.pollNow)
	jobsGroup.POST("/poll-show-now/:id", s.pollShowNow)
	jobsGroup.POST("/poll-show-async/:id", s.pollShowAsync)
	jobsGroup.POST("/reconcile-now", s.reconcileNow)
	jobsGroup.POST("/qbit-maintenance-now", s.qbitMaintenanceNow)
	jobsGroup.POST("/recovery-now", s.recoveryNow)
	jobsGroup.POST("/posters-now", s.postersNow)
	jobsGroup.POST("/jellyfin-status-now", s.jellyfinStatusNow)
	jobsGroup.POST("/jellyfin-refresh-now", s.jellyfinRefreshNow)
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
