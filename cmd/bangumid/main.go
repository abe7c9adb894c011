package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bangumid/bangumid/internal/api"
	"github.com/bangumid/bangumid/internal/catalog"
	"github.com/bangumid/bangumid/internal/config"
	"github.com/bangumid/bangumid/internal/database"
	"github.com/bangumid/bangumid/internal/feeds"
	"github.com/bangumid/bangumid/internal/jellyfin"
	"github.com/bangumid/bangumid/internal/jobs"
	"github.com/bangumid/bangumid/internal/logger"
	"github.com/bangumid/bangumid/internal/maintenance"
	"github.com/bangumid/bangumid/internal/manifest"
	"github.com/bangumid/bangumid/internal/mediainfo"
	"github.com/bangumid/bangumid/internal/notify"
	"github.com/bangumid/bangumid/internal/organizer"
	"github.com/bangumid/bangumid/internal/pipeline"
	"github.com/bangumid/bangumid/internal/qbit"
	"github.com/bangumid/bangumid/internal/reconciler"
	"github.com/bangumid/bangumid/internal/resolver"
	"github.com/bangumid/bangumid/internal/scheduler"
	"github.com/bangumid/bangumid/internal/scheduler/tasks"
	"github.com/bangumid/bangumid/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   cfg.Logging.Path,
	})
	defer log.Close()

	log.Info().
		Str("logLevel", cfg.Logging.Level).
		Str("db", cfg.Database.Path()).
		Msg("starting bangumid")

	db, err := database.New(cfg.Database.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	st := store.New(db.Conn(), log.Logger)

	catalogClient := catalog.NewClient(log.Logger)
	feedsClient := feeds.NewClient(log.Logger)
	qbitService := qbit.NewService(qbit.Config{
		Host:     cfg.Qbit.BaseURL(),
		Username: cfg.Qbit.Username,
		Password: cfg.Qbit.Password,
		Category: cfg.Qbit.Category,
	}, log.Logger)
	notifier := notify.New(notify.Settings{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	}, log.Logger)
	jellyfinClient := jellyfin.NewClient(jellyfin.Config{
		Host:   cfg.Jellyfin.Host,
		Port:   cfg.Jellyfin.Port,
		APIKey: cfg.Jellyfin.APIKey,
	}, log.Logger)
	prober := mediainfo.NewService(mediainfo.Config{}, log.Logger)

	org := organizer.New(cfg.Library.LibraryRoot, log.Logger)
	manifests := manifest.NewStore(cfg.Library.ManifestRoot)

	resolverService := resolver.New(st, catalogClient, log.Logger)
	pipelineService := pipeline.New(st, feedsClient, qbitService, pipeline.Config{
		Poll:               cfg.Poll,
		FeedURLs:           cfg.Library.FeedURLs(),
		PreferredSubgroups: cfg.Library.Subgroups(),
		QbitSaveRoot:       cfg.Qbit.SaveRoot,
	}, log.Logger)
	reconcilerService := reconciler.New(st, org, manifests, prober, qbitService, notifier,
		reconciler.Config{
			IncomingRoot:    cfg.Library.IncomingRoot,
			LibraryRoot:     cfg.Library.LibraryRoot,
			QbitSaveRoot:    cfg.Qbit.SaveRoot,
			ReviewQueuePath: cfg.Library.ReviewQueuePath,
		}, log.Logger)
	maintenanceService := maintenance.New(st, qbitService, maintenance.Config{
		QbitSaveRoot: cfg.Qbit.SaveRoot,
		IncomingRoot: cfg.Library.IncomingRoot,
	}, log.Logger)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	for name, register := range map[string]func() error{
		"poll":             func() error { return tasks.RegisterPollTask(sched, pipelineService, st) },
		"reconcile":        func() error { return tasks.RegisterReconcileTask(sched, reconcilerService) },
		"qbit-maintenance": func() error { return tasks.RegisterQbitMaintenanceTask(sched, maintenanceService) },
		"metadata-sync":    func() error { return tasks.RegisterMetadataSyncTask(sched, resolverService) },
		"recovery":         func() error { return tasks.RegisterRecoveryTask(sched, resolverService, reconcilerService, pipelineService) },
		"posters":          func() error { return tasks.RegisterPostersTask(sched, cfg.Library.PosterScript) },
	} {
		if err := register(); err != nil {
			log.Fatal().Err(err).Str("task", name).Msg("failed to register task")
		}
	}

	server := api.NewServer(cfg, api.Deps{
		Store:       st,
		Runner:      jobs.NewRunner(log.Logger),
		Resolver:    resolverService,
		Pipeline:    pipelineService,
		Reconciler:  reconcilerService,
		Maintenance: maintenanceService,
		Jellyfin:    jellyfinClient,
		Manifests:   manifests,
		Scheduler:   sched,
	}, log.Logger)

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown failed")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("goodbye")
}
