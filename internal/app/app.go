// Package app assembles the sync core from configuration. The daemon and the
// mobile bridge share it so both run the same engine wiring.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quizapp/offlinesync/internal/api"
	"github.com/quizapp/offlinesync/internal/config"
	"github.com/quizapp/offlinesync/internal/crypto"
	"github.com/quizapp/offlinesync/internal/db"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/metrics"
	"github.com/quizapp/offlinesync/internal/network"
	"github.com/quizapp/offlinesync/internal/services"
	syncpkg "github.com/quizapp/offlinesync/internal/sync"
	"github.com/quizapp/offlinesync/internal/sync/conflict"
	"github.com/quizapp/offlinesync/internal/sync/scheduler"
)

// Options adjust the assembly.
type Options struct {
	// LastSync overrides where the last pull time is kept. The daemon uses
	// the database; the mobile bridge keeps it next to the tokens.
	LastSync syncpkg.LastSyncStore
	// Remote overrides the API client, mainly for tests.
	Remote syncpkg.Remote
}

// App holds every long-lived component.
type App struct {
	Config *config.Config

	DB    *db.DB
	Store *db.Store

	Entities    *db.EntityRepository
	Records     *db.DomainRepository
	Answers     *db.AnswerRepository
	Submissions *db.SubmissionRepository
	State       *db.StateRepository

	Credentials *crypto.CredentialStore
	Client      *api.Client
	Monitor     *network.Monitor
	Metrics     *metrics.Collector
	Conflicts   *conflict.Service
	Engine      *syncpkg.Engine
	Manager     *services.EntityManager
	Scheduler   *scheduler.Scheduler

	log *logging.Logger
}

// DatabasePath returns the SQLite file location for cfg.
func DatabasePath(cfg *config.Config) string {
	name := cfg.Storage.FileName
	if name == "" {
		name = db.FileName
	}
	return filepath.Join(cfg.Storage.DataDir, name)
}

// OpenDatabase opens the configured database and applies migrations.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*db.DB, *db.Store, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	database, err := db.OpenPath(DatabasePath(cfg))
	if err != nil {
		return nil, nil, err
	}
	store := db.NewStore(database)
	if err := store.Init(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, store, nil
}

// New opens storage and wires the engine selected by cfg.Sync.Engine.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	mode, err := syncpkg.ParseMode(cfg.Sync.Engine)
	if err != nil {
		return nil, err
	}
	engineOpts, err := syncpkg.OptionsFromConfig(cfg.Sync)
	if err != nil {
		return nil, err
	}

	database, store, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueRepo, err := db.NewQueueRepository(store, syncpkg.QueueTable(mode))
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		Config:      cfg,
		DB:          database,
		Store:       store,
		Entities:    db.NewEntityRepository(store),
		Records:     db.NewDomainRepository(store),
		Answers:     db.NewAnswerRepository(store),
		Submissions: db.NewSubmissionRepository(store),
		State:       db.NewStateRepository(store),
		Credentials: crypto.NewCredentialStore(crypto.NewSecureStorage(cfg.Credentials.Dir)),
		Monitor:     network.NewMonitor(cfg.API.ProbeURL),
		Metrics:     metrics.NewCollector(metrics.DefaultCapacity),
		log:         logging.Named("app"),
	}
	a.Client = api.NewClient(cfg.API, cfg.Breaker, a.Credentials)
	a.Conflicts = conflict.NewService(a.Records, a.Entities, db.NewConflictLogRepository(store))

	var remote syncpkg.Remote = a.Client
	if opts.Remote != nil {
		remote = opts.Remote
	}
	var lastSync syncpkg.LastSyncStore = a.State
	if opts.LastSync != nil {
		lastSync = opts.LastSync
	}

	a.Engine = syncpkg.New(mode, syncpkg.Deps{
		Queue:       queueRepo,
		Submissions: a.Submissions,
		Drafts:      a.Answers,
		Records:     a.Records,
		Entities:    a.Entities,
		Conflicts:   a.Conflicts,
		Remote:      remote,
		Monitor:     a.Monitor,
		Metrics:     a.Metrics,
		State:       lastSync,
	}, engineOpts)
	a.Manager = services.NewEntityManager(a.Entities, a.Records, a.Answers, a.Submissions, a.Engine)

	a.Scheduler, err = scheduler.NewScheduler(a.Engine, &scheduler.SchedulerConfig{
		Housekeeping: cfg.Housekeeping.Schedule,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a.log.Info("Sync core assembled", map[string]interface{}{
		"engine":   string(mode),
		"database": DatabasePath(cfg),
	})
	return a, nil
}

// Start runs the scheduler, which starts the engine.
func (a *App) Start(ctx context.Context) error {
	return a.Scheduler.Start(ctx)
}

// Close stops background work and closes the database.
func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.Store.Close()
}
