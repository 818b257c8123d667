// Package app wires configuration, storage and services into one graph shared
// by the HTTP server and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"zpulse/internal/cache"
	"zpulse/internal/config"
	"zpulse/internal/domain"
	"zpulse/internal/platform"
	"zpulse/internal/queue"
	"zpulse/internal/security"
	"zpulse/internal/service"
	"zpulse/internal/store/postgres"
	"zpulse/internal/store/sqlite"
	"zpulse/internal/ws"
)

// Repositories is the storage port set for one driver.
type Repositories struct {
	Participants domain.ParticipantRepository
	Events       domain.EventRepository
	Identities   domain.IdentityRepository
	Chats        domain.ChatRepository
	Links        domain.LinkRepository
	Jobs         domain.ImportJobRepository
}

// App holds the wired services.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Repos  Repositories
	Logger *slog.Logger

	Hub          *ws.Hub
	Tokens       *security.TokenService
	Participants *service.ParticipantService
	Backfill     *service.BackfillService
	Metrics      *service.MetricsService
	Analytics    *service.AnalyticsService
	Imports      *service.ImportService
	Ingest       *service.IngestService
	Chats        *service.ChatService

	closers []func() error
}

// OpenDB opens and migrates the configured database.
func OpenDB(cfg *config.Config) (*sql.DB, Repositories, error) {
	var (
		db      *sql.DB
		err     error
		migrate func(*sql.DB) error
	)
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err = sqlite.Open(cfg.DSN())
		migrate = sqlite.Migrate
	default:
		db, err = postgres.Open(cfg.DSN())
		migrate = postgres.Migrate
	}
	if err != nil {
		return nil, Repositories{}, fmt.Errorf("open %s: %w", cfg.DBDriver, err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, Repositories{}, err
	}
	return db, repositoriesFor(cfg.DBDriver, db), nil
}

func repositoriesFor(driver string, db *sql.DB) Repositories {
	if driver == config.DriverSQLite {
		return Repositories{
			Participants: sqlite.NewParticipantRepo(db),
			Events:       sqlite.NewEventRepo(db),
			Identities:   sqlite.NewIdentityRepo(db),
			Chats:        sqlite.NewChatRepo(db),
			Links:        sqlite.NewLinkRepo(db),
			Jobs:         sqlite.NewImportJobRepo(db),
		}
	}
	return Repositories{
		Participants: postgres.NewParticipantRepo(db),
		Events:       postgres.NewEventRepo(db),
		Identities:   postgres.NewIdentityRepo(db),
		Chats:        postgres.NewChatRepo(db),
		Links:        postgres.NewLinkRepo(db),
		Jobs:         postgres.NewImportJobRepo(db),
	}
}

// New opens storage and builds every service. Optional collaborators (Redis
// cache, import queue, Telegram lookup, text encryption, tokens) are only
// wired when configured.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, repos, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, Repos: repos, Logger: logger}
	a.closers = append(a.closers, db.Close)

	var snapshots cache.Cache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			logger.Warn("analytics cache disabled", "error", err)
		} else {
			snapshots = rc
			a.closers = append(a.closers, rc.Close)
		}
	}

	var sealer service.TextSealer
	if cfg.EncryptKey != "" {
		c, err := security.NewTextCipher([]byte(cfg.EncryptKey), cfg.LegacyEncryptKey)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("init text cipher: %w", err)
		}
		sealer = c
	} else {
		logger.Warn("ENCRYPTION_KEY not set; message details are stored unencrypted")
	}

	var lookup service.UsernameLookup
	if cfg.Telegram.BotToken != "" {
		lookup = platform.NewTelegramLookup(platform.TelegramOptions{
			BotToken:   cfg.Telegram.BotToken,
			APIBase:    cfg.Telegram.APIBase,
			RatePerSec: cfg.Telegram.RatePerSec,
			Timeout:    cfg.Telegram.Timeout,
		})
	}

	if cfg.JWTSecret != "" {
		a.Tokens = security.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	} else {
		logger.Warn("JWT_SECRET not set; API token checks are disabled")
	}

	deny := domain.NewBotDenylist(cfg.Denylist.PlatformIDs, cfg.Denylist.Usernames)
	a.Hub = ws.NewHub(logger)
	a.Chats = service.NewChatService(repos.Chats)
	a.Backfill = service.NewBackfillService(repos.Participants, repos.Events, repos.Identities, repos.Chats, repos.Links, logger, cfg.Analytics.BackfillScan)
	a.Metrics = service.NewMetricsService(repos.Participants, repos.Events, repos.Identities, repos.Chats, lookup, logger, cfg.Analytics.SideQueryTimeout)
	a.Participants = service.NewParticipantService(repos.Participants, a.Backfill, a.Metrics, logger)

	a.Analytics = service.NewAnalyticsService(repos.Events, repos.Links, repos.Participants, snapshots, logger, deny)
	a.Analytics.WindowDays = cfg.Analytics.WindowDays
	a.Analytics.TopN = cfg.Analytics.TopN
	a.Analytics.EventLimit = cfg.Analytics.EventLimit
	a.Analytics.SideQueryTimeout = cfg.Analytics.SideQueryTimeout
	a.Analytics.CacheTTL = cfg.Analytics.CacheTTL

	a.Imports = service.NewImportService(repos.Jobs, repos.Events, repos.Participants, repos.Identities, sealer, a.Hub, logger, cfg.Import.BatchSize)
	a.Ingest = service.NewIngestService(repos.Events, repos.Participants, repos.Identities, repos.Links, repos.Chats, sealer, logger)

	if cfg.Redis.URL != "" {
		client, err := queue.NewClient(a.QueueOptions())
		if err != nil {
			logger.Warn("import queue disabled", "error", err)
		} else {
			a.Imports.SetScheduler(client)
			a.closers = append(a.closers, client.Close)
		}
	}
	return a, nil
}

// QueueOptions returns the asynq settings derived from the configuration.
func (a *App) QueueOptions() queue.Options {
	return queue.Options{
		RedisURL:    a.Config.Redis.URL,
		Queue:       a.Config.Queue.Name,
		Concurrency: a.Config.Queue.Concurrency,
		MaxRetry:    a.Config.Queue.MaxRetry,
		Timeout:     a.Config.Queue.Timeout,
	}
}

// Close releases the collaborators in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
