package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/client"
	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/cycle"
	"github.com/pario-ai/quotacontrol/pkg/events"
	"github.com/pario-ai/quotacontrol/pkg/handler"
	"github.com/pario-ai/quotacontrol/pkg/limits"
	"github.com/pario-ai/quotacontrol/pkg/logging"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/permission"
	"github.com/pario-ai/quotacontrol/pkg/ratelimit"
	"github.com/pario-ai/quotacontrol/pkg/store"
	"github.com/pario-ai/quotacontrol/pkg/store/sqlite"
	"github.com/pario-ai/quotacontrol/pkg/tracker"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app is the fully wired service backed by the local database.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      *sqlite.Store
	limits  *limits.Resolver
	perms   *permission.Static
	permRes *permission.Resolver
	outbox  *events.Outbox
	tracker *tracker.Tracker
	handler *handler.Handler
}

// openApp wires every component. withTracker enables async usage
// batching, which only makes sense for a long-running server.
func openApp(cfg *config.Config, log zerolog.Logger, withTracker bool) (*app, error) {
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, log: log, db: db}
	st := store.WithRetry(db, cfg.Store.Retries, cfg.Store.RetryBase)

	cal, err := cycle.New(cfg.Cycle)
	if err != nil {
		a.Close()
		return nil, err
	}
	cycles := cycle.NewResolver(cal, st)
	a.limits = limits.New(st, cfg.DefaultLimit)

	sink, err := events.NewSink(cfg.Events, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.outbox = events.New(db.DB(), sink, cfg.Events, log)

	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.perms, err = permission.NewStatic(cfg.Permissions); err != nil {
		a.Close()
		return nil, err
	}
	a.permRes = permission.NewResolver(a.perms, cfg.Cache.Size, cfg.Cache.PermissionTTL, log)

	engine := usage.New(st, a.limits, cycles, a.outbox, log)
	if withTracker {
		a.tracker = tracker.New(engine, cfg.Usage.FlushInterval, cfg.Usage.MaxPending, log)
	}

	a.handler = handler.New(handler.Deps{
		Store:       st,
		Limits:      a.limits,
		Cycles:      cycles,
		Engine:      engine,
		Tracker:     a.tracker,
		Limiter:     limiter,
		Permissions: a.permRes,
		Events:      a.outbox,
		KeyPrefix:   cfg.KeyPrefix,
		CacheSize:   cfg.Cache.Size,
		CacheTTL:    cfg.Cache.TTL,
	}, log)
	return a, nil
}

// reload applies the parts of a new config that can change at runtime.
func (a *app) reload(cfg *config.Config) {
	if err := a.perms.Load(cfg.Permissions); err != nil {
		a.log.Error().Err(err).Msg("reload permissions")
	} else {
		a.permRes.Purge()
	}
	if err := a.limits.SetDefault(cfg.DefaultLimit); err != nil {
		a.log.Error().Err(err).Msg("reload default limit")
	} else {
		a.handler.PurgeQuotaCache()
	}
	a.log.Info().Msg("config reloaded")
}

// Close flushes pending usage and releases the database.
func (a *app) Close() error {
	var errs []error
	if a.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, a.tracker.Close(ctx))
		cancel()
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

// remote returns a client for --server that warns on stderr when the
// server speaks another schema version.
func remote(g *globals) *client.Client {
	return client.New(g.serverURL, client.WithLogger(logging.NewWithWriter(os.Stderr, "warn", "console")))
}

// connect returns the QuotaControl surface the CLI talks to: a remote
// server when --server is set, the local database otherwise.
func connect(g *globals) (models.QuotaControl, func(), error) {
	if g.serverURL != "" {
		return remote(g), func() {}, nil
	}
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	a, err := openApp(cfg, logging.NewWithWriter(os.Stderr, "warn", "console"), false)
	if err != nil {
		return nil, nil, err
	}
	return a.handler, func() { _ = a.Close() }, nil
}
