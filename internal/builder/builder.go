// Package builder wires every service of matchd from an AppConfig.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/auth"
	"github.com/park285/chess-match-server/internal/cache"
	"github.com/park285/chess-match-server/internal/config"
	"github.com/park285/chess-match-server/internal/hub"
	"github.com/park285/chess-match-server/internal/matchmaker"
	"github.com/park285/chess-match-server/internal/msgcat"
	"github.com/park285/chess-match-server/internal/opsapi"
	"github.com/park285/chess-match-server/internal/persist"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/internal/session"
	"github.com/park285/chess-match-server/internal/store"
	"github.com/park285/chess-match-server/internal/transport"
)

type Deps struct {
	Cache      *cache.Redis
	Store      store.Store
	Gateway    *persist.Gateway
	Hub        *hub.Registry
	Timers     *session.Timers
	Catalog    *msgcat.Catalog
	Matchmaker *matchmaker.Matchmaker
	Transport  *transport.Server
	Ops        *opsapi.Server
}

// New builds the dependency graph. Redis is required; an empty DATABASE_URL
// selects the in-memory store.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	authn, err := auth.New(cfg.AuthMode, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := cache.Dial(dialCtx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	c := cache.NewRedis(rdb, "")

	st, err := openStore(dialCtx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	policy := persist.DefaultPolicy()
	policy.Attempts = cfg.PersistAttempts
	policy.BaseDelay = cfg.PersistBackoff
	policy.MaxDelay = cfg.PersistMaxBackoff
	gw := persist.New(st, c, policy, cfg.CacheTTL, logger.Named("persist"))

	h := hub.New(logger.Named("hub"))
	timers := session.NewTimers(logger.Named("timers"))
	mm := matchmaker.New(matchmaker.Options{
		Rules:   rules.NewStandard(),
		Gateway: gw,
		Hub:     h,
		Timers:  timers,
		Reasons: catalog,
		Session: session.Config{TimeControl: cfg.TimeControl, AbandonAfter: cfg.AbandonTimeout},
		Logger:  logger.Named("matchmaker"),
	})

	ts := transport.New(mm, authn, transport.Options{
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		SendBuffer:     cfg.SendBuffer,
		OriginPatterns: cfg.OriginPatterns,
		Reasons:        catalog,
	}, logger.Named("transport"))

	ops := opsapi.New(opsapi.Options{
		Loader: st,
		Checks: map[string]opsapi.Pinger{"store": st, "cache": c},
		Live:   mm.Live,
		Logger: logger.Named("ops"),
	})

	return &Deps{
		Cache:      c,
		Store:      st,
		Gateway:    gw,
		Hub:        h,
		Timers:     timers,
		Catalog:    catalog,
		Matchmaker: mm,
		Transport:  ts,
		Ops:        ops,
	}, nil
}

func openStore(ctx context.Context, databaseURL string, logger *zap.Logger) (store.Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		logger.Warn("store_in_memory", zap.String("hint", "set DATABASE_URL for durable matches"))
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return pg, nil
}

// Close releases the store and the cache. Listeners and the matchmaker are
// shut down by the caller first.
func (d *Deps) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	if d.Cache != nil {
		errs = append(errs, d.Cache.Close())
	}
	return errors.Join(errs...)
}
