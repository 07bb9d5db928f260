package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/cache"
	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/store"
)

// ErrUnavailable wraps the last error once the retry budget is spent.
var ErrUnavailable = errors.New("persistence unavailable")

// Cache is the fast-access half of the gateway.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, dst any) error
	Delete(ctx context.Context, keys ...string) error
}

// Route is the routing metadata cached under game:<id>.
type Route struct {
	MatchID   string        `json:"matchId"`
	A         string        `json:"player1"`
	B         string        `json:"player2,omitempty"`
	MoveCount int           `json:"moveCount"`
	Status    domain.Status `json:"status"`
}

// Gateway puts the durable store and the cache behind one bounded retry policy.
type Gateway struct {
	store  store.Store
	cache  Cache
	policy Policy
	ttl    time.Duration
	log    *zap.Logger
}

func New(st store.Store, c Cache, policy Policy, ttl time.Duration, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gateway{store: st, cache: c, policy: policy.normalized(), ttl: ttl, log: logger}
}

func (g *Gateway) CreateMatch(ctx context.Context, m *domain.Match) error {
	nm := store.NewMatch{
		ID:              m.ID,
		A:               m.A,
		B:               m.B,
		StartedAt:       m.StartedAt,
		InitialPosition: m.InitialPosition,
	}
	return g.retry(ctx, "create_match", func(ctx context.Context) error {
		return g.store.CreateMatch(ctx, nm)
	})
}

// RecordMove appends the move and updates the position as one unit. The
// whole unit is retried on failure.
func (g *Gateway) RecordMove(ctx context.Context, matchID string, mv domain.Move) error {
	return g.retry(ctx, "record_move", func(ctx context.Context) error {
		return g.store.RecordMove(ctx, matchID, mv)
	})
}

func (g *Gateway) UpdateStatus(ctx context.Context, matchID string, status domain.Status, result domain.Result, reason string) error {
	return g.retry(ctx, "update_status", func(ctx context.Context) error {
		return g.store.UpdateStatus(ctx, matchID, status, result, reason)
	})
}

func (g *Gateway) LoadMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	var out *domain.Match
	err := g.retry(ctx, "load_match", func(ctx context.Context) error {
		m, err := g.store.LoadMatch(ctx, matchID)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (g *Gateway) UpsertParticipant(ctx context.Context, p domain.Participant) error {
	return g.retry(ctx, "upsert_participant", func(ctx context.Context) error {
		return g.store.UpsertParticipant(ctx, p)
	})
}

func (g *Gateway) Ping(ctx context.Context) error { return g.store.Ping(ctx) }

// CacheRoute refreshes game:<id>. Failures are logged, never returned.
func (g *Gateway) CacheRoute(ctx context.Context, m *domain.Match) {
	if g.cache == nil || m == nil {
		return
	}
	r := Route{MatchID: m.ID, A: m.A.ID, B: m.B.ID, MoveCount: m.MoveCount(), Status: m.Status}
	if err := g.cache.Set(ctx, cache.GameKey(m.ID), r, g.ttl); err != nil {
		g.log.Warn("cache_route_set_error", zap.String("match_id", m.ID), zap.Error(err))
	}
}

func (g *Gateway) LookupRoute(ctx context.Context, matchID string) (Route, error) {
	var r Route
	if g.cache == nil {
		return r, cache.ErrMiss
	}
	err := g.cache.Get(ctx, cache.GameKey(matchID), &r)
	return r, err
}

func (g *Gateway) DropRoute(ctx context.Context, matchID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Delete(ctx, cache.GameKey(matchID)); err != nil {
		g.log.Warn("cache_route_delete_error", zap.String("match_id", matchID), zap.Error(err))
	}
}

func (g *Gateway) CacheParticipant(ctx context.Context, p domain.Participant) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, cache.UserKey(p.ID), p, g.ttl); err != nil {
		g.log.Warn("cache_user_set_error", zap.String("participant_id", p.ID), zap.Error(err))
	}
}

func (g *Gateway) LookupParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	var p domain.Participant
	if g.cache == nil {
		return p, cache.ErrMiss
	}
	err := g.cache.Get(ctx, cache.UserKey(participantID), &p)
	return p, err
}

func (g *Gateway) DropParticipant(ctx context.Context, participantID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Delete(ctx, cache.UserKey(participantID)); err != nil {
		g.log.Warn("cache_user_delete_error", zap.String("participant_id", participantID), zap.Error(err))
	}
}

func (g *Gateway) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= g.policy.Attempts; attempt++ {
		err := g.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		if attempt == g.policy.Attempts {
			break
		}
		g.log.Warn("persist_retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := sleepWithContext(ctx, g.policy.backoff(attempt)); serr != nil {
			lastErr = serr
			break
		}
	}
	g.log.Error("persist_failed", zap.String("op", op), zap.Error(lastErr))
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, fn func(context.Context) error) error {
	if g.policy.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, g.policy.Timeout)
	defer cancel()
	return fn(actx)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrTerminal),
		errors.Is(err, store.ErrMoveConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
