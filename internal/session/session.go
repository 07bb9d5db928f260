package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/internal/rules"
)

var (
	ErrGameOver       = errors.New("game already over")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrIllegalMove    = errors.New("illegal move")
	ErrNotParticipant = errors.New("not a participant")
	ErrNotStarted     = errors.New("match not started")
	ErrPersistence    = errors.New("persistence failed")
	ErrAlreadyPaired  = errors.New("match already paired")
	ErrReleased       = errors.New("match is no longer live")
)

const (
	DefaultTimeControl  = 10 * time.Minute
	DefaultAbandonAfter = 60 * time.Second
)

// Persister is the part of the persistence gateway a session writes through.
type Persister interface {
	CreateMatch(ctx context.Context, m *domain.Match) error
	RecordMove(ctx context.Context, matchID string, mv domain.Move) error
	UpdateStatus(ctx context.Context, matchID string, status domain.Status, result domain.Result, reason string) error
	CacheRoute(ctx context.Context, m *domain.Match)
	DropRoute(ctx context.Context, matchID string)
}

type Broadcaster interface {
	Broadcast(matchID string, msg any) int
}

type Config struct {
	TimeControl  time.Duration
	AbandonAfter time.Duration
	Now          func() time.Time
}

func (c Config) normalized() Config {
	if c.TimeControl <= 0 {
		c.TimeControl = DefaultTimeControl
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = DefaultAbandonAfter
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deps are shared by every session of a process.
type Deps struct {
	Rules   rules.Engine
	Store   Persister
	Hub     Broadcaster
	Timers  *Timers
	Reasons protocol.Reasons
	Log     *zap.Logger
	// OnEnd runs once after a match reaches a terminal state, outside the
	// session lock.
	OnEnd func(m *domain.Match)
}

// Session owns one match. Every mutation, timer expiries included, runs
// under mu.
type Session struct {
	mu       sync.Mutex
	m        *domain.Match
	cfg      Config
	deps     Deps
	log      *zap.Logger
	tickets  map[TimerKind]uint64
	released bool
}

// New creates a match waiting for its second participant.
func New(id string, a domain.Participant, cfg Config, deps Deps) *Session {
	cfg = cfg.normalized()
	now := cfg.Now()
	pos := deps.Rules.Initial()
	m := &domain.Match{
		ID:              id,
		A:               a,
		InitialPosition: pos,
		Position:        pos,
		Status:          domain.StatusAwaitingOpponent,
		CreatedAt:       now,
	}
	return newSession(m, cfg, deps)
}

func newSession(m *domain.Match, cfg Config, deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Timers == nil {
		deps.Timers = NewTimers(deps.Log)
	}
	return &Session{
		m:       m,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With(zap.String("match_id", m.ID)),
		tickets: make(map[TimerKind]uint64),
	}
}

func (s *Session) ID() string { return s.m.ID }

// Owner returns participant A, fixed at creation.
func (s *Session) Owner() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.A
}

func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Status
}

// Start pairs b as the second participant. The match is persisted before
// anything is broadcast; on failure the session stays awaiting.
func (s *Session) Start(ctx context.Context, b domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if s.m.Status != domain.StatusAwaitingOpponent {
		return ErrAlreadyPaired
	}
	now := s.cfg.Now()
	next := s.m.Clone()
	next.B = b
	next.Status = domain.StatusInProgress
	next.StartedAt = now
	next.LastMoveAt = now

	if err := s.deps.Store.CreateMatch(ctx, next); err != nil {
		s.log.Error("match_create_failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s.m = next
	s.deps.Store.CacheRoute(ctx, next)
	s.log.Info("match_started", zap.String("white_id", next.A.ID), zap.String("black_id", next.B.ID))
	s.deps.Hub.Broadcast(next.ID, protocol.MatchStarted(next, s.cfg.TimeControl))
	s.armLocked(now)
	return nil
}

// ApplyMove validates and applies a move by the acting participant. Rejections
// leave the match untouched. A persistence failure is reported to both
// participants and returned wrapped in ErrPersistence.
func (s *Session) ApplyMove(ctx context.Context, participantID string, mv rules.Move) error {
	s.mu.Lock()
	ended, err := s.applyLocked(ctx, participantID, mv)
	s.mu.Unlock()
	s.notifyEnd(ended)
	return err
}

func (s *Session) applyLocked(ctx context.Context, participantID string, mv rules.Move) (*domain.Match, error) {
	switch {
	case s.released:
		return nil, ErrReleased
	case s.m.Status.Terminal():
		return nil, ErrGameOver
	case s.m.Status != domain.StatusInProgress:
		return nil, ErrNotStarted
	}
	side, ok := s.m.SideOf(participantID)
	if !ok {
		return nil, ErrNotParticipant
	}
	if side != s.m.SideToMove() {
		return nil, ErrNotYourTurn
	}

	applied, mv, err := s.apply(s.m, mv)
	if err != nil {
		s.log.Debug("move_rejected", zap.String("participant_id", participantID), zap.String("move", mv.From+mv.To+mv.Promotion), zap.Error(err))
		return nil, err
	}

	now := s.cfg.Now()
	elapsed := now.Sub(s.m.LastMoveAt)
	if elapsed < 0 {
		elapsed = 0
	}
	rec := domain.Move{
		Seq:       s.m.MoveCount() + 1,
		From:      mv.From,
		To:        mv.To,
		Promotion: mv.Promotion,
		SAN:       applied.SAN,
		Before:    s.m.Position,
		After:     applied.Position,
		TimeTaken: elapsed,
		At:        now,
	}
	next := s.m.Clone()
	next.Moves = append(next.Moves, rec)
	next.Position = applied.Position
	next.AddConsumed(side, elapsed)
	next.LastMoveAt = now

	if err := s.deps.Store.RecordMove(ctx, next.ID, rec); err != nil {
		s.log.Error("move_persist_failed", zap.Int("seq", rec.Seq), zap.Error(err))
		s.deps.Hub.Broadcast(next.ID, protocol.Error(s.deps.Reasons, protocol.CodeTransient))
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s.m = next
	s.deps.Store.CacheRoute(ctx, next)
	s.log.Info("move_applied", zap.Int("seq", rec.Seq), zap.String("san", rec.SAN), zap.Duration("time_taken", elapsed))
	s.deps.Hub.Broadcast(next.ID, protocol.MoveApplied(next, rec, next.ConsumedA, next.ConsumedB))

	cls, err := s.deps.Rules.Classify(lineOf(next))
	if err != nil {
		s.log.Error("classify_failed", zap.Error(err))
	} else if cls.Terminal() {
		return s.finishLocked(ctx, domain.StatusCompleted, cls.Result(), cls.State.String()), nil
	}
	s.armLocked(now)
	return nil, nil
}

// apply submits the move to the rules engine. A pawn reaching the last rank
// without a promotion hint is promoted to a queen when the destination is
// confirmed legal.
func (s *Session) apply(m *domain.Match, mv rules.Move) (rules.Applied, rules.Move, error) {
	line := lineOf(m)
	applied, err := s.deps.Rules.Apply(line, mv)
	if err == nil {
		return applied, mv, nil
	}
	if errors.Is(err, rules.ErrIllegalMove) && mv.Promotion == "" && lastRank(mv.To) {
		dests, derr := s.deps.Rules.LegalDestinations(m.Position, mv.From)
		if derr == nil && slices.Contains(dests, mv.To) {
			mv.Promotion = "q"
			if applied, err = s.deps.Rules.Apply(line, mv); err == nil {
				return applied, mv, nil
			}
		}
	}
	if errors.Is(err, rules.ErrIllegalMove) {
		return rules.Applied{}, mv, fmt.Errorf("%w: %w", ErrIllegalMove, err)
	}
	return rules.Applied{}, mv, err
}

// lineOf is the match history in the form the rules engine replays.
func lineOf(m *domain.Match) rules.Line {
	line := rules.Line{Initial: m.InitialPosition, Moves: make([]rules.Move, 0, len(m.Moves))}
	for _, mv := range m.Moves {
		line.Moves = append(line.Moves, rules.Move{From: mv.From, To: mv.To, Promotion: mv.Promotion})
	}
	return line
}

func lastRank(square string) bool {
	return len(square) == 2 && (square[1] == '1' || square[1] == '8')
}

// ConsumedTime returns the stored time of a side plus, while it is that
// side's turn, the time elapsed since the last move.
func (s *Session) ConsumedTime(side domain.Side) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumedLocked(side, s.cfg.Now())
}

func (s *Session) consumedLocked(side domain.Side, now time.Time) time.Duration {
	d := s.m.Consumed(side)
	if s.m.Status == domain.StatusInProgress && side == s.m.SideToMove() && !s.m.LastMoveAt.IsZero() {
		if live := now.Sub(s.m.LastMoveAt); live > 0 {
			d += live
		}
	}
	return d
}

// Snapshot returns a copy of the match.
func (s *Session) Snapshot() *domain.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Clone()
}

// View returns a copy of the match together with both live clocks, read at
// one instant.
func (s *Session) View() (m *domain.Match, consumedA, consumedB time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()
	return s.m.Clone(), s.consumedLocked(domain.SideWhite, now), s.consumedLocked(domain.SideBlack, now)
}

func (s *Session) TimeControl() time.Duration { return s.cfg.TimeControl }

// Touch restarts the abandonment timer after a reconnection.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.m.Status != domain.StatusInProgress {
		return
	}
	s.armAbandonLocked()
}

// Resume arms both timers of a hydrated match. The clock gets what is left of
// the side to move's budget as of now.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.m.Status != domain.StatusInProgress {
		return
	}
	s.armLocked(s.cfg.Now())
}

// Release takes the session out of play without a status change. Its timers
// are canceled and later calls fail with ErrReleased.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.cancelTimersLocked()
}

func (s *Session) armLocked(now time.Time) {
	s.armAbandonLocked()
	side := s.m.SideToMove()
	remaining := s.cfg.TimeControl - s.consumedLocked(side, now)
	s.tickets[ClockTimer] = s.deps.Timers.Arm(s.m.ID, ClockTimer, remaining, func(ticket uint64) {
		s.expire(ClockTimer, ticket)
	})
}

func (s *Session) armAbandonLocked() {
	s.tickets[AbandonTimer] = s.deps.Timers.Arm(s.m.ID, AbandonTimer, s.cfg.AbandonAfter, func(ticket uint64) {
		s.expire(AbandonTimer, ticket)
	})
}

func (s *Session) cancelTimersLocked() {
	s.deps.Timers.CancelAll(s.m.ID)
	clear(s.tickets)
}

// expire force-completes the match. The side on move loses. A callback whose
// ticket was superseded, or that arrives after the match ended, is a no-op.
func (s *Session) expire(kind TimerKind, ticket uint64) {
	s.mu.Lock()
	var ended *domain.Match
	if s.tickets[kind] == ticket && !s.released && s.m.Status == domain.StatusInProgress {
		loser := s.m.SideToMove()
		status, reason := domain.StatusAbandoned, domain.ReasonAbandoned
		if kind == ClockTimer {
			status, reason = domain.StatusTimedOut, domain.ReasonTimeout
		}
		s.log.Info("timer_expired", zap.String("kind", string(kind)), zap.String("loser", string(loser)))
		ended = s.finishLocked(context.Background(), status, domain.ResultFor(loser.Opponent()), reason)
	} else {
		s.log.Debug("timer_stale", zap.String("kind", string(kind)), zap.Uint64("ticket", ticket))
	}
	s.mu.Unlock()
	s.notifyEnd(ended)
}

// finishLocked moves the match to a terminal state. The in-memory outcome is
// final even when the durable update fails.
func (s *Session) finishLocked(ctx context.Context, status domain.Status, result domain.Result, reason string) *domain.Match {
	s.cancelTimersLocked()
	s.m.Status = status
	s.m.Result = result
	s.m.Reason = reason
	s.m.EndedAt = s.cfg.Now()

	if err := s.deps.Store.UpdateStatus(ctx, s.m.ID, status, result, reason); err != nil {
		s.log.Error("match_status_persist_failed", zap.String("status", string(status)), zap.Error(err))
	}
	s.deps.Store.DropRoute(ctx, s.m.ID)
	s.log.Info("match_ended", zap.String("status", string(status)), zap.String("result", string(result)), zap.String("reason", reason))
	s.deps.Hub.Broadcast(s.m.ID, protocol.MatchEnded(s.m))
	return s.m.Clone()
}

func (s *Session) notifyEnd(m *domain.Match) {
	if m != nil && s.deps.OnEnd != nil {
		s.deps.OnEnd(m)
	}
}
