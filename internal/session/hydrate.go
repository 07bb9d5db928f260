package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/rules"
)

// Hydrate rebuilds a live session from a durable record. The position is
// reconstructed by replaying the recorded moves, never taken from the
// record. Timers are not armed; call Resume once the session is reachable.
func Hydrate(rec *domain.Match, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.normalized()
	m := rec.Clone()
	if m.InitialPosition == "" {
		m.InitialPosition = deps.Rules.Initial()
	}
	if err := seedFromHistory(deps.Rules, m); err != nil {
		return nil, err
	}
	s := newSession(m, cfg, deps)
	if rec.Position != "" && rec.Position != m.Position {
		s.log.Warn("hydrate_position_mismatch", zap.String("stored", rec.Position), zap.String("replayed", m.Position))
	}
	return s, nil
}

// seedFromHistory replays the move list from the initial position. Consumed
// time is attributed by move index parity from game start: even indexes to
// participant A, odd indexes to participant B.
func seedFromHistory(engine rules.Engine, m *domain.Match) error {
	pos := m.InitialPosition
	line := rules.Line{Initial: m.InitialPosition}
	var consumed [2]time.Duration
	moves := make([]domain.Move, 0, len(m.Moves))
	for i, mv := range m.Moves {
		next := rules.Move{From: mv.From, To: mv.To, Promotion: mv.Promotion}
		applied, err := engine.Apply(line, next)
		if err != nil {
			return fmt.Errorf("replay move %d of %s: %w", i+1, m.ID, err)
		}
		mv.Seq = i + 1
		mv.Before = pos
		mv.After = applied.Position
		if mv.SAN == "" {
			mv.SAN = applied.SAN
		}
		consumed[i%2] += mv.TimeTaken
		moves = append(moves, mv)
		line.Moves = append(line.Moves, next)
		pos = applied.Position
	}
	m.Moves = moves
	m.Position = pos
	m.ConsumedA, m.ConsumedB = consumed[0], consumed[1]
	switch {
	case len(moves) > 0 && !moves[len(moves)-1].At.IsZero():
		m.LastMoveAt = moves[len(moves)-1].At
	case !m.StartedAt.IsZero():
		m.LastMoveAt = m.StartedAt
	}
	return nil
}
