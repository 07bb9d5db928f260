package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/park285/chess-match-server/internal/domain"
)

// Memory is an in-process Store used when no database is configured and in tests.
type Memory struct {
	mu sync.RWMutex

	matches      map[string]*domain.Match
	participants map[string]domain.Participant
}

func NewMemory() *Memory {
	return &Memory{
		matches:      make(map[string]*domain.Match),
		participants: make(map[string]domain.Participant),
	}
}

func (m *Memory) CreateMatch(ctx context.Context, nm NewMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.matches[nm.ID]; ok {
		if cur.A.ID == nm.A.ID && cur.B.ID == nm.B.ID {
			return nil
		}
		return ErrDuplicate
	}
	m.matches[nm.ID] = &domain.Match{
		ID:              nm.ID,
		A:               domain.Participant{ID: nm.A.ID},
		B:               domain.Participant{ID: nm.B.ID},
		InitialPosition: nm.InitialPosition,
		Position:        nm.InitialPosition,
		Status:          domain.StatusInProgress,
		CreatedAt:       nm.StartedAt,
		StartedAt:       nm.StartedAt,
		LastMoveAt:      nm.StartedAt,
	}
	return nil
}

func (m *Memory) RecordMove(ctx context.Context, matchID string, mv domain.Move) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range cur.Moves {
		if existing.Seq != mv.Seq {
			continue
		}
		if existing.From != mv.From || existing.To != mv.To || existing.Promotion != mv.Promotion {
			return fmt.Errorf("%w: move %d is %s%s%s", ErrMoveConflict, mv.Seq, existing.From, existing.To, existing.Promotion)
		}
		return nil
	}
	cur.Position = mv.After
	cur.LastMoveAt = mv.At
	cur.Moves = append(cur.Moves, mv)
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, matchID string, status domain.Status, result domain.Result, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		if cur.Status == status && cur.Result == result {
			return nil
		}
		return ErrTerminal
	}
	cur.Status = status
	cur.Result = result
	cur.Reason = reason
	if status.Terminal() && cur.EndedAt.IsZero() {
		cur.EndedAt = time.Now()
	}
	return nil
}

func (m *Memory) LoadMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cur.Clone()
	if p, ok := m.participants[out.A.ID]; ok {
		out.A = p
	}
	if p, ok := m.participants[out.B.ID]; ok {
		out.B = p
	}
	return out, nil
}

func (m *Memory) UpsertParticipant(ctx context.Context, p domain.Participant) error {
	m.mu.Lock()
	m.participants[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
