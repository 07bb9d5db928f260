package store

import (
	"context"
	"errors"
	"time"

	"github.com/park285/chess-match-server/internal/domain"
)

var (
	ErrNotFound  = errors.New("match not found")
	ErrDuplicate = errors.New("match already exists")
	// ErrTerminal is returned when a different terminal status was already recorded.
	ErrTerminal = errors.New("match already terminal")
	// ErrMoveConflict is returned when a sequence number is already taken by a
	// different move.
	ErrMoveConflict = errors.New("move number already recorded")
)

// NewMatch is the payload of CreateMatch.
type NewMatch struct {
	ID              string
	A               domain.Participant
	B               domain.Participant
	StartedAt       time.Time
	InitialPosition string
}

// Store is the durable half of the persistence gateway.
type Store interface {
	// CreateMatch is called once per match, when both participants are known.
	CreateMatch(ctx context.Context, m NewMatch) error
	// RecordMove appends the move and moves the current position to mv.After
	// as one atomic unit. Replaying the same move is a no-op. A different move
	// under a recorded sequence number fails with ErrMoveConflict.
	RecordMove(ctx context.Context, matchID string, mv domain.Move) error
	// UpdateStatus is idempotent for an identical terminal status and result.
	UpdateStatus(ctx context.Context, matchID string, status domain.Status, result domain.Result, reason string) error
	LoadMatch(ctx context.Context, matchID string) (*domain.Match, error)
	UpsertParticipant(ctx context.Context, p domain.Participant) error
	Ping(ctx context.Context) error
	Close() error
}
