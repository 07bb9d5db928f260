package rules

import (
	"errors"
	"strings"

	"github.com/park285/chess-match-server/internal/domain"
)

var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrInvalidPosition = errors.New("invalid position")
)

// Move is a candidate move as proposed by a participant.
type Move struct {
	From      string
	To        string
	Promotion string
}

func (m Move) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From + m.To + m.Promotion))
}

// Line is a game as the engine replays it: the starting position and the
// moves played from it, oldest first. Repetition draws depend on the whole
// line, not only on the current position.
type Line struct {
	Initial string
	Moves   []Move
}

// Applied is the outcome of an accepted move.
type Applied struct {
	Position string
	SAN      string
}

type State int

const (
	Ongoing State = iota
	Checkmate
	Stalemate
	Draw
	Repetition
)

func (s State) String() string {
	switch s {
	case Checkmate:
		return domain.ReasonCheckmate
	case Stalemate:
		return domain.ReasonStalemate
	case Draw:
		return domain.ReasonDraw
	case Repetition:
		return domain.ReasonRepetition
	default:
		return "ongoing"
	}
}

// Classification describes whether a position ends the game. Winner is set
// only for Checkmate.
type Classification struct {
	State  State
	Winner domain.Side
}

func (c Classification) Terminal() bool { return c.State != Ongoing }

// Result maps a terminal classification onto a match result.
func (c Classification) Result() domain.Result {
	switch c.State {
	case Checkmate:
		return domain.ResultFor(c.Winner)
	case Stalemate, Draw, Repetition:
		return domain.ResultDraw
	}
	return domain.ResultNone
}

// Engine is the narrow capability the session layer needs from a chess
// implementation. Positions are opaque strings passed through unchanged.
type Engine interface {
	Initial() string
	// Apply plays mv after the line and returns the resulting position.
	Apply(line Line, mv Move) (Applied, error)
	Classify(line Line) (Classification, error)
	LegalDestinations(position, square string) ([]string, error)
}
