package domain

import (
	"strings"
	"time"
)

// Side identifies a chess colour. Participant A always plays White.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// SideToMove derives the side on move from the number of accepted moves.
func SideToMove(moveCount int) Side {
	if moveCount%2 == 0 {
		return SideWhite
	}
	return SideBlack
}

// Status is the lifecycle state of a Match.
type Status string

const (
	StatusAwaitingOpponent Status = "AWAITING_OPPONENT"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusCompleted        Status = "COMPLETED"
	StatusAbandoned        Status = "ABANDONED"
	StatusTimedOut         Status = "TIMED_OUT"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusTimedOut:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingOpponent, StatusInProgress, StatusCompleted, StatusAbandoned, StatusTimedOut:
		return true
	}
	return false
}

// Result is stated from participant A's point of view.
type Result string

const (
	ResultNone Result = ""
	ResultWin  Result = "WIN"
	ResultLoss Result = "LOSS"
	ResultDraw Result = "DRAW"
)

// ResultFor converts a winning side into a Result.
func ResultFor(winner Side) Result {
	if winner == SideWhite {
		return ResultWin
	}
	return ResultLoss
}

// Winner reports the winning side; ok is false for draws and unset results.
func (r Result) Winner() (Side, bool) {
	switch r {
	case ResultWin:
		return SideWhite, true
	case ResultLoss:
		return SideBlack, true
	}
	return "", false
}

// End reasons recorded next to the terminal status.
const (
	ReasonCheckmate  = "checkmate"
	ReasonStalemate  = "stalemate"
	ReasonDraw       = "draw"
	ReasonRepetition = "repetition"
	ReasonAbandoned  = "abandoned"
	ReasonTimeout    = "timeout"
)

type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Guest bool   `json:"guest"`
}

func (p Participant) Empty() bool { return strings.TrimSpace(p.ID) == "" }

// Move is one accepted half-move. Seq starts at 1.
type Move struct {
	Seq       int           `json:"seq"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Promotion string        `json:"promotion,omitempty"`
	SAN       string        `json:"san,omitempty"`
	Before    string        `json:"before"`
	After     string        `json:"after"`
	TimeTaken time.Duration `json:"time_taken"`
	At        time.Time     `json:"at"`
}

// UCI returns the move in long algebraic form, e.g. e7e8q.
func (m Move) UCI() string { return m.From + m.To + m.Promotion }

// Side returns the colour that played the move, by sequence parity.
func (m Move) Side() Side { return SideToMove(m.Seq - 1) }

// Match is the in-memory and durable shape of one game.
type Match struct {
	ID              string        `json:"id"`
	A               Participant   `json:"a"`
	B               Participant   `json:"b"`
	InitialPosition string        `json:"initial_position"`
	Position        string        `json:"position"`
	Moves           []Move        `json:"moves"`
	Status          Status        `json:"status"`
	Result          Result        `json:"result,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	ConsumedA       time.Duration `json:"consumed_a"`
	ConsumedB       time.Duration `json:"consumed_b"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       time.Time     `json:"started_at"`
	LastMoveAt      time.Time     `json:"last_move_at"`
	EndedAt         time.Time     `json:"ended_at"`
}

func (m *Match) MoveCount() int { return len(m.Moves) }

func (m *Match) SideToMove() Side { return SideToMove(len(m.Moves)) }

// SideOf reports which side the participant plays in this match.
func (m *Match) SideOf(participantID string) (Side, bool) {
	switch {
	case participantID == "":
		return "", false
	case m.A.ID == participantID:
		return SideWhite, true
	case m.B.ID == participantID:
		return SideBlack, true
	}
	return "", false
}

func (m *Match) ParticipantFor(side Side) Participant {
	if side == SideWhite {
		return m.A
	}
	return m.B
}

// Consumed returns the stored accumulated time of a side.
func (m *Match) Consumed(side Side) time.Duration {
	if side == SideWhite {
		return m.ConsumedA
	}
	return m.ConsumedB
}

func (m *Match) AddConsumed(side Side, d time.Duration) {
	if side == SideWhite {
		m.ConsumedA += d
		return
	}
	m.ConsumedB += d
}

func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Moves = append([]Move(nil), m.Moves...)
	return &cp
}
