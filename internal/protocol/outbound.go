package protocol

import (
	"time"

	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// Message is a server to client frame. It marshals to {"type":..,"payload":..}.
type Message struct {
	Type    Kind `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// Code classifies an error message.
type Code string

const (
	CodeMalformed      Code = "malformed"
	CodeNotYourTurn    Code = "not_your_turn"
	CodeIllegalMove    Code = "illegal_move"
	CodeGameOver       Code = "game_over"
	CodeSelfMatch      Code = "self_match"
	CodeNotParticipant Code = "not_participant"
	CodeNotStarted     Code = "not_started"
	CodeTransient      Code = "transient"
	CodeInternal       Code = "internal"
)

func (c Code) Retryable() bool { return c == CodeTransient }

// Reasons renders the human-readable text of an error code.
type Reasons interface {
	Reason(code string) string
}

func Error(reasons Reasons, code Code) Message {
	msg := string(code)
	if reasons != nil {
		if r := reasons.Reason(string(code)); r != "" {
			msg = r
		}
	}
	return Message{Type: KindError, Payload: matchdto.DomainError{
		Code:      string(code),
		Message:   msg,
		Retryable: code.Retryable(),
	}}
}

func PairingAccepted(matchID string) Message {
	return Message{Type: KindPairingAccepted, Payload: matchdto.PairingAccepted{MatchID: matchID}}
}

func MatchStarted(m *domain.Match, timeControl time.Duration) Message {
	return Message{Type: KindMatchStarted, Payload: matchdto.MatchStarted{
		MatchID:     m.ID,
		White:       participant(m.A),
		Black:       participant(m.B),
		Position:    m.Position,
		TimeControl: timeControl.Milliseconds(),
		StartedAt:   m.StartedAt,
	}}
}

func MoveApplied(m *domain.Match, mv domain.Move, consumedA, consumedB time.Duration) Message {
	return Message{Type: KindMoveApplied, Payload: matchdto.MoveApplied{
		MatchID:   m.ID,
		Move:      move(mv),
		MoveCount: m.MoveCount(),
		Position:  m.Position,
		Turn:      string(m.SideToMove()),
		Clock:     clock(consumedA, consumedB),
	}}
}

func MatchEnded(m *domain.Match) Message {
	return Message{Type: KindMatchEnded, Payload: ended(m)}
}

func MatchAlreadyEnded(m *domain.Match) Message {
	return Message{Type: KindMatchAlreadyEnded, Payload: ended(m)}
}

func MatchJoined(m *domain.Match, consumedA, consumedB, timeControl time.Duration) Message {
	return Message{Type: KindMatchJoined, Payload: matchdto.MatchJoined{
		MatchID:     m.ID,
		Status:      string(m.Status),
		White:       participant(m.A),
		Black:       participant(m.B),
		Moves:       moves(m.Moves),
		MoveCount:   m.MoveCount(),
		Position:    m.Position,
		Turn:        string(m.SideToMove()),
		Clock:       clock(consumedA, consumedB),
		TimeControl: timeControl.Milliseconds(),
	}}
}

func MatchNotFound(matchID string) Message {
	return Message{Type: KindMatchNotFound, Payload: matchdto.MatchNotFound{MatchID: matchID}}
}

func ended(m *domain.Match) matchdto.MatchEnded {
	out := matchdto.MatchEnded{
		MatchID: m.ID,
		Status:  string(m.Status),
		Result:  string(m.Result),
		Reason:  m.Reason,
		White:   participant(m.A),
		Black:   participant(m.B),
		Moves:   moves(m.Moves),
	}
	if side, ok := m.Result.Winner(); ok {
		out.Winner = string(side)
	}
	return out
}

func participant(p domain.Participant) matchdto.Participant {
	return matchdto.Participant{ID: p.ID, Name: p.Name}
}

func clock(a, b time.Duration) matchdto.Clock {
	return matchdto.Clock{WhiteConsumed: a.Milliseconds(), BlackConsumed: b.Milliseconds()}
}

func move(mv domain.Move) matchdto.Move {
	return matchdto.Move{
		MoveNumber: mv.Seq,
		From:       mv.From,
		To:         mv.To,
		Promotion:  mv.Promotion,
		SAN:        mv.SAN,
		Before:     mv.Before,
		After:      mv.After,
		TimeTaken:  mv.TimeTaken.Milliseconds(),
		CreatedAt:  mv.At,
	}
}

func moves(in []domain.Move) []matchdto.Move {
	out := make([]matchdto.Move, 0, len(in))
	for _, mv := range in {
		out = append(out, move(mv))
	}
	return out
}

// Record renders a durable match for the ops API. The clock is summed from
// the move list by parity, as hydration does.
func Record(m *domain.Match) matchdto.MatchRecord {
	var consumed [2]time.Duration
	for i, mv := range m.Moves {
		consumed[i%2] += mv.TimeTaken
	}
	out := matchdto.MatchRecord{
		MatchID:   m.ID,
		Status:    string(m.Status),
		Result:    string(m.Result),
		Reason:    m.Reason,
		White:     participant(m.A),
		Black:     participant(m.B),
		Position:  m.Position,
		Moves:     moves(m.Moves),
		MoveCount: m.MoveCount(),
		Clock:     clock(consumed[0], consumed[1]),
		StartedAt: m.StartedAt,
	}
	if !m.EndedAt.IsZero() {
		t := m.EndedAt
		out.EndedAt = &t
	}
	return out
}
