package rules

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-match-server/internal/domain"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Standard implements Engine with corentings/chess. Positions are FEN strings.
type Standard struct{}

func NewStandard() *Standard { return &Standard{} }

func (*Standard) Initial() string { return StartFEN }

func (*Standard) Apply(line Line, mv Move) (Applied, error) {
	game, err := replay(line)
	if err != nil {
		return Applied{}, err
	}
	if game.Outcome() != nchess.NoOutcome || repeated(game) {
		return Applied{}, fmt.Errorf("%w: position is terminal", ErrIllegalMove)
	}
	uci := mv.UCI()
	pos := game.Position()
	move, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	if err := game.Move(move, nil); err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	return Applied{
		Position: game.FEN(),
		SAN:      nchess.AlgebraicNotation{}.Encode(pos, move),
	}, nil
}

// Classify ends the game on checkmate, stalemate, the library's automatic
// draws, and as soon as a threefold repetition becomes claimable.
func (*Standard) Classify(line Line) (Classification, error) {
	game, err := replay(line)
	if err != nil {
		return Classification{}, err
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		return Classification{State: Checkmate, Winner: domain.SideWhite}, nil
	case nchess.BlackWon:
		return Classification{State: Checkmate, Winner: domain.SideBlack}, nil
	case nchess.Draw:
		switch game.Method() {
		case nchess.Stalemate:
			return Classification{State: Stalemate}, nil
		case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
			return Classification{State: Repetition}, nil
		}
		return Classification{State: Draw}, nil
	}
	if repeated(game) {
		return Classification{State: Repetition}, nil
	}
	return Classification{State: Ongoing}, nil
}

// LegalDestinations lists the squares the piece on square may legally reach,
// sorted and de-duplicated (promotion variants collapse to one square).
func (*Standard) LegalDestinations(position, square string) ([]string, error) {
	game, err := load(position)
	if err != nil {
		return nil, err
	}
	from := strings.ToLower(strings.TrimSpace(square))
	seen := make(map[string]struct{})
	for _, mv := range game.ValidMoves() {
		if mv.S1().String() != from {
			continue
		}
		seen[mv.S2().String()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sq := range seen {
		out = append(out, sq)
	}
	sort.Strings(out)
	return out, nil
}

// replay rebuilds the game move by move so the library sees the full
// repetition history.
func replay(line Line) (*nchess.Game, error) {
	game, err := load(line.Initial)
	if err != nil {
		return nil, err
	}
	for i, mv := range line.Moves {
		move, err := nchess.UCINotation{}.Decode(game.Position(), mv.UCI())
		if err != nil {
			return nil, fmt.Errorf("%w: move %d %s", ErrInvalidPosition, i+1, mv.UCI())
		}
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("%w: move %d %s", ErrInvalidPosition, i+1, mv.UCI())
		}
	}
	return game, nil
}

func repeated(game *nchess.Game) bool {
	return slices.Contains(game.EligibleDraws(), nchess.ThreefoldRepetition)
}

func load(position string) (*nchess.Game, error) {
	if strings.TrimSpace(position) == "" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(position)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}
