package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// Kind tags every message on the wire.
type Kind string

// Client to server.
const (
	KindRequestPairing Kind = "request_pairing"
	KindMove           Kind = "move"
	KindReconnect      Kind = "reconnect"
	KindLeave          Kind = "leave"
)

// Server to client.
const (
	KindPairingAccepted   Kind = "pairing_accepted"
	KindMatchStarted      Kind = "match_started"
	KindMoveApplied       Kind = "move_applied"
	KindMatchEnded        Kind = "match_ended"
	KindMatchJoined       Kind = "match_joined"
	KindError             Kind = "error"
	KindMatchNotFound     Kind = "match_not_found"
	KindMatchAlreadyEnded Kind = "match_already_ended"
)

var ErrMalformed = errors.New("malformed message")

const maxMatchIDLen = 64

var squareRe = regexp.MustCompile(`^[a-h][1-8]$`)

// Envelope is the raw frame shape in both directions.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is one of RequestPairing, ProposeMove, Reconnect or Leave.
type Inbound interface {
	Kind() Kind
}

type RequestPairing struct{}

type ProposeMove struct {
	MatchID string
	Move    rules.Move
}

type Reconnect struct {
	MatchID string
}

type Leave struct {
	MatchID string
}

func (RequestPairing) Kind() Kind { return KindRequestPairing }
func (ProposeMove) Kind() Kind    { return KindMove }
func (Reconnect) Kind() Kind      { return KindReconnect }
func (Leave) Kind() Kind          { return KindLeave }

// Decode parses and validates a client frame. Every error wraps ErrMalformed.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case KindRequestPairing:
		return RequestPairing{}, nil
	case KindMove:
		var p matchdto.MovePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return validateMove(p)
	case KindReconnect:
		id, err := decodeRef(env.Payload)
		if err != nil {
			return nil, err
		}
		return Reconnect{MatchID: id}, nil
	case KindLeave:
		id, err := decodeRef(env.Payload)
		if err != nil {
			return nil, err
		}
		return Leave{MatchID: id}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func decodeRef(raw json.RawMessage) (string, error) {
	var ref matchdto.MatchRef
	if err := decodePayload(raw, &ref); err != nil {
		return "", err
	}
	return validMatchID(ref.MatchID)
}

func validMatchID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: missing matchId", ErrMalformed)
	}
	if len(id) > maxMatchIDLen {
		return "", fmt.Errorf("%w: matchId too long", ErrMalformed)
	}
	return id, nil
}

func validateMove(p matchdto.MovePayload) (ProposeMove, error) {
	id, err := validMatchID(p.MatchID)
	if err != nil {
		return ProposeMove{}, err
	}
	from := strings.ToLower(strings.TrimSpace(p.From))
	to := strings.ToLower(strings.TrimSpace(p.To))
	if !squareRe.MatchString(from) || !squareRe.MatchString(to) {
		return ProposeMove{}, fmt.Errorf("%w: bad square %q-%q", ErrMalformed, p.From, p.To)
	}
	if from == to {
		return ProposeMove{}, fmt.Errorf("%w: null move", ErrMalformed)
	}
	promo := strings.ToLower(strings.TrimSpace(p.Promotion))
	switch promo {
	case "", "q", "r", "b", "n":
	default:
		return ProposeMove{}, fmt.Errorf("%w: bad promotion %q", ErrMalformed, p.Promotion)
	}
	return ProposeMove{MatchID: id, Move: rules.Move{From: from, To: to, Promotion: promo}}, nil
}
