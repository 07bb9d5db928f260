package matchdto

import "time"

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Move struct {
	MoveNumber int       `json:"moveNumber"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Promotion  string    `json:"promotion,omitempty"`
	SAN        string    `json:"san,omitempty"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	TimeTaken  int64     `json:"timeTaken"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Clock carries each side's consumed time in milliseconds.
type Clock struct {
	WhiteConsumed int64 `json:"player1TimeConsumed"`
	BlackConsumed int64 `json:"player2TimeConsumed"`
}

type PairingAccepted struct {
	MatchID string `json:"matchId"`
}

type MatchStarted struct {
	MatchID     string      `json:"matchId"`
	White       Participant `json:"whitePlayer"`
	Black       Participant `json:"blackPlayer"`
	Position    string      `json:"position"`
	TimeControl int64       `json:"timeControl"`
	StartedAt   time.Time   `json:"startedAt"`
}

type MoveApplied struct {
	MatchID   string `json:"matchId"`
	Move      Move   `json:"move"`
	MoveCount int    `json:"moveCount"`
	Position  string `json:"position"`
	Turn      string `json:"turn"`
	Clock     Clock  `json:"clock"`
}

// MatchEnded is also the payload of match_already_ended.
type MatchEnded struct {
	MatchID string      `json:"matchId"`
	Status  string      `json:"status"`
	Result  string      `json:"result"`
	Reason  string      `json:"reason,omitempty"`
	Winner  string      `json:"winner,omitempty"`
	White   Participant `json:"whitePlayer"`
	Black   Participant `json:"blackPlayer"`
	Moves   []Move      `json:"moves"`
}

type MatchJoined struct {
	MatchID     string      `json:"matchId"`
	Status      string      `json:"status"`
	White       Participant `json:"whitePlayer"`
	Black       Participant `json:"blackPlayer"`
	Moves       []Move      `json:"moves"`
	MoveCount   int         `json:"moveCount"`
	Position    string      `json:"position"`
	Turn        string      `json:"turn"`
	Clock       Clock       `json:"clock"`
	TimeControl int64       `json:"timeControl"`
}

type MatchNotFound struct {
	MatchID string `json:"matchId"`
}

// MovePayload is the inbound body of a move proposal.
type MovePayload struct {
	MatchID   string `json:"matchId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// MatchRef is the inbound body of reconnect and leave.
type MatchRef struct {
	MatchID string `json:"matchId"`
}

// MatchRecord is the durable view served by the ops API.
type MatchRecord struct {
	MatchID   string      `json:"matchId"`
	Status    string      `json:"status"`
	Result    string      `json:"result,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	White     Participant `json:"whitePlayer"`
	Black     Participant `json:"blackPlayer"`
	Position  string      `json:"position"`
	Moves     []Move      `json:"moves"`
	MoveCount int         `json:"moveCount"`
	Clock     Clock       `json:"clock"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`
}

// Health is the body of the ops health check.
type Health struct {
	Status string            `json:"status"`
	Live   int               `json:"live"`
	Checks map[string]string `json:"checks"`
}
