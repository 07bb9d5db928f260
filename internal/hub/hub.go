package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Sender is a live connection. Send must not block; implementations queue
// the message and drop the connection if they cannot keep up.
type Sender interface {
	ID() string
	Send(msg any) error
}

type member struct {
	participantID string
	conn          Sender
}

// Registry is the ConnectionRegistry and BroadcastHub: it routes a match
// identifier to the live connections of its participants.
type Registry struct {
	mu            sync.RWMutex
	rooms         map[string]map[string]member // matchID -> connID -> member
	byConn        map[string]string            // connID -> matchID
	byParticipant map[string]string            // participantID -> matchID
	log           *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:         make(map[string]map[string]member),
		byConn:        make(map[string]string),
		byParticipant: make(map[string]string),
		log:           logger,
	}
}

// Register adds conn to the fan-out set of matchID. A connection belongs to
// at most one match, and a participant keeps at most one connection per match.
func (r *Registry) Register(matchID, participantID string, conn Sender) {
	if conn == nil || matchID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[conn.ID()]; ok && prev != matchID {
		r.removeLocked(prev, conn.ID())
	}
	room := r.rooms[matchID]
	if room == nil {
		room = make(map[string]member)
		r.rooms[matchID] = room
	}
	for id, m := range room {
		if m.participantID == participantID && id != conn.ID() {
			delete(room, id)
			delete(r.byConn, id)
		}
	}
	room[conn.ID()] = member{participantID: participantID, conn: conn}
	r.byConn[conn.ID()] = matchID
	if participantID != "" {
		r.byParticipant[participantID] = matchID
	}
}

// Unregister removes conn from whatever match it belongs to. It returns the
// match identifier and participant the connection was registered under.
func (r *Registry) Unregister(conn Sender) (matchID, participantID string, ok bool) {
	if conn == nil {
		return "", "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	matchID, ok = r.byConn[conn.ID()]
	if !ok {
		return "", "", false
	}
	participantID = r.rooms[matchID][conn.ID()].participantID
	r.removeLocked(matchID, conn.ID())
	return matchID, participantID, true
}

func (r *Registry) removeLocked(matchID, connID string) {
	room := r.rooms[matchID]
	m, ok := room[connID]
	delete(r.byConn, connID)
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, matchID)
	}
	if m.participantID != "" && r.byParticipant[m.participantID] == matchID {
		delete(r.byParticipant, m.participantID)
	}
}

// Broadcast delivers msg to every connection registered for matchID and
// returns how many accepted it. No connections is a silent no-op.
func (r *Registry) Broadcast(matchID string, msg any) int {
	r.mu.RLock()
	room := r.rooms[matchID]
	targets := make([]member, 0, len(room))
	for _, m := range room {
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if err := m.conn.Send(msg); err != nil {
			r.log.Debug("broadcast_drop",
				zap.String("match_id", matchID),
				zap.String("conn_id", m.conn.ID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Drop forgets every connection of matchID.
func (r *Registry) Drop(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.rooms[matchID] {
		r.removeLocked(matchID, connID)
	}
}

// MatchOf returns the match a participant is currently routed to.
func (r *Registry) MatchOf(participantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byParticipant[participantID]
	return id, ok
}

func (r *Registry) Connections(matchID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[matchID])
}
