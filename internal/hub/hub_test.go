package hub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/park285/chess-match-server/internal/hub"
	"github.com/park285/chess-match-server/internal/hub/hubtest"
)

func TestBroadcastReachesEveryConnectionOfMatch(t *testing.T) {
	r := hub.New(nil)
	a := hubtest.NewRecorder("c1")
	b := hubtest.NewRecorder("c2")
	other := hubtest.NewRecorder("c3")
	r.Register("m1", "u1", a)
	r.Register("m1", "u2", b)
	r.Register("m2", "u3", other)

	n := r.Broadcast("m1", "hello")
	assert.Equal(t, 2, n)
	assert.Equal(t, []any{"hello"}, a.Messages())
	assert.Equal(t, []any{"hello"}, b.Messages())
	assert.Zero(t, other.Len())
}

func TestBroadcastWithoutConnectionsIsNoop(t *testing.T) {
	r := hub.New(nil)
	assert.Equal(t, 0, r.Broadcast("nobody", "x"))
}

func TestBroadcastSkipsFailingConnection(t *testing.T) {
	r := hub.New(nil)
	a := hubtest.NewRecorder("c1")
	b := hubtest.NewRecorder("c2")
	b.Close()
	r.Register("m1", "u1", a)
	r.Register("m1", "u2", b)

	assert.Equal(t, 1, r.Broadcast("m1", "x"))
	assert.Equal(t, 1, a.Len())
}

func TestUnregisterClearsReverseMapping(t *testing.T) {
	r := hub.New(nil)
	a := hubtest.NewRecorder("c1")
	r.Register("m1", "u1", a)

	id, ok := r.MatchOf("u1")
	assert.True(t, ok)
	assert.Equal(t, "m1", id)

	matchID, participantID, ok := r.Unregister(a)
	assert.True(t, ok)
	assert.Equal(t, "m1", matchID)
	assert.Equal(t, "u1", participantID)

	_, ok = r.MatchOf("u1")
	assert.False(t, ok)
	assert.Zero(t, r.Connections("m1"))

	_, _, ok = r.Unregister(a)
	assert.False(t, ok)
}

func TestReconnectReplacesParticipantConnection(t *testing.T) {
	r := hub.New(nil)
	old := hubtest.NewRecorder("c1")
	fresh := hubtest.NewRecorder("c2")
	r.Register("m1", "u1", old)
	r.Register("m1", "u1", fresh)

	assert.Equal(t, 1, r.Connections("m1"))
	r.Broadcast("m1", "x")
	assert.Zero(t, old.Len())
	assert.Equal(t, 1, fresh.Len())

	// the stale connection closing later must not evict the new one
	_, _, ok := r.Unregister(old)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Connections("m1"))
}

func TestRegisterMovesConnectionBetweenMatches(t *testing.T) {
	r := hub.New(nil)
	c := hubtest.NewRecorder("c1")
	r.Register("m1", "u1", c)
	r.Register("m2", "u1", c)

	assert.Zero(t, r.Connections("m1"))
	assert.Equal(t, 1, r.Connections("m2"))
	id, _ := r.MatchOf("u1")
	assert.Equal(t, "m2", id)
}

func TestDrop(t *testing.T) {
	r := hub.New(nil)
	r.Register("m1", "u1", hubtest.NewRecorder("c1"))
	r.Register("m1", "u2", hubtest.NewRecorder("c2"))
	r.Drop("m1")

	assert.Zero(t, r.Connections("m1"))
	_, ok := r.MatchOf("u2")
	assert.False(t, ok)
}
