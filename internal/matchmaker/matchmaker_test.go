package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/chess-match-server/internal/cache"
	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/hub"
	"github.com/park285/chess-match-server/internal/hub/hubtest"
	"github.com/park285/chess-match-server/internal/persist"
	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/internal/session"
	"github.com/park285/chess-match-server/internal/store"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// brokenCreate fails CreateMatch while fail is set.
type brokenCreate struct {
	*store.Memory
	fail atomic.Bool
}

func (b *brokenCreate) CreateMatch(ctx context.Context, nm store.NewMatch) error {
	if b.fail.Load() {
		return errors.New("db down")
	}
	return b.Memory.CreateMatch(ctx, nm)
}

type fixture struct {
	mr  *miniredis.Miniredis
	st  *brokenCreate
	gw  *persist.Gateway
	hub *hub.Registry
	cfg session.Config
	ids atomic.Int64
}

func newFixture(t *testing.T, cfg session.Config) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb, err := cache.Dial(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	require.NoError(t, err)
	c := cache.NewRedis(rdb, "")
	t.Cleanup(func() { _ = c.Close() })

	st := &brokenCreate{Memory: store.NewMemory()}
	return &fixture{
		mr:  mr,
		st:  st,
		gw:  persist.New(st, c, persist.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, time.Hour, nil),
		hub: hub.New(nil),
		cfg: cfg,
	}
}

func (f *fixture) matchmaker(t *testing.T) *Matchmaker {
	t.Helper()
	mm := New(Options{
		Rules:   rules.NewStandard(),
		Gateway: f.gw,
		Hub:     f.hub,
		Session: f.cfg,
		NewID:   func() string { return fmt.Sprintf("m%d", f.ids.Add(1)) },
	})
	t.Cleanup(mm.Shutdown)
	return mm
}

var (
	alice = domain.Participant{ID: "u1", Name: "alice"}
	bob   = domain.Participant{ID: "u2", Name: "bob"}
	carol = domain.Participant{ID: "u3", Name: "carol"}
)

func lastMsg(t *testing.T, r *hubtest.Recorder) protocol.Message {
	t.Helper()
	require.NotZero(t, r.Len(), "no message on %s", r.ID())
	return r.Last().(protocol.Message)
}

func errorCode(t *testing.T, r *hubtest.Recorder) string {
	t.Helper()
	msg := lastMsg(t, r)
	require.Equal(t, protocol.KindError, msg.Type)
	return msg.Payload.(matchdto.DomainError).Code
}

// pair opens m1 with alice and pairs bob into it.
func pair(t *testing.T, mm *Matchmaker) (a, b *hubtest.Recorder) {
	t.Helper()
	ctx := context.Background()
	a, b = hubtest.NewRecorder("ca"), hubtest.NewRecorder("cb")
	require.NoError(t, mm.RequestMatch(ctx, alice, a))
	require.NoError(t, mm.RequestMatch(ctx, bob, b))
	return a, b
}

func TestPairingScenario(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := hubtest.NewRecorder("ca"), hubtest.NewRecorder("cb")

	require.NoError(t, mm.RequestMatch(ctx, alice, a))
	assert.Equal(t, protocol.KindPairingAccepted, lastMsg(t, a).Type)
	id, ok := mm.Pending()
	require.True(t, ok)
	assert.Equal(t, "m1", id)
	route, err := f.gw.LookupRoute(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingOpponent, route.Status)

	require.NoError(t, mm.RequestMatch(ctx, bob, b))
	for _, r := range []*hubtest.Recorder{a, b} {
		msg := lastMsg(t, r)
		require.Equal(t, protocol.KindMatchStarted, msg.Type)
		started := msg.Payload.(matchdto.MatchStarted)
		assert.Equal(t, "m1", started.MatchID)
		assert.Equal(t, "u1", started.White.ID)
		assert.Equal(t, "u2", started.Black.ID)
		assert.Equal(t, rules.StartFEN, started.Position)
	}
	_, ok = mm.Pending()
	assert.False(t, ok)

	rec, err := f.st.LoadMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, rec.Status)
	route, err = f.gw.LookupRoute(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "u2", route.B)
}

func TestSelfPairingIsRejectedToCallerOnly(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a1, a2 := hubtest.NewRecorder("ca1"), hubtest.NewRecorder("ca2")

	require.NoError(t, mm.RequestMatch(ctx, alice, a1))
	assert.ErrorIs(t, mm.RequestMatch(ctx, alice, a2), ErrSelfMatch)
	assert.Equal(t, "self_match", errorCode(t, a2))

	id, ok := mm.Pending()
	assert.True(t, ok)
	assert.Equal(t, "m1", id)
	assert.Equal(t, 1, mm.Live())
}

func TestThirdRequestOpensNewMatch(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	pair(t, mm)

	c := hubtest.NewRecorder("cc")
	require.NoError(t, mm.RequestMatch(context.Background(), carol, c))
	assert.Equal(t, protocol.KindPairingAccepted, lastMsg(t, c).Type)
	id, _ := mm.Pending()
	assert.Equal(t, "m2", id)
	assert.Equal(t, 2, mm.Live())
}

func TestMoveRoutingAndRejections(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := pair(t, mm)

	require.NoError(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e2", To: "e4"}))
	for _, r := range []*hubtest.Recorder{a, b} {
		msg := lastMsg(t, r)
		require.Equal(t, protocol.KindMoveApplied, msg.Type)
		assert.Equal(t, 1, msg.Payload.(matchdto.MoveApplied).MoveCount)
		assert.Equal(t, "black", msg.Payload.(matchdto.MoveApplied).Turn)
	}

	before := b.Len()
	assert.ErrorIs(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "d2", To: "d4"}), session.ErrNotYourTurn)
	assert.Equal(t, "not_your_turn", errorCode(t, a))
	assert.Equal(t, before, b.Len())

	assert.ErrorIs(t, mm.Move(ctx, bob, b, "m1", rules.Move{From: "e7", To: "e4"}), session.ErrIllegalMove)
	assert.Equal(t, "illegal_move", errorCode(t, b))

	assert.ErrorIs(t, mm.Move(ctx, bob, b, "nope", rules.Move{From: "e7", To: "e5"}), ErrMatchNotFound)
	assert.Equal(t, protocol.KindMatchNotFound, lastMsg(t, b).Type)

	route, err := f.gw.LookupRoute(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, route.MoveCount)
}

func TestDisconnectWhileWaitingDiscardsMatch(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a := hubtest.NewRecorder("ca")

	mm.Connect(ctx, alice)
	_, err := f.gw.LookupParticipant(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, mm.RequestMatch(ctx, alice, a))
	mm.Disconnect(ctx, alice, a)

	_, ok := mm.Pending()
	assert.False(t, ok)
	assert.Zero(t, mm.Live())
	_, err = f.gw.LookupRoute(ctx, "m1")
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = f.gw.LookupParticipant(ctx, "u1")
	assert.ErrorIs(t, err, cache.ErrMiss)

	// the next requester opens a fresh slot instead of joining the discarded one
	b := hubtest.NewRecorder("cb")
	require.NoError(t, mm.RequestMatch(ctx, bob, b))
	assert.Equal(t, protocol.KindPairingAccepted, lastMsg(t, b).Type)
}

func TestRejoinUnknownMatchCreatesNothing(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a := hubtest.NewRecorder("ca")

	assert.ErrorIs(t, mm.Rejoin(ctx, alice, a, "ghost"), ErrMatchNotFound)
	assert.Equal(t, protocol.KindMatchNotFound, lastMsg(t, a).Type)
	assert.Zero(t, mm.Live())
	_, err := f.st.LoadMatch(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRejoinHydratesFromDurableStore(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, _ := pair(t, mm)
	require.NoError(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e2", To: "e4"}))
	live := lastMsg(t, a).Payload.(matchdto.MoveApplied).Position

	// a fresh process shares only the durable store
	restarted := New(Options{Rules: rules.NewStandard(), Gateway: f.gw, Hub: hub.New(nil)})
	t.Cleanup(restarted.Shutdown)

	b := hubtest.NewRecorder("cb2")
	require.NoError(t, restarted.Rejoin(ctx, bob, b, "m1"))
	msg := lastMsg(t, b)
	require.Equal(t, protocol.KindMatchJoined, msg.Type)
	joined := msg.Payload.(matchdto.MatchJoined)
	assert.Equal(t, 1, joined.MoveCount)
	assert.Equal(t, live, joined.Position)
	assert.Equal(t, "black", joined.Turn)
	assert.Equal(t, string(domain.StatusInProgress), joined.Status)
	assert.Equal(t, 1, restarted.Live())

	require.NoError(t, restarted.Move(ctx, bob, b, "m1", rules.Move{From: "e7", To: "e5"}))
	assert.Equal(t, protocol.KindMoveApplied, lastMsg(t, b).Type)
}

func TestRejoinEndedMatchRepliesWithFinalRecord(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateMatch(ctx, store.NewMatch{ID: "done", A: alice, B: bob, StartedAt: time.Now(), InitialPosition: rules.StartFEN}))
	require.NoError(t, f.st.UpdateStatus(ctx, "done", domain.StatusCompleted, domain.ResultDraw, domain.ReasonStalemate))

	a := hubtest.NewRecorder("ca")
	require.NoError(t, mm.Rejoin(ctx, alice, a, "done"))
	msg := lastMsg(t, a)
	require.Equal(t, protocol.KindMatchAlreadyEnded, msg.Type)
	assert.Equal(t, "DRAW", msg.Payload.(matchdto.MatchEnded).Result)
	assert.Zero(t, mm.Live())
}

func TestRejoinByOutsiderIsRejected(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	pair(t, mm)

	c := hubtest.NewRecorder("cc")
	assert.ErrorIs(t, mm.Rejoin(context.Background(), carol, c, "m1"), session.ErrNotParticipant)
	assert.Equal(t, "not_participant", errorCode(t, c))
	assert.Equal(t, 2, f.hub.Connections("m1"))
}

func TestRejoinAwaitingMatchJoinsAsSecond(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := hubtest.NewRecorder("ca"), hubtest.NewRecorder("cb")
	require.NoError(t, mm.RequestMatch(ctx, alice, a))

	require.NoError(t, mm.Rejoin(ctx, bob, b, "m1"))
	assert.Equal(t, protocol.KindMatchStarted, lastMsg(t, a).Type)
	assert.Equal(t, protocol.KindMatchStarted, lastMsg(t, b).Type)
	_, ok := mm.Pending()
	assert.False(t, ok)
}

func TestLeaveKeepsDurableRecord(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, _ := pair(t, mm)

	require.NoError(t, mm.Leave(ctx, alice, a, "m1"))
	assert.Zero(t, mm.Live())
	_, err := f.gw.LookupRoute(ctx, "m1")
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = f.st.LoadMatch(ctx, "m1")
	assert.NoError(t, err)

	assert.ErrorIs(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e2", To: "e4"}), ErrMatchNotFound)
}

func TestAbandonmentRetiresMatch(t *testing.T) {
	f := newFixture(t, session.Config{AbandonAfter: 30 * time.Millisecond})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := pair(t, mm)

	require.NoError(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e2", To: "e4"}))
	mm.Disconnect(ctx, bob, b)

	require.Eventually(t, func() bool { return mm.Live() == 0 }, 2*time.Second, 5*time.Millisecond)
	rec, err := f.st.LoadMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, rec.Status)
	assert.Equal(t, domain.ResultWin, rec.Result)

	msg := lastMsg(t, a)
	require.Equal(t, protocol.KindMatchEnded, msg.Type)
	assert.Equal(t, "white", msg.Payload.(matchdto.MatchEnded).Winner)
	assert.ErrorIs(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "d2", To: "d4"}), session.ErrGameOver)
	assert.Equal(t, "game_over", errorCode(t, a))
}

func TestMoveAfterCheckmateReportsGameOver(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := pair(t, mm)

	for i, mv := range []rules.Move{
		{From: "f2", To: "f3"}, {From: "e7", To: "e5"},
		{From: "g2", To: "g4"}, {From: "d8", To: "h4"},
	} {
		p, conn := alice, a
		if i%2 == 1 {
			p, conn = bob, b
		}
		require.NoError(t, mm.Move(ctx, p, conn, "m1", mv))
	}
	require.Equal(t, protocol.KindMatchEnded, lastMsg(t, a).Type)
	assert.Zero(t, mm.Live())

	before := b.Len()
	assert.ErrorIs(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e1", To: "f2"}), session.ErrGameOver)
	assert.Equal(t, "game_over", errorCode(t, a))
	assert.Equal(t, before, b.Len())

	rec, err := f.st.LoadMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Len(t, rec.Moves, 4)
}

func TestRequestWhilePlayingReattachesToActiveMatch(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, _ := pair(t, mm)

	b2 := hubtest.NewRecorder("cb2")
	require.NoError(t, mm.RequestMatch(ctx, bob, b2))
	msg := lastMsg(t, b2)
	require.Equal(t, protocol.KindMatchJoined, msg.Type)
	assert.Equal(t, "m1", msg.Payload.(matchdto.MatchJoined).MatchID)

	_, ok := mm.Pending()
	assert.False(t, ok)
	assert.Equal(t, 1, mm.Live())
	assert.Equal(t, 2, f.hub.Connections("m1"))
	id, ok := f.hub.MatchOf("u2")
	require.True(t, ok)
	assert.Equal(t, "m1", id)

	require.NoError(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e2", To: "e4"}))
	assert.Equal(t, protocol.KindMoveApplied, lastMsg(t, b2).Type)
}

func TestJoiningAnotherMatchWhilePlayingKeepsRoute(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := pair(t, mm)
	c := hubtest.NewRecorder("cc")
	require.NoError(t, mm.RequestMatch(ctx, carol, c))

	assert.ErrorIs(t, mm.Rejoin(ctx, bob, b, "m2"), ErrAlreadySeated)
	assert.Equal(t, "not_participant", errorCode(t, b))
	id, ok := mm.Pending()
	assert.True(t, ok)
	assert.Equal(t, "m2", id)
	assert.Equal(t, 2, f.hub.Connections("m1"))
	assert.Equal(t, 1, f.hub.Connections("m2"))

	require.NoError(t, mm.Move(ctx, alice, a, "m1", rules.Move{From: "e2", To: "e4"}))
	assert.Equal(t, protocol.KindMoveApplied, lastMsg(t, b).Type)
}

func TestSeatIsFreedWhenMatchEnds(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, _ := pair(t, mm)
	require.NoError(t, mm.Leave(ctx, alice, a, "m1"))

	require.NoError(t, mm.RequestMatch(ctx, alice, a))
	assert.Equal(t, protocol.KindPairingAccepted, lastMsg(t, a).Type)
	id, _ := mm.Pending()
	assert.Equal(t, "m2", id)
}

func TestPairingPersistenceFailureRestoresSlot(t *testing.T) {
	f := newFixture(t, session.Config{})
	mm := f.matchmaker(t)
	ctx := context.Background()
	a, b := hubtest.NewRecorder("ca"), hubtest.NewRecorder("cb")
	require.NoError(t, mm.RequestMatch(ctx, alice, a))

	f.st.fail.Store(true)
	assert.ErrorIs(t, mm.RequestMatch(ctx, bob, b), session.ErrPersistence)
	assert.Equal(t, "transient", errorCode(t, b))
	id, ok := mm.Pending()
	assert.True(t, ok)
	assert.Equal(t, "m1", id)
	assert.Equal(t, 1, f.hub.Connections("m1"))

	f.st.fail.Store(false)
	require.NoError(t, mm.RequestMatch(ctx, bob, b))
	assert.Equal(t, protocol.KindMatchStarted, lastMsg(t, a).Type)
}
