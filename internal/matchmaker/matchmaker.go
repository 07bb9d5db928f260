package matchmaker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/hub"
	"github.com/park285/chess-match-server/internal/persist"
	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/internal/session"
	"github.com/park285/chess-match-server/internal/store"
)

var (
	ErrMatchNotFound = errors.New("match not found")
	ErrSelfMatch     = errors.New("cannot match yourself")
	ErrAlreadySeated = errors.New("already playing another match")
)

// Gateway is what the matchmaker needs from the persistence layer.
type Gateway interface {
	session.Persister
	LoadMatch(ctx context.Context, matchID string) (*domain.Match, error)
	UpsertParticipant(ctx context.Context, p domain.Participant) error
	CacheParticipant(ctx context.Context, p domain.Participant)
	DropParticipant(ctx context.Context, participantID string)
}

type Options struct {
	Rules   rules.Engine
	Gateway Gateway
	Hub     *hub.Registry
	Timers  *session.Timers
	Reasons protocol.Reasons
	Session session.Config
	Logger  *zap.Logger
	// NewID defaults to a random UUID.
	NewID func() string
}

// Matchmaker owns the live-match table and the single pairing slot. It is
// the only writer of both.
type Matchmaker struct {
	mu           sync.Mutex
	live         map[string]*session.Session
	seats        map[string]string // participant -> live match
	pending      string
	pendingOwner string

	gw      Gateway
	hub     *hub.Registry
	timers  *session.Timers
	reasons protocol.Reasons
	cfg     session.Config
	deps    session.Deps
	newID   func() string
	log     *zap.Logger
}

func New(opts Options) *Matchmaker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Timers == nil {
		opts.Timers = session.NewTimers(logger)
	}
	mm := &Matchmaker{
		live:    make(map[string]*session.Session),
		seats:   make(map[string]string),
		gw:      opts.Gateway,
		hub:     opts.Hub,
		timers:  opts.Timers,
		reasons: opts.Reasons,
		cfg:     opts.Session,
		newID:   opts.NewID,
		log:     logger,
	}
	mm.deps = session.Deps{
		Rules:   opts.Rules,
		Store:   opts.Gateway,
		Hub:     opts.Hub,
		Timers:  opts.Timers,
		Reasons: opts.Reasons,
		Log:     logger.Named("session"),
		OnEnd:   mm.retire,
	}
	return mm
}

// Connect records the participant durably and in the user cache.
func (mm *Matchmaker) Connect(ctx context.Context, p domain.Participant) {
	if err := mm.gw.UpsertParticipant(ctx, p); err != nil {
		mm.log.Warn("participant_upsert_failed", zap.String("participant_id", p.ID), zap.Error(err))
	}
	mm.gw.CacheParticipant(ctx, p)
}

// Disconnect unregisters conn. A match still waiting for its opponent is
// discarded when its only participant goes away.
func (mm *Matchmaker) Disconnect(ctx context.Context, p domain.Participant, conn hub.Sender) {
	matchID, _, ok := mm.hub.Unregister(conn)
	mm.gw.DropParticipant(ctx, p.ID)
	if !ok {
		return
	}

	mm.mu.Lock()
	var discarded *session.Session
	if mm.pending == matchID && mm.pendingOwner == p.ID {
		discarded = mm.live[matchID]
		delete(mm.live, matchID)
		mm.unseatLocked(matchID, p.ID)
		mm.pending, mm.pendingOwner = "", ""
	}
	mm.mu.Unlock()

	if discarded != nil {
		discarded.Release()
		mm.gw.DropRoute(ctx, matchID)
		mm.log.Info("pending_match_discarded", zap.String("match_id", matchID), zap.String("participant_id", p.ID))
	}
}

// RequestMatch pairs the caller with the waiting participant, or opens the
// pairing slot with a new match. A caller already seated in a live match is
// attached to that match instead.
func (mm *Matchmaker) RequestMatch(ctx context.Context, p domain.Participant, conn hub.Sender) error {
	mm.mu.Lock()
	if mm.pending != "" && mm.pendingOwner == p.ID {
		mm.mu.Unlock()
		mm.reply(conn, protocol.Error(mm.reasons, protocol.CodeSelfMatch))
		return ErrSelfMatch
	}
	if seat, ok := mm.seatLocked(p.ID); ok {
		mm.mu.Unlock()
		mm.log.Info("pairing_redirected", zap.String("match_id", seat), zap.String("participant_id", p.ID))
		return mm.Rejoin(ctx, p, conn, seat)
	}
	if mm.pending != "" {
		if s := mm.live[mm.pending]; s != nil {
			id, owner := mm.pending, mm.pendingOwner
			mm.pending, mm.pendingOwner = "", ""
			mm.seats[p.ID] = id
			mm.hub.Register(id, p.ID, conn)
			mm.mu.Unlock()
			return mm.startPending(ctx, s, id, owner, p, conn)
		}
		mm.pending, mm.pendingOwner = "", ""
	}

	id := mm.newID()
	s := session.New(id, p, mm.cfg, mm.deps)
	mm.live[id] = s
	mm.seats[p.ID] = id
	mm.pending, mm.pendingOwner = id, p.ID
	mm.hub.Register(id, p.ID, conn)
	mm.mu.Unlock()

	mm.gw.CacheRoute(ctx, s.Snapshot())
	mm.log.Info("match_created", zap.String("match_id", id), zap.String("participant_id", p.ID))
	mm.reply(conn, protocol.PairingAccepted(id))
	return nil
}

// startPending runs outside mu. If the match cannot be started the slot is
// handed back to its owner.
func (mm *Matchmaker) startPending(ctx context.Context, s *session.Session, id, owner string, p domain.Participant, conn hub.Sender) error {
	err := s.Start(ctx, p)
	if err == nil {
		mm.log.Info("match_paired", zap.String("match_id", id), zap.String("participant_id", p.ID))
		return nil
	}
	mm.hub.Unregister(conn)

	mm.mu.Lock()
	mm.unseatLocked(id, p.ID)
	restored := mm.pending == "" && mm.live[id] == s
	if restored {
		mm.pending, mm.pendingOwner = id, owner
	}
	mm.mu.Unlock()
	mm.log.Warn("match_pair_failed", zap.String("match_id", id), zap.Bool("slot_restored", restored), zap.Error(err))
	mm.reply(conn, protocol.Error(mm.reasons, codeFor(err)))
	return err
}

// Move forwards a proposal to the live session. Rejections are reported to
// the caller only.
func (mm *Matchmaker) Move(ctx context.Context, p domain.Participant, conn hub.Sender, matchID string, mv rules.Move) error {
	s := mm.lookup(matchID)
	if s == nil {
		return mm.moveOffline(ctx, conn, matchID)
	}
	err := s.ApplyMove(ctx, p.ID, mv)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrPersistence):
		// already reported to both participants
	case errors.Is(err, session.ErrReleased):
		return mm.moveOffline(ctx, conn, matchID)
	default:
		mm.reply(conn, protocol.Error(mm.reasons, codeFor(err)))
	}
	return err
}

// moveOffline answers a move addressed to a match that is not live. A
// finished match reports game_over. Anything else has to be rejoined first.
func (mm *Matchmaker) moveOffline(ctx context.Context, conn hub.Sender, matchID string) error {
	rec, err := mm.gw.LoadMatch(ctx, matchID)
	switch {
	case err == nil && rec.Status.Terminal():
		mm.reply(conn, protocol.Error(mm.reasons, protocol.CodeGameOver))
		return session.ErrGameOver
	case err == nil, errors.Is(err, store.ErrNotFound):
		mm.reply(conn, protocol.MatchNotFound(matchID))
		return ErrMatchNotFound
	default:
		mm.reply(conn, protocol.Error(mm.reasons, codeFor(err)))
		return err
	}
}

// Rejoin attaches the caller to an existing match, hydrating it from the
// durable store when it is not live. Nothing is created for an unknown id.
func (mm *Matchmaker) Rejoin(ctx context.Context, p domain.Participant, conn hub.Sender, matchID string) error {
	s, rec, err := mm.liveOrHydrate(ctx, matchID)
	switch {
	case errors.Is(err, ErrMatchNotFound):
		mm.reply(conn, protocol.MatchNotFound(matchID))
		return err
	case err != nil:
		mm.reply(conn, protocol.Error(mm.reasons, codeFor(err)))
		return err
	case rec != nil:
		mm.reply(conn, protocol.MatchAlreadyEnded(rec))
		return nil
	}

	snap := s.Snapshot()
	if snap.Status.Terminal() {
		mm.reply(conn, protocol.MatchAlreadyEnded(snap))
		return nil
	}
	if snap.Status == domain.StatusAwaitingOpponent && snap.A.ID != p.ID {
		return mm.joinAsSecond(ctx, s, p, conn)
	}
	if _, ok := snap.SideOf(p.ID); !ok {
		mm.reply(conn, protocol.Error(mm.reasons, protocol.CodeNotParticipant))
		return session.ErrNotParticipant
	}

	mm.hub.Register(matchID, p.ID, conn)
	s.Touch()
	m, a, b := s.View()
	mm.gw.CacheRoute(ctx, m)
	mm.log.Info("match_rejoined", zap.String("match_id", matchID), zap.String("participant_id", p.ID))
	mm.reply(conn, protocol.MatchJoined(m, a, b, s.TimeControl()))
	return nil
}

// joinAsSecond takes the pairing slot of the addressed match, if it still
// holds it.
func (mm *Matchmaker) joinAsSecond(ctx context.Context, s *session.Session, p domain.Participant, conn hub.Sender) error {
	id := s.ID()
	mm.mu.Lock()
	if seat, ok := mm.seatLocked(p.ID); ok && seat != id {
		mm.mu.Unlock()
		mm.reply(conn, protocol.Error(mm.reasons, protocol.CodeNotParticipant))
		return ErrAlreadySeated
	}
	if mm.pending != id {
		mm.mu.Unlock()
		mm.reply(conn, protocol.Error(mm.reasons, protocol.CodeNotParticipant))
		return session.ErrAlreadyPaired
	}
	owner := mm.pendingOwner
	mm.pending, mm.pendingOwner = "", ""
	mm.seats[p.ID] = id
	mm.hub.Register(id, p.ID, conn)
	mm.mu.Unlock()
	return mm.startPending(ctx, s, id, owner, p, conn)
}

// liveOrHydrate returns the live session of matchID, or a terminal durable
// record, or hydrates the record into a new live session.
func (mm *Matchmaker) liveOrHydrate(ctx context.Context, matchID string) (*session.Session, *domain.Match, error) {
	if s := mm.lookup(matchID); s != nil {
		return s, nil, nil
	}
	rec, err := mm.gw.LoadMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if rec.Status.Terminal() {
		return nil, rec, nil
	}
	h, err := session.Hydrate(rec, mm.cfg, mm.deps)
	if err != nil {
		mm.log.Error("hydrate_failed", zap.String("match_id", matchID), zap.Error(err))
		return nil, nil, err
	}

	mm.mu.Lock()
	if cur := mm.live[matchID]; cur != nil {
		mm.mu.Unlock()
		return cur, nil, nil
	}
	mm.live[matchID] = h
	for _, pid := range []string{rec.A.ID, rec.B.ID} {
		if _, seated := mm.seatLocked(pid); pid != "" && !seated {
			mm.seats[pid] = matchID
		}
	}
	mm.mu.Unlock()

	h.Resume()
	mm.log.Info("match_hydrated", zap.String("match_id", matchID), zap.Int("moves", len(rec.Moves)))
	return h, nil, nil
}

// Leave removes the match from the live set and the cache. The durable
// record is kept.
func (mm *Matchmaker) Leave(ctx context.Context, p domain.Participant, conn hub.Sender, matchID string) error {
	mm.mu.Lock()
	s := mm.live[matchID]
	if s == nil {
		mm.mu.Unlock()
		mm.gw.DropRoute(ctx, matchID)
		return nil
	}
	snap := s.Snapshot()
	if _, ok := snap.SideOf(p.ID); !ok {
		mm.mu.Unlock()
		mm.reply(conn, protocol.Error(mm.reasons, protocol.CodeNotParticipant))
		return session.ErrNotParticipant
	}
	delete(mm.live, matchID)
	mm.unseatLocked(matchID, snap.A.ID, snap.B.ID)
	if mm.pending == matchID {
		mm.pending, mm.pendingOwner = "", ""
	}
	mm.hub.Drop(matchID)
	mm.mu.Unlock()

	s.Release()
	mm.gw.DropRoute(ctx, matchID)
	mm.log.Info("match_left", zap.String("match_id", matchID), zap.String("participant_id", p.ID))
	return nil
}

// retire is the session end hook.
func (mm *Matchmaker) retire(m *domain.Match) {
	mm.mu.Lock()
	delete(mm.live, m.ID)
	mm.unseatLocked(m.ID, m.A.ID, m.B.ID)
	if mm.pending == m.ID {
		mm.pending, mm.pendingOwner = "", ""
	}
	mm.hub.Drop(m.ID)
	mm.mu.Unlock()
}

// seatLocked returns the live match participantID plays in.
func (mm *Matchmaker) seatLocked(participantID string) (string, bool) {
	id, ok := mm.seats[participantID]
	if !ok {
		return "", false
	}
	if mm.live[id] == nil {
		delete(mm.seats, participantID)
		return "", false
	}
	return id, true
}

func (mm *Matchmaker) unseatLocked(matchID string, participantIDs ...string) {
	for _, pid := range participantIDs {
		if mm.seats[pid] == matchID {
			delete(mm.seats, pid)
		}
	}
}

func (mm *Matchmaker) lookup(matchID string) *session.Session {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.live[matchID]
}

// Live reports the number of matches held in memory.
func (mm *Matchmaker) Live() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.live)
}

// Pending returns the match waiting in the pairing slot.
func (mm *Matchmaker) Pending() (string, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pending, mm.pending != ""
}

// Shutdown releases every live session. Durable records stay as they are and
// are hydrated again on rejoin.
func (mm *Matchmaker) Shutdown() {
	mm.mu.Lock()
	live := mm.live
	mm.live = make(map[string]*session.Session)
	mm.seats = make(map[string]string)
	mm.pending, mm.pendingOwner = "", ""
	mm.mu.Unlock()
	for _, s := range live {
		s.Release()
	}
	mm.timers.Stop()
}

func (mm *Matchmaker) reply(conn hub.Sender, msg protocol.Message) {
	if conn == nil {
		return
	}
	if err := conn.Send(msg); err != nil {
		mm.log.Debug("reply_failed", zap.String("conn_id", conn.ID()), zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, session.ErrGameOver):
		return protocol.CodeGameOver
	case errors.Is(err, session.ErrNotYourTurn):
		return protocol.CodeNotYourTurn
	case errors.Is(err, session.ErrIllegalMove):
		return protocol.CodeIllegalMove
	case errors.Is(err, session.ErrNotParticipant), errors.Is(err, session.ErrAlreadyPaired), errors.Is(err, ErrAlreadySeated):
		return protocol.CodeNotParticipant
	case errors.Is(err, session.ErrNotStarted):
		return protocol.CodeNotStarted
	case errors.Is(err, ErrSelfMatch):
		return protocol.CodeSelfMatch
	case errors.Is(err, session.ErrPersistence), errors.Is(err, persist.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTransient
	}
	return protocol.CodeInternal
}
