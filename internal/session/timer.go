package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerKind names one of the two countdowns a live match owns.
type TimerKind string

const (
	AbandonTimer TimerKind = "abandon"
	ClockTimer   TimerKind = "clock"
)

type timerKey struct {
	matchID string
	kind    TimerKind
}

type scheduled struct {
	ticket uint64
	timer  *time.Timer
}

// Timers schedules cancelable tasks keyed by match and kind. Arming a key
// replaces the task already armed under it. Each task carries a ticket so the
// owner can recognise a callback that lost a race with a re-arm.
type Timers struct {
	mu    sync.Mutex
	next  uint64
	tasks map[timerKey]scheduled
	log   *zap.Logger
}

func NewTimers(logger *zap.Logger) *Timers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timers{tasks: make(map[timerKey]scheduled), log: logger}
}

// Arm schedules fn after d and returns its ticket. A non-positive d fires
// immediately on another goroutine.
func (ts *Timers) Arm(matchID string, kind TimerKind, d time.Duration, fn func(ticket uint64)) uint64 {
	if d < 0 {
		d = 0
	}
	k := timerKey{matchID: matchID, kind: kind}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if prev, ok := ts.tasks[k]; ok {
		prev.timer.Stop()
	}
	ts.next++
	ticket := ts.next
	t := time.AfterFunc(d, func() {
		if !ts.claim(k, ticket) {
			return
		}
		ts.log.Debug("timer_fired", zap.String("match_id", matchID), zap.String("kind", string(kind)), zap.Uint64("ticket", ticket))
		fn(ticket)
	})
	ts.tasks[k] = scheduled{ticket: ticket, timer: t}
	return ticket
}

// claim removes the task if it is still the one armed under k.
func (ts *Timers) claim(k timerKey, ticket uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur, ok := ts.tasks[k]
	if !ok || cur.ticket != ticket {
		return false
	}
	delete(ts.tasks, k)
	return true
}

func (ts *Timers) Cancel(matchID string, kind TimerKind) {
	k := timerKey{matchID: matchID, kind: kind}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if cur, ok := ts.tasks[k]; ok {
		cur.timer.Stop()
		delete(ts.tasks, k)
	}
}

// CancelAll drops both timers of a match.
func (ts *Timers) CancelAll(matchID string) {
	ts.Cancel(matchID, AbandonTimer)
	ts.Cancel(matchID, ClockTimer)
}

func (ts *Timers) Armed(matchID string, kind TimerKind) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.tasks[timerKey{matchID: matchID, kind: kind}]
	return ok
}

// Pending counts armed tasks across all matches.
func (ts *Timers) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tasks)
}

// Stop cancels everything, used on shutdown.
func (ts *Timers) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for k, cur := range ts.tasks {
		cur.timer.Stop()
		delete(ts.tasks, k)
	}
}
