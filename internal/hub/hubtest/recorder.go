// Package hubtest provides an in-memory hub.Sender for tests.
package hubtest

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("recorder closed")

// Recorder captures every message sent to it.
type Recorder struct {
	id string

	mu     sync.Mutex
	msgs   []any
	closed bool
}

func NewRecorder(id string) *Recorder { return &Recorder{id: id} }

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// Close makes further sends fail.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Recorder) Messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *Recorder) Last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
