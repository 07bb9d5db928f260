// Package wsclient is a reconnecting client for the match websocket
// protocol. It is used by matchprobe and by end-to-end tests.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

var ErrNotConnected = errors.New("websocket not connected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type MessageCallback func(frame *protocol.Envelope)

type StateCallback func(state State)

type Options struct {
	URL    string
	Header http.Header
	// MaxReconnectAttempts of zero disables reconnection.
	MaxReconnectAttempts int
	PingInterval         time.Duration
	// Rejoin sends a reconnect frame for the tracked match after every
	// successful redial.
	Rejoin bool
	Logger *zap.Logger
}

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

type Client struct {
	opts Options
	log  *zap.Logger

	connM sync.RWMutex
	conn  *websocket.Conn
	match string

	state  State
	stateM sync.RWMutex

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	nextCb   int
	cbM      sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func New(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		log:        opts.Logger,
		state:      StateDisconnected,
		stopCh:     make(chan struct{}),
		rootCtx:    root,
		rootCancel: cancel,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.stateM.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.stateM.Unlock()
		return nil
	}
	c.stateM.Unlock()

	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	return conn, err
}

func (c *Client) attach(conn *websocket.Conn) {
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var f protocol.Envelope
		if err := wsjson.Read(c.rootCtx, conn, &f); err != nil {
			if c.isStopping() {
				return
			}
			c.log.Debug("ws_read_failed", zap.Error(err))
			c.drop(conn, "reconnect")
			return
		}
		c.track(&f)

		c.cbM.RLock()
		callbacks := make([]callbackEntry, len(c.msgCbs))
		copy(callbacks, c.msgCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(&f)
			}
		}
	}
}

// track remembers the match this client is seated in, so a redial can rejoin it.
func (c *Client) track(f *protocol.Envelope) {
	switch f.Type {
	case protocol.KindPairingAccepted, protocol.KindMatchStarted, protocol.KindMatchJoined:
		var ref matchdto.MatchRef
		if err := json.Unmarshal(f.Payload, &ref); err == nil && ref.MatchID != "" {
			c.connM.Lock()
			c.match = ref.MatchID
			c.connM.Unlock()
		}
	case protocol.KindMatchEnded, protocol.KindMatchAlreadyEnded, protocol.KindMatchNotFound:
		c.connM.Lock()
		c.match = ""
		c.connM.Unlock()
	}
}

// Match returns the match the client is currently seated in, if any.
func (c *Client) Match() string {
	c.connM.RLock()
	defer c.connM.RUnlock()
	return c.match
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if !c.current(conn) {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if !c.isStopping() {
					c.drop(conn, "ping failure")
				}
				return
			}
		}
	}
}

func (c *Client) current(conn *websocket.Conn) bool {
	c.connM.RLock()
	defer c.connM.RUnlock()
	return c.conn == conn
}

// drop retires conn once; later calls for the same conn are no-ops.
func (c *Client) drop(conn *websocket.Conn, reason string) {
	c.connM.Lock()
	if c.conn != conn {
		c.connM.Unlock()
		return
	}
	c.conn = nil
	c.connM.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, reason)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	if c.opts.MaxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := c.dial(c.rootCtx)
			if err != nil {
				c.log.Debug("ws_redial_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.attach(conn)
			if id := c.Match(); c.opts.Rejoin && id != "" {
				if err := c.Reconnect(c.rootCtx, id); err != nil {
					c.log.Warn("ws_rejoin_failed", zap.String("match_id", id), zap.Error(err))
				}
			}
			return
		}
		c.setState(StateFailed)
	}()
}

func (c *Client) send(ctx context.Context, kind protocol.Kind, payload any) error {
	c.connM.RLock()
	conn := c.conn
	c.connM.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, protocol.Message{Type: kind, Payload: payload})
}

func (c *Client) RequestPairing(ctx context.Context) error {
	return c.send(ctx, protocol.KindRequestPairing, nil)
}

func (c *Client) Move(ctx context.Context, matchID, from, to, promotion string) error {
	return c.send(ctx, protocol.KindMove, matchdto.MovePayload{MatchID: matchID, From: from, To: to, Promotion: promotion})
}

func (c *Client) Reconnect(ctx context.Context, matchID string) error {
	return c.send(ctx, protocol.KindReconnect, matchdto.MatchRef{MatchID: matchID})
}

func (c *Client) Leave(ctx context.Context, matchID string) error {
	return c.send(ctx, protocol.KindLeave, matchdto.MatchRef{MatchID: matchID})
}

func (c *Client) OnMessage(cb MessageCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCb++
	c.msgCbs = append(c.msgCbs, callbackEntry{id: c.nextCb, callback: cb})
	return c.nextCb
}

func (c *Client) RemoveMessageCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.msgCbs {
		if cb.id == id {
			c.msgCbs = append(c.msgCbs[:i], c.msgCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCb++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextCb, callback: cb})
	return c.nextCb
}

func (c *Client) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.stateCbs {
		if cb.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.stateM.Lock()
	c.state = state
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// Close stops reconnection, closes the socket and waits for the loops.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connM.Lock()
	conn := c.conn
	c.conn = nil
	c.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	for k, vs := range c.opts.Header {
		if strings.TrimSpace(k) == "" {
			continue
		}
		for _, v := range vs {
			if strings.TrimSpace(v) != "" {
				hdr.Add(k, v)
			}
		}
	}
	return hdr
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}
