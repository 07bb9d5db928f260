// Package transport serves the session protocol over websockets. Each
// connection gets one reader (the handler goroutine) and one writer.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-match-server/internal/auth"
	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/hub"
	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/internal/rules"
)

// Dispatcher receives validated client requests.
type Dispatcher interface {
	Connect(ctx context.Context, p domain.Participant)
	Disconnect(ctx context.Context, p domain.Participant, conn hub.Sender)
	RequestMatch(ctx context.Context, p domain.Participant, conn hub.Sender) error
	Move(ctx context.Context, p domain.Participant, conn hub.Sender, matchID string, mv rules.Move) error
	Rejoin(ctx context.Context, p domain.Participant, conn hub.Sender, matchID string) error
	Leave(ctx context.Context, p domain.Participant, conn hub.Sender, matchID string) error
}

type Options struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	ReadLimit      int64
	OriginPatterns []string
	Reasons        protocol.Reasons
}

func (o Options) normalized() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 << 10
	}
	return o
}

type Server struct {
	dispatch Dispatcher
	auth     auth.Authenticator
	opts     Options
	log      *zap.Logger
	router   *mux.Router

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(d Dispatcher, a auth.Authenticator, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	s := &Server{
		dispatch: d,
		auth:     a,
		opts:     opts.normalized(),
		log:      logger,
		root:     root,
		cancel:   cancel,
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/{token}", s.serveWS).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Shutdown closes every connection and waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.root.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	p, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Info("ws_auth_rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_error", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.root)
	defer cancel()
	c := newConn(ws, s.opts, s.log.With(zap.String("participant_id", p.ID)))
	defer c.close(websocket.StatusNormalClosure, "")

	go c.writeLoop(ctx)
	go c.pingLoop(ctx)

	s.dispatch.Connect(ctx, p)
	c.log.Info("ws_connected")
	s.readLoop(ctx, p, c)

	// disconnect work must outlive the canceled connection context
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	s.dispatch.Disconnect(dctx, p, c)
	c.log.Info("ws_disconnected")
}

func (s *Server) readLoop(ctx context.Context, p domain.Participant, c *conn) {
	for {
		typ, raw, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.log.Debug("ws_read_error", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			_ = c.Send(protocol.Error(s.opts.Reasons, protocol.CodeMalformed))
			continue
		}
		in, err := protocol.Decode(raw)
		if err != nil {
			c.log.Debug("ws_malformed", zap.Error(err))
			_ = c.Send(protocol.Error(s.opts.Reasons, protocol.CodeMalformed))
			continue
		}
		s.handle(ctx, p, c, in)
	}
}

// handle runs one request. Errors were already reported to the client.
func (s *Server) handle(ctx context.Context, p domain.Participant, c *conn, in protocol.Inbound) {
	var err error
	switch m := in.(type) {
	case protocol.RequestPairing:
		err = s.dispatch.RequestMatch(ctx, p, c)
	case protocol.ProposeMove:
		err = s.dispatch.Move(ctx, p, c, m.MatchID, m.Move)
	case protocol.Reconnect:
		err = s.dispatch.Rejoin(ctx, p, c, m.MatchID)
	case protocol.Leave:
		err = s.dispatch.Leave(ctx, p, c, m.MatchID)
	}
	if err != nil {
		c.log.Debug("ws_request_rejected", zap.String("type", string(in.Kind())), zap.Error(err))
	}
}
