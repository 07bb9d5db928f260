package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// conn is one accepted session connection. Send only queues; a single
// writer goroutine owns the socket for writes.
type conn struct {
	id   string
	ws   *websocket.Conn
	out  chan any
	done chan struct{}
	once sync.Once
	log  *zap.Logger

	writeTimeout time.Duration
	pingInterval time.Duration
}

func newConn(ws *websocket.Conn, opts Options, logger *zap.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:           id,
		ws:           ws,
		out:          make(chan any, opts.SendBuffer),
		done:         make(chan struct{}),
		log:          logger.With(zap.String("conn_id", id)),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(msg any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.log.Warn("ws_slow_consumer")
		c.close(websocket.StatusPolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := wsjson.Write(wctx, c.ws, msg)
			cancel()
			if err != nil {
				c.log.Debug("ws_write_error", zap.Error(err))
				c.close(websocket.StatusGoingAway, "write failure")
				return
			}
		}
	}
}

func (c *conn) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.log.Info("ws_ping_failure", zap.Error(err))
				c.close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
