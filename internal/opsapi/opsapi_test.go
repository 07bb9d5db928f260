package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/store"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	err := st.CreateMatch(ctx, store.NewMatch{
		ID:              "m1",
		A:               domain.Participant{ID: "u1"},
		B:               domain.Participant{ID: "u2"},
		StartedAt:       time.Now(),
		InitialPosition: "start",
	})
	if err != nil {
		t.Fatal(err)
	}
	moves := []domain.Move{
		{Seq: 1, From: "e2", To: "e4", After: "p1", TimeTaken: 2 * time.Second},
		{Seq: 2, From: "e7", To: "e5", After: "p2", TimeTaken: 3 * time.Second},
		{Seq: 3, From: "g1", To: "f3", After: "p3", TimeTaken: time.Second},
	}
	for _, mv := range moves {
		if err := st.RecordMove(ctx, "m1", mv); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func do(s *Server, method, uri string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	s.Handle(&ctx)
	return &ctx
}

func TestMatchLookup(t *testing.T) {
	s := New(Options{Loader: seeded(t)})

	ctx := do(s, fasthttp.MethodGet, "/v1/matches/m1")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status=%d body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var rec matchdto.MatchRecord
	if err := json.Unmarshal(ctx.Response.Body(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.MoveCount != 3 || rec.Position != "p3" || rec.Status != string(domain.StatusInProgress) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Clock.WhiteConsumed != 3000 || rec.Clock.BlackConsumed != 3000 {
		t.Fatalf("unexpected clock: %+v", rec.Clock)
	}

	if ctx := do(s, fasthttp.MethodGet, "/v1/matches/nope"); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
	if ctx := do(s, fasthttp.MethodGet, "/v1/matches/"); ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if ctx := do(s, fasthttp.MethodPost, "/v1/matches/m1"); ctx.Response.StatusCode() != fasthttp.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", ctx.Response.StatusCode())
	}
	if ctx := do(s, fasthttp.MethodGet, "/elsewhere"); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestHealth(t *testing.T) {
	healthy := pingFunc(func(context.Context) error { return nil })
	broken := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	s := New(Options{Checks: map[string]Pinger{"store": healthy, "cache": healthy}, Live: func() int { return 4 }})
	ctx := do(s, fasthttp.MethodGet, "/healthz")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status=%d", ctx.Response.StatusCode())
	}
	var h matchdto.Health
	if err := json.Unmarshal(ctx.Response.Body(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Live != 4 || h.Checks["cache"] != "ok" {
		t.Fatalf("unexpected health: %+v", h)
	}

	s = New(Options{Checks: map[string]Pinger{"store": healthy, "cache": broken}})
	ctx = do(s, fasthttp.MethodGet, "/healthz")
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestClientAgainstServer(t *testing.T) {
	s := New(Options{Loader: seeded(t), Checks: map[string]Pinger{"store": pingFunc(func(context.Context) error { return nil })}})
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	c := NewClient("http://ops.test", WithHTTPClient(hc), WithRetry(1), WithTimeout(time.Second))
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil || h.Status != "ok" {
		t.Fatalf("health: %+v %v", h, err)
	}
	rec, err := c.Match(ctx, "m1")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if rec.MoveCount != 3 {
		t.Fatalf("unexpected move count %d", rec.MoveCount)
	}
	if _, err := c.Match(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
