package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/domain"
	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/internal/store"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

const matchesPrefix = "/v1/matches/"

type MatchLoader interface {
	LoadMatch(ctx context.Context, matchID string) (*domain.Match, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Loader MatchLoader
	// Checks are pinged by /healthz, keyed by name.
	Checks map[string]Pinger
	// Live reports the number of in-memory matches.
	Live         func() int
	CheckTimeout time.Duration
	Logger       *zap.Logger
}

type Server struct {
	opts Options
	srv  *fasthttp.Server
	log  *zap.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	s := &Server{opts: opts, log: opts.Logger}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "matchd-ops",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Serve(addr string) error {
	s.log.Info("ops_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handle routes ops requests.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := string(ctx.Path())
	switch {
	case path == "/healthz":
		s.health(ctx)
	case strings.HasPrefix(path, matchesPrefix):
		s.match(ctx, strings.TrimPrefix(path, matchesPrefix))
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	out := matchdto.Health{Status: "ok", Checks: make(map[string]string, len(s.opts.Checks))}
	if s.opts.Live != nil {
		out.Live = s.opts.Live()
	}
	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cctx, cancel := context.WithTimeout(context.Background(), s.opts.CheckTimeout)
		err := s.opts.Checks[name].Ping(cctx)
		cancel()
		if err != nil {
			out.Status = "degraded"
			out.Checks[name] = err.Error()
			s.log.Warn("health_check_failed", zap.String("check", name), zap.Error(err))
			continue
		}
		out.Checks[name] = "ok"
	}
	status := fasthttp.StatusOK
	if out.Status != "ok" {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, out)
}

func (s *Server) match(ctx *fasthttp.RequestCtx, id string) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") || len(id) > 64 {
		writeError(ctx, fasthttp.StatusBadRequest, "bad match id")
		return
	}
	if s.opts.Loader == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "no store")
		return
	}
	lctx, cancel := context.WithTimeout(context.Background(), s.opts.CheckTimeout)
	defer cancel()
	m, err := s.opts.Loader.LoadMatch(lctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "match not found")
		return
	case err != nil:
		s.log.Error("ops_match_load_failed", zap.String("match_id", id), zap.Error(err))
		writeError(ctx, fasthttp.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, protocol.Record(m))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encode error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
