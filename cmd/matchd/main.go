package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/builder"
	appcfg "github.com/park285/chess-match-server/internal/config"
	"github.com/park285/chess-match-server/internal/obslog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	deps, err := builder.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("build_failed", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Transport.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("session_listener_started", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("ops_listener_started", zap.String("addr", cfg.OpsAddr))
		if err := deps.Ops.Serve(cfg.OpsAddr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("listener_failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("session_listener_shutdown", zap.Error(err))
	}
	if err := deps.Transport.Shutdown(ctx); err != nil {
		logger.Warn("transport_shutdown", zap.Error(err))
	}
	if err := deps.Ops.Shutdown(ctx); err != nil {
		logger.Warn("ops_listener_shutdown", zap.Error(err))
	}
	deps.Matchmaker.Shutdown()
	if err := deps.Close(); err != nil {
		logger.Warn("deps_close", zap.Error(err))
	}
	logger.Info("shutdown_complete")
}
