// cmd/backendd/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/matchmaking/internal/auth"
	"github.com/jason-s-yu/matchmaking/internal/backend/memory"
	"github.com/jason-s-yu/matchmaking/internal/backend/wsgateway"
	"github.com/jason-s-yu/matchmaking/internal/config"
	"github.com/jason-s-yu/matchmaking/internal/logging"
	"github.com/jason-s-yu/matchmaking/internal/middleware"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	keys, err := auth.NewKeys(cfg.AuthKeySeed, cfg.TokenTTL)
	if err != nil {
		logger.Fatalf("auth keys: %v", err)
	}
	if cfg.AuthKeySeed == "" {
		logger.Warn("AUTH_KEY_SEED not set, identity tokens will not survive a restart")
	}

	svc := memory.NewService(logger)
	defer svc.Close()

	mux := http.NewServeMux()
	wsgateway.NewHandler(svc, keys, logger).Routes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.LogMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Running on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server exited")
		os.Exit(1)
	}
}
