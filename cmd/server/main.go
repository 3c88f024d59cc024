package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"review-sentiment/internal/api"
	"review-sentiment/internal/predict"
)

func main() {
	cfg, err := loadSettings(os.Getenv)
	if err != nil {
		logrus.Fatalf("load settings: %v", err)
	}
	configureLogging(cfg)

	opts := []predict.Option{predict.WithBackend(cfg.ModelBackend)}
	if cfg.InferenceWorkers > 0 {
		opts = append(opts, predict.WithWorkers(cfg.InferenceWorkers))
	}
	predictor, err := predict.Load(cfg.ModelPath, opts...)
	if err != nil {
		logrus.Fatalf("load model checkpoint: %v", err)
	}
	defer predictor.Close()

	server, err := api.NewServer(api.Config{
		DBPath:         cfg.PredictionDBPath,
		SilentDB:       logrus.GetLevel() < logrus.DebugLevel,
		AllowedOrigins: cfg.AllowedOrigins,
	}, predictor)
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}
	defer server.Close()

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("starting review-sentiment on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
}
