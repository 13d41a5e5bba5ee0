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

	"esimpos/backend/internal/cache"
	"esimpos/backend/internal/config"
	"esimpos/backend/internal/httpapi"
	"esimpos/backend/internal/margin"
	"esimpos/backend/internal/profit"
	"esimpos/backend/internal/sale"
	"esimpos/backend/internal/settlement"
	"esimpos/backend/internal/store"
	"esimpos/backend/internal/store/memory"
	pgstore "esimpos/backend/internal/store/postgres"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logrus.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logrus.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logrus.Info("repository: in-memory")
	}

	snapshots := cache.SnapshotCache(cache.NoopSnapshotCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSnapshotCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logrus.Warnf("redis unavailable (%v), using noop snapshot cache", err)
		} else {
			snapshots = redisCache
			closers = append(closers, redisCache.Close)
			logrus.Info("snapshot cache: redis")
		}
	} else {
		logrus.Info("snapshot cache: noop")
	}

	journal := profit.NewJournal(repo, snapshots, cfg.RetailerID)
	if err := journal.Init(ctx); err != nil {
		logrus.Fatalf("profit journal init: %v", err)
	}

	margins := margin.NewResolver(repo, cfg.RetailerID)
	client := settlement.NewClient(cfg.SettlementAPIURL, cfg.SettlementTimeout)
	offline := settlement.NewOfflineIssuer()

	orchestrator := sale.NewOrchestrator(repo, margins, client, offline, journal, cfg.RetailerID)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, repo)
	api := httpapi.New(orchestrator, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logrus.Infof("settlement engine listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logrus.Warnf("close error: %v", err)
		}
	}

	logrus.Info("server stopped")
}
