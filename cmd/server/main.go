package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tehpsalmist/mind-hooks/internal/cache"
	"github.com/tehpsalmist/mind-hooks/internal/config"
	"github.com/tehpsalmist/mind-hooks/internal/database"
	"github.com/tehpsalmist/mind-hooks/internal/game"
	"github.com/tehpsalmist/mind-hooks/internal/handlers"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer pool.Close()

	store := database.New(pool, log)
	if err := store.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	var notify game.Notifier
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("parse redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		notify = cache.NewNotifier(rdb, log)
	}

	games := game.NewController(store, notify, quartz.NewReal(), log)

	mux := http.NewServeMux()
	handlers.New(games, cfg.WebhookSecret, log).Register(mux)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("the mind is live")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server error")
	}
	log.Info("shutdown complete")
}
