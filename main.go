package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"

	"assistant-push-go/internal/config"
	"assistant-push-go/internal/digest"
	"assistant-push-go/internal/handlers"
	"assistant-push-go/internal/logger"
	"assistant-push-go/internal/metrics"
	"assistant-push-go/internal/notify"
	"assistant-push-go/internal/push"
	"assistant-push-go/internal/scheduler"
	"assistant-push-go/internal/store"
)

func main() {
	genVAPID := flag.Bool("gen-vapid", false, "print a fresh VAPID key pair and exit")
	tokenFor := flag.String("token", "", "print a one-day API token for the given user ID and exit")
	flag.Parse()

	if *genVAPID {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to generate VAPID keys:", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", logger.Error(err))
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	if *tokenFor != "" {
		token, err := handlers.NewAuthenticator(cfg.JWTSecret, nil).IssueToken(*tokenFor, 24*time.Hour)
		if err != nil {
			log.Error("failed to issue token", logger.Error(err))
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]func(context.Context) error{}

	// Store: Postgres, or an in-process store for local development.
	var st store.Store
	if cfg.DatabaseURL == "memory" {
		log.Warn("using in-memory store; subscriptions are lost on restart")
		st = store.NewMemoryStore()
	} else {
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer pg.Close()

		if err := pg.RunMigrations(ctx, log); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database migrations completed")
		checks["postgres"] = pg.Ping
		st = pg
	}

	// Redis is optional: without it there is no digest lock and no /events stream.
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		client, err := store.ConnectRedis(ctx, cfg.RedisURL, 3, 2*time.Second)
		if err != nil {
			log.Warn("redis unavailable, continuing without report stream and digest lock", logger.Error(err))
		} else {
			defer client.Close()
			redisStore = store.NewRedisStore(client)
			checks["redis"] = redisStore.Ping
		}
	}

	m := metrics.New()

	engine := push.NewEngine(cfg.Push, push.WithLogger(log), push.WithMetrics(m))
	if err := engine.Ready(); err != nil {
		log.Error("VAPID keys missing; push delivery is disabled until VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are set (generate with -gen-vapid)")
	}

	svcOpts := []notify.Option{
		notify.WithLogger(log),
		notify.WithMetrics(m),
		notify.WithConcurrency(cfg.Push.Concurrency),
	}
	if redisStore != nil {
		svcOpts = append(svcOpts, notify.WithPublisher(redisStore))
	}
	svc := notify.NewService(st, notify.NewGate(st), engine, svcOpts...)

	// Scheduler
	if cfg.Digest.Enabled {
		hour, minute, _ := cfg.Digest.Clock()
		loc, _ := cfg.Digest.Location()

		schedOpts := []scheduler.Option{
			scheduler.WithLogger(log),
			scheduler.WithMetrics(m),
			scheduler.WithConcurrency(cfg.Digest.Concurrency),
		}
		if redisStore != nil {
			schedOpts = append(schedOpts, scheduler.WithLocker(redisStore, scheduler.DefaultLockKey, scheduler.DefaultLockTTL))
		}
		sched := scheduler.New(
			scheduler.Daily{Hour: hour, Minute: minute, Location: loc},
			digest.NewSubscribers(st),
			svc,
			schedOpts...,
		)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = sched.Run(ctx)
		}()
		defer func() { <-done }()
	}

	// HTTP
	var sessionStore sessions.Store
	if cfg.SessionSecret != "" {
		sessionStore = sessions.NewCookieStore([]byte(cfg.SessionSecret))
	}
	auth := handlers.NewAuthenticator(cfg.JWTSecret, sessionStore)

	var reports handlers.ReportStream
	if redisStore != nil {
		reports = redisStore
	}
	h := handlers.NewHandler(st, svc, engine, auth, reports, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.HealthHandler(checks))
	r.Handle("/metrics", m.Handler())
	r.Mount("/api/notifications", h.Routes())
	r.Mount("/internal", h.InternalRoutes(svc, cfg.WebhookSecret))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}
