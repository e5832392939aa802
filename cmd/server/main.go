package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"docsync/internal/api"
	"docsync/internal/auth"
	"docsync/internal/config"
	"docsync/internal/db"
	"docsync/internal/docstore"
	"docsync/internal/logger"
	"docsync/internal/repository"
	"docsync/internal/services"
	"docsync/internal/services/collaboration"
	"docsync/internal/services/poll"
	"docsync/internal/telemetry"
)

/*
Startup order: config → logger → tracing → update log → persistence pool →
document store (+ relay) → session manager → HTTP.

Shutdown runs the other way round: HTTP stops taking requests while sessions
are closed and every document is unloaded (which queues its compaction and
ends the push streams), the persistence pool drains, then the relay and
tracing are flushed.
*/

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	base, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = base.Sync() }()
	log := base.Sugar()

	log.Infow("🚀 Starting docsync server...", "persistence", cfg.Persistence, "relay", cfg.RedisAddr != "")

	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger(cfg.JaegerEndpoint, 1.0, log)
		if err != nil {
			log.Warnw("⚠️  Failed to initialize Jaeger, continuing without tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.Warnw("⚠️  Failed to shutdown Jaeger", "error", err)
				}
			}()
		}
	}

	var repo services.UpdateRepository
	switch cfg.Persistence {
	case config.PersistenceMemory:
		repo = repository.NewMemoryUpdateRepository()
		log.Warn("⚠️  Using in-memory persistence; documents are lost on restart")
	default:
		database, err := db.NewGorm(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		repo = repository.NewUpdateRepository(database.DB)
	}

	persistence := services.NewPersistenceService(repo, cfg.PersistenceWorkers, cfg.PersistenceQueueSize, log)
	persistence.Start()

	store := docstore.NewStore(log, docstore.WithExtension(persistence))

	var relay *collaboration.Relay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}

		relay = collaboration.NewRelay(client, store, log)
		if err := relay.Start(context.Background()); err != nil {
			return err
		}
		store.AddExtension(relay)
	}

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.AllowAnonymousEdit, log)

	sessionManager := collaboration.NewSessionManager(store, log)
	sessionManager.Start()

	ingress := poll.NewIngress(store, log)
	bridge := poll.NewBridge(log,
		poll.WithKeepAlive(cfg.PushKeepAlive),
		poll.WithBuffer(cfg.PushBuffer),
		poll.WithIdleGrace(cfg.PushIdleGrace),
	)
	pollHandler := poll.NewHandler(ingress, bridge, authn, log)
	wsHandler := collaboration.NewWebSocketHandler(sessionManager, ingress, authn, log)

	handler := api.NewHandler(store, sessionManager, persistence, wsHandler, pollHandler, log)
	router := api.SetupRoutes(handler, authn, log)

	// no WriteTimeout: push streams and WebSockets are long-lived
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("🌐 Server listening", "addr", "http://"+cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := drain(shutdownCtx, server, func(ctx context.Context) {
			sessionManager.Shutdown()
			store.Shutdown(ctx)
		})
		if err != nil {
			log.Warnw("⚠️  Server forced to shutdown", "error", err)
		}

		persistence.Shutdown()
		if relay != nil {
			if err := relay.Close(); err != nil {
				log.Warnw("⚠️  Failed to close relay", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("✓ Server shutdown complete")
	return nil
}

// drain stops server and unloads documents as soon as shutdown begins. Push
// streams only end once their document is destroyed, so waiting for idle
// connections first would hold every attached fallback client until ctx expires.
func drain(ctx context.Context, server *http.Server, unload func(ctx context.Context)) error {
	unloaded := make(chan struct{})
	server.RegisterOnShutdown(func() {
		defer close(unloaded)
		unload(ctx)
	})

	err := server.Shutdown(ctx)
	select {
	case <-unloaded:
	case <-ctx.Done():
	}
	return err
}
