// Command server hosts the sync service: the platform HTTP routes, the
// import-task worker pool and the recurring fan-out trigger.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/auth"
	"github.com/vitalsync/server/pkg/bootstrap"
	"github.com/vitalsync/server/pkg/conflict"
	"github.com/vitalsync/server/pkg/importer"
	"github.com/vitalsync/server/pkg/infrastructure/sentry"
	"github.com/vitalsync/server/pkg/platform/googlefit"
	"github.com/vitalsync/server/pkg/queue"
	"github.com/vitalsync/server/pkg/ratelimit"
	"github.com/vitalsync/server/pkg/routing"
	"github.com/vitalsync/server/pkg/scheduler"
	"github.com/vitalsync/server/pkg/types"
)

func main() {
	logger := bootstrap.NewLogger("sync-server")
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	if err := sentry.Init(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: os.Getenv("ENVIRONMENT"),
		ServerName:  "sync-server",
	}, logger); err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	svc, err := bootstrap.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Identity providers are discovered once; the registry is immutable from
	// here on.
	registry := auth.BuildIssuerMap(ctx, logger, nil, cfg.IdentityProviders)
	validator := auth.NewValidator(registry, cfg.TokenAudience, nil, logger)

	resolvers := conflict.NewRegistry()
	resolvers.Register(shared.PlatformGoogleFit, googlefit.LinkResolver)

	// One limiter per external dependency, shared by every import worker.
	limiter := ratelimit.New(cfg.RateLimitPerMinute)

	orchestrator := importer.NewOrchestrator(
		svc.Users, svc.Cursors, svc.Bus, limiter, resolvers,
		shared.TopicImportedRecords, logger,
	)

	fitHandler := googlefit.NewHandler(svc.Users, svc.Secrets, orchestrator, resolvers, validator, googlefit.HandlerConfig{
		ClientID:     cfg.GoogleFitClientID,
		ClientSecret: cfg.GoogleFitClientSecret,
		RedirectURL:  cfg.GoogleFitRedirectURL,
		Anonymous:    cfg.AnonymousMode,
	}, logger)

	dispatcher := routing.NewDispatcher(logger, fitHandler)

	// Queue consumers feed import tasks back through the dispatcher so queue
	// and HTTP traffic share one routing path.
	tasks := queue.New(cfg.QueueBuffer)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		tasks.Consume(ctx, int(cfg.MaxConcurrency), logger, func(ctx context.Context, task types.ImportTask) {
			payload, err := queue.EncodeTask(task)
			if err != nil {
				logger.Error("Failed to encode task", "error", err)
				return
			}
			result := dispatcher.Dispatch(ctx, &routing.Request{
				Route:   task.PlatformName + "/" + shared.RouteImport,
				Payload: payload,
			})
			if result.Status >= 400 {
				logger.Warn("Import task failed", "user_id", task.UserID, "platform", task.PlatformName, "status", result.Status, "message", result.Message)
			}
		})
	}()

	fanout := scheduler.NewFanOut(svc.Users, scheduler.RunnerFunc(func(ctx context.Context, task types.ImportTask) error {
		return tasks.Enqueue(ctx, task)
	}), cfg.MaxConcurrency, logger)

	workers.Add(1)
	go func() {
		defer workers.Done()
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := fanout.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Fan-out pass failed", "error", err)
					sentry.CaptureException(err, nil, logger)
				}
			}
		}
	}()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	router.HandleFunc("/api/*", func(w http.ResponseWriter, r *http.Request) {
		result := dispatcher.Dispatch(r.Context(), &routing.Request{
			Route:  strings.TrimPrefix(r.URL.Path, "/api/"),
			Query:  r.URL.Query(),
			Header: r.Header,
		})
		if result.Location != "" {
			w.Header().Set("Location", result.Location)
		}
		w.WriteHeader(result.Status)
		io.WriteString(w, result.Message)
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", "error", err)
	}
	workers.Wait()
	return nil
}
