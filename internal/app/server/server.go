package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"booking/internal/domain/audit"
	"booking/internal/domain/auth"
	"booking/internal/domain/gdpr"
	"booking/internal/platform/artifacts"
	"booking/internal/platform/config"
	cryptoutil "booking/internal/platform/crypto"
	"booking/internal/platform/db"
	"booking/internal/platform/email"
	"booking/internal/platform/jobs"
	"booking/internal/platform/lock"
	"booking/internal/platform/metrics"
	audithandler "booking/internal/transport/http/handlers/audit"
	privacyhandler "booking/internal/transport/http/handlers/privacy"
	"booking/internal/transport/http/middleware"
)

// App holds the wired service graph shared by the HTTP server and the
// operator CLI.
type App struct {
	Config  config.Config
	DB      *db.Pool
	Privacy *gdpr.Service
	Jobs    *jobs.Service
	Metrics *metrics.Collector
	Router  http.Handler

	closers []func()
}

// New connects to the database, applies migrations when enabled and builds
// the lifecycle engine with its collaborators.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	app := &App{Config: cfg, DB: pool}
	app.closers = append(app.closers, pool.Close)

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			app.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	crypto, err := cryptoutil.New(cfg.DataEncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	store, err := artifacts.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	overrides, err := gdpr.LoadOverrides(cfg.RetentionOverridesFile)
	if err != nil {
		return err
	}
	registry, err := gdpr.NewRegistry(gdpr.DefaultPolicies(a.DB, store), overrides)
	if err != nil {
		return fmt.Errorf("retention registry: %w", err)
	}

	if cfg.MetricsEnabled {
		a.Metrics = metrics.New()
	}

	sink := audit.New(a.DB)
	a.Privacy = gdpr.NewService(gdpr.Deps{
		Store:     gdpr.NewStore(a.DB),
		Audit:     sink,
		Registry:  registry,
		Artifacts: store,
		Crypto:    crypto,
		Mailer:    email.New(cfg),
		Metrics:   a.Metrics,
	}, gdpr.Options{
		GracePeriod:        cfg.DeletionGracePeriod,
		VerificationWindow: cfg.VerificationWindow,
		ArtifactTTL:        cfg.ArtifactTTL,
		PolicyTimeout:      cfg.RetentionPolicyTimeout,
		SweepConcurrency:   cfg.RetentionSweepConcurrency,
		MailFrom:           cfg.EmailFrom,
		PublicBaseURL:      cfg.PublicBaseURL,
	})

	locker, err := a.locker()
	if err != nil {
		return err
	}
	a.Jobs = jobs.New(a.DB, a.Privacy, locker, a.Metrics, jobs.Config{
		RetentionSchedule:   cfg.RetentionSchedule,
		DueDeletionSchedule: cfg.DueDeletionSchedule,
	})

	a.Router = NewRouter(RouterDeps{
		Config:  cfg,
		Privacy: a.Privacy,
		Jobs:    a.Jobs,
		Audit:   sink,
		Idem:    middleware.NewIdempotencyStore(a.DB),
		Metrics: a.Metrics,
		Ready:   a.DB.Ping,
	})
	return nil
}

func (a *App) locker() (lock.Locker, error) {
	if a.Config.RedisURL == "" {
		return lock.NewLocalLocker(), nil
	}
	l, err := lock.NewRedisLockerFromURL(a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := l.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	})
	return l, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type RouterDeps struct {
	Config  config.Config
	Privacy privacyhandler.Service
	Jobs    privacyhandler.JobRunner
	Audit   audithandler.Reader
	Idem    *middleware.IdempotencyStore
	Metrics *metrics.Collector
	Ready   func(context.Context) error
}

func NewRouter(deps RouterDeps) http.Handler {
	cfg := deps.Config
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(deps.Metrics))
	router.Use(chimw.Recoverer)
	router.Use(middleware.SecureHeaders(cfg.Environment == "production"))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	router.Use(middleware.Auth(cfg.JWTSecret))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if deps.Ready != nil {
			if err := deps.Ready(ctx); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMinute, time.Minute))
		r.Use(middleware.SensitiveMutationRateLimit(cfg.RateLimitPerMinute, time.Minute))

		privacyhandler.NewHandler(deps.Privacy, deps.Jobs, auth.StaticPermissions{}, deps.Idem).RegisterRoutes(r)
		if deps.Audit != nil {
			audithandler.NewHandler(deps.Audit, auth.StaticPermissions{}).RegisterRoutes(r)
		}
	})

	return router
}

// Run starts the HTTP server and the lifecycle scheduler and blocks until
// SIGINT or SIGTERM.
func Run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Jobs.Start(ctx); err != nil {
		return err
	}
	defer app.Jobs.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("booking lifecycle server listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
