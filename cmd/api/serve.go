package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/cobra"

	"github.com/enterpriseaccess/backend/internal/auth"
	"github.com/enterpriseaccess/backend/internal/catalog"
	"github.com/enterpriseaccess/backend/internal/config"
	"github.com/enterpriseaccess/backend/internal/dashboard"
	"github.com/enterpriseaccess/backend/internal/events"
	"github.com/enterpriseaccess/backend/internal/execution"
	"github.com/enterpriseaccess/backend/internal/handlers"
	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/jobs"
	"github.com/enterpriseaccess/backend/internal/ledger"
	"github.com/enterpriseaccess/backend/internal/licensing"
	"github.com/enterpriseaccess/backend/internal/lms"
	"github.com/enterpriseaccess/backend/internal/lock"
	"github.com/enterpriseaccess/backend/internal/metrics"
	"github.com/enterpriseaccess/backend/internal/policy"
	"github.com/enterpriseaccess/backend/internal/registry"
	"github.com/enterpriseaccess/backend/internal/repository"
	"github.com/enterpriseaccess/backend/internal/router"
	"github.com/enterpriseaccess/backend/internal/services"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var (
		port        string
		skipMigrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background job workers",
		Long: `Run the HTTP API and the River workers that link allocated learners.

Examples:
  enterprise-access serve
  enterprise-access serve --port 18270 --skip-migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg, logger, skipMigrate)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply River migrations on startup")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, skipMigrate bool) error {
	pool, err := connectDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !skipMigrate {
		if err := migrateRiver(ctx, pool, logger); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	lockStore, redisClient, err := newLockStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	up, err := newUpstreams(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	ledgerSvc := ledger.NewService(up.subsidy)
	catalogClient := catalog.NewClient(up.catalog, cfg.ContentCacheTTL)
	lmsClient := lms.NewClient(up.lms)
	licenseClient := licensing.NewClient(up.licenses)

	// The insert func is set after the River client exists; the repository
	// needs it first.
	var insertMu sync.Mutex
	var insertFn jobs.InsertLinkLearnerTxFunc
	insertLinkLearner := func(ctx context.Context, tx pgx.Tx, args execution.LinkPendingLearnerArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	policyRepo := repository.NewPolicyRepo(pool)
	assignmentRepo := repository.NewAssignmentRepo(pool, insertLinkLearner)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewLinkPendingLearnerWorker(jobs.NewService(assignmentRepo, lmsClient, logger), m, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.LinkPendingLearnerArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	deps := policy.Deps{
		Catalog:     catalogClient,
		LMS:         lmsClient,
		Ledger:      ledgerSvc,
		Assignments: assignmentRepo,
		Licenses:    licenseClient,
		CacheSize:   cfg.RequestCacheSize,
		Logger:      logger,
	}
	locks := lock.NewManager(lockStore, cfg.PolicyLockTTL, logger)
	reasons := services.NewReasonBuilder(lmsClient, logger)

	tokens := auth.NewService(cfg.JWTSecret, time.Hour)
	handler := newHTTPHandler(cfg, router.Handlers{
		Auth: auth.NewHandler(logger),
		Policy: &handlers.PolicyHandler{
			Policies:   policyRepo,
			Redeemer:   services.NewRedeemer(locks, deps, ledgerSvc, assignmentRepo, pub, m, logger),
			Evaluation: services.NewEvaluation(policyRepo, deps, services.NewResolver(ledgerSvc), reasons, logger),
			Allocator:  services.NewAllocator(locks, deps, ledgerSvc, assignmentRepo, pub, m, logger),
			Reasons:    reasons,
			Learners:   assignmentRepo,
			Logger:     logger,
		},
		Registry:   registry.NewHandler(registry.NewService(policyRepo, assignmentRepo), logger),
		Dashboard:  dashboard.NewHandler(policyRepo, deps, ledgerSvc, assignmentRepo, assignmentRepo, logger),
		Tokens:     tokens,
		Instrument: m.Middleware,
		Metrics:    metrics.Handler(reg),
		Ready:      readiness(pool, redisClient),
	})

	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		logger.Error("river client stop", "error", err)
	}
	logger.Info("stopped")
	return nil
}

// newLockStore connects to Redis for policy locks. Development falls back to
// an in-process store when Redis is unreachable.
func newLockStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Store, *redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		if !cfg.IsDevelopment() {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		logger.Warn("invalid REDIS_URL, policy locks are in-process only", "error", err)
		return lock.NewMemoryStore(), nil, nil
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if !cfg.IsDevelopment() {
			return nil, nil, fmt.Errorf("cannot reach Redis: %w", err)
		}
		logger.Warn("Redis unreachable, policy locks are in-process only", "error", err)
		return lock.NewMemoryStore(), nil, nil
	}
	logger.Info("connected to Redis")
	return lock.NewRedisStore(client), client, nil
}

type upstreams struct {
	catalog  *httpx.Client
	lms      *httpx.Client
	subsidy  *httpx.Client
	licenses *httpx.Client
}

func newUpstreams(ctx context.Context, cfg *config.Config, observer httpx.Observer, logger *slog.Logger) (*upstreams, error) {
	var hc *http.Client
	if cfg.OAuthEnabled() {
		hc = httpx.NewOAuthHTTPClient(ctx, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, cfg.HTTPTimeout)
	} else {
		logger.Warn("service OAuth credentials not configured, upstream calls are unauthenticated")
	}
	build := func(name, baseURL string) (*httpx.Client, error) {
		return httpx.New(httpx.Config{
			Name:             name,
			BaseURL:          baseURL,
			HTTPClient:       hc,
			Timeout:          cfg.HTTPTimeout,
			FailureThreshold: uint32(cfg.BreakerFailureThreshold),
			OpenTimeout:      cfg.BreakerOpenTimeout,
			Observer:         observer,
			Logger:           logger,
		})
	}

	var (
		up  upstreams
		err error
	)
	if up.catalog, err = build("enterprise_catalog", cfg.CatalogURL); err != nil {
		return nil, err
	}
	if up.lms, err = build("lms", cfg.LMSURL); err != nil {
		return nil, err
	}
	if up.subsidy, err = build("enterprise_subsidy", cfg.SubsidyURL); err != nil {
		return nil, err
	}
	if up.licenses, err = build("license_manager", cfg.LicenseManagerURL); err != nil {
		return nil, err
	}
	return &up, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.EventsEnabled {
		return events.NewNoopPublisher(logger), nil
	}
	pub, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	if err != nil {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
		}
		logger.Warn("RabbitMQ unreachable, events are logged only", "error", err)
		return events.NewNoopPublisher(logger), nil
	}
	return pub, nil
}

func readiness(pool *pgxpool.Pool, redisClient *redis.Client) func(r *http.Request) error {
	return func(r *http.Request) error {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
