package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/valdrix/enforcement/pkg/actions"
	"github.com/valdrix/enforcement/pkg/api"
	"github.com/valdrix/enforcement/pkg/approval"
	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/config"
	"github.com/valdrix/enforcement/pkg/costctx"
	"github.com/valdrix/enforcement/pkg/decisionledger"
	"github.com/valdrix/enforcement/pkg/engine"
	"github.com/valdrix/enforcement/pkg/export"
	"github.com/valdrix/enforcement/pkg/observability"
	"github.com/valdrix/enforcement/pkg/policy"
	"github.com/valdrix/enforcement/pkg/reconcile"
	"github.com/valdrix/enforcement/pkg/reservation"
	"github.com/valdrix/enforcement/pkg/tenants"
	"github.com/valdrix/enforcement/pkg/throttle"
	"github.com/valdrix/enforcement/pkg/tiers"

	_ "github.com/lib/pq" // Postgres driver
)

const serviceVersion = "1.0.0"

// sweepInterval is how often the background worker runs the overdue
// reservation and approval sweep.
const sweepInterval = time.Minute

// stores bundles the persistence layer; either the Postgres set over one
// pool or the in-memory set when DATABASE_URL=memory.
type stores struct {
	db        *sql.DB
	decisions decisionledger.Store
	policies  policy.Store
	budgets   budgets.Store
	credits   reservation.Ledger
	approvals approval.Store
	receipts  reconcile.ReceiptStore
	history   costctx.HistoryReader
	queue     actions.Queue
}

// fixedDirectory assigns every tenant the configured tier. Stands in for
// the billing plane's tenant directory.
type fixedDirectory string

func (d fixedDirectory) TenantTier(context.Context, string) (tiers.TierID, error) {
	return tiers.TierID(d), nil
}

type nopHistory struct{}

func (nopHistory) DailyCosts(context.Context, string, time.Time, time.Time) ([]costctx.DailyCost, error) {
	return nil, nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory" {
		return &stores{
			decisions: decisionledger.NewMemoryStore(),
			policies:  policy.NewMemoryStore(),
			budgets:   budgets.NewMemoryStore(),
			credits:   reservation.NewMemoryLedger(),
			approvals: approval.NewMemoryStore(),
			receipts:  reconcile.NewMemoryReceipts(),
			history:   nopHistory{},
			queue:     actions.NewMemoryQueue(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	decisions := decisionledger.NewPostgresStore(db)
	policies := policy.NewPostgresStore(db)
	budgetStore := budgets.NewPostgresStore(db)
	credits := reservation.NewPostgresLedger(db)
	approvals := approval.NewPostgresStore(db)
	receipts := reconcile.NewPostgresReceipts(db)
	history := costctx.NewPostgresReader(db)
	queue := actions.NewPostgresQueue(db)

	for name, init := range map[string]func(context.Context) error{
		"decisionledger": decisions.Init,
		"policy":         policies.Init,
		"budgets":        budgetStore.Init,
		"reservation":    credits.Init,
		"approval":       approvals.Init,
		"reconcile":      receipts.Init,
		"costctx":        history.Init,
		"actions":        queue.Init,
	} {
		if err := init(ctx); err != nil {
			return nil, fmt.Errorf("init %s schema: %w", name, err)
		}
	}

	return &stores{
		db:        db,
		decisions: decisions,
		policies:  policies,
		budgets:   budgetStore,
		credits:   credits,
		approvals: approvals,
		receipts:  receipts,
		history:   history,
		queue:     queue,
	}, nil
}

func (s *stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func runServer(stderr io.Writer) int {
	if err := serve(); err != nil {
		fmt.Fprintf(stderr, "ecp: %v\n", err)
		return 1
	}
	return 0
}

func serve() error {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path := os.Getenv("ENFORCEMENT_MODE_PROFILE"); path != "" {
		profile, err := config.LoadModeProfile(cfg, path)
		if err != nil {
			return err
		}
		logger.Info("mode profile loaded", "profile", profile.Name, "overrides", len(cfg.ModeOverrides))
	}

	if cfg.ApprovalTokenSecret == "" {
		return errors.New("ENFORCEMENT_APPROVAL_TOKEN_SECRET is required")
	}
	if cfg.ExportSigningSecret == "" {
		return errors.New("ENFORCEMENT_EXPORT_SIGNING_SECRET is required")
	}

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "enforcement-control-plane",
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        os.Getenv("OTEL_SDK_DISABLED") != "true",
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := approval.NewTokenService(cfg.ApprovalTokenSecret, cfg.ApprovalFallbackSecrets, "approval-v1")
	if err != nil {
		return err
	}
	approvals := approval.NewService(st.approvals, tokens, st.decisions)

	metrics, err := observability.NewGateMetrics(provider.Meter(), approvals.Backlog)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	matcher, err := policy.NewMatcher()
	if err != nil {
		return err
	}

	var locker engine.Locker
	if st.db != nil {
		locker = engine.NewPGAdvisoryLocker(st.db, cfg.LockWait)
	} else {
		locker = engine.NewMemoryLocker(cfg.LockWait)
	}

	eng := engine.New(engine.Deps{
		Decisions:     st.decisions,
		Policies:      st.policies,
		Budgets:       st.budgets,
		Credits:       st.credits,
		Context:       costctx.NewBuilder(st.history),
		Approvals:     approvals,
		Matcher:       matcher,
		Locker:        locker,
		Tiers:         tenants.NewResolver(fixedDirectory(cfg.DefaultTier)),
		Timeout:       cfg.GateTimeout,
		ModeOverrides: cfg.ModeOverrides,
		Metrics:       metrics,
	})

	reconciler := reconcile.New(st.credits, st.decisions, st.budgets, st.receipts).
		WithMetrics(metrics)
	worker := reconcile.NewWorker(reconciler, approvals, sweepInterval)
	go worker.Run(ctx)

	signer, err := export.NewSigner(cfg.ExportSigningKID, cfg.ExportSigningSecret)
	if err != nil {
		return err
	}
	builder := export.NewBuilder(export.Stores{
		Decisions:    st.decisions,
		Approvals:    st.approvals,
		Reservations: st.credits,
	}, signer)

	var archiver api.Archiver
	if cfg.ExportArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		archiver = export.NewArchiver(s3.NewFromConfig(awsCfg), cfg.ExportArchiveBucket)
	}

	limiter := buildLimiter(cfg)

	server := api.NewServer(api.Deps{
		Engine:       eng,
		Approvals:    approvals,
		ApprovalJobs: st.approvals,
		Policies:     st.policies,
		Budgets:      st.budgets,
		Credits:      st.credits,
		Decisions:    st.decisions,
		Reconciler:   reconciler,
		Exports:      builder,
		Archive:      archiver,
		Actions:      st.queue,
		Limiter:      limiter,
		Metrics:      metrics,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("enforcement control plane listening",
			"port", cfg.Port, "environment", cfg.Environment,
			"database", st.db != nil, "redis", cfg.RedisAddr != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildLimiter picks the shared Redis buckets when REDIS_ADDR is set, the
// in-process buckets otherwise. A disabled abuse guard means no limiter.
func buildLimiter(cfg *config.Config) throttle.Limiter {
	if !cfg.AbuseGuardEnabled {
		return nil
	}
	limits := throttle.Limits{
		TenantPerMinute: cfg.TenantGatePerMin,
		GlobalPerMinute: cfg.GlobalGatePerMin,
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return throttle.NewRedisLimiter(client, limits)
	}
	return throttle.NewLocalLimiter(limits)
}

func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
