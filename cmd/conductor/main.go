// conductor is the control plane binary: it owns the event log,
// projections, orchestrator, gate engine, outbox, and cancellation plane,
// and exposes health/metrics endpoints for operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cswenor/conductor/internal/cancel"
	"github.com/cswenor/conductor/internal/config"
	"github.com/cswenor/conductor/internal/eventlog"
	"github.com/cswenor/conductor/internal/ghclient"
	"github.com/cswenor/conductor/internal/logging"
	"github.com/cswenor/conductor/internal/migration"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/orchestrator"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/projection"
	"github.com/cswenor/conductor/internal/storage"
	"github.com/cswenor/conductor/internal/telemetry"
	"github.com/cswenor/conductor/internal/telemetry/live"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const schemaVersion = 1

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("build logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("conductor exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Telemetry.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	dsn := cfg.StorageDSN
	if dsn == "" && cfg.StorageDriver == storage.DriverSQLite {
		dsn = cfg.DataDir + "/conductor.db"
	}
	db, err := storage.Open(cfg.StorageDriver, dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	if cfg.StorageDriver == storage.DriverSQLite {
		if _, err := migration.BackupBeforeUpgrade(dsn, db, schemaVersion); err != nil {
			logger.Warn("backup before migrate failed", zap.Error(err))
		}
	}
	if err := migration.CheckVersion(db, schemaVersion); err != nil {
		return err
	}

	events, err := eventlog.Open(db)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	proj, err := projection.Open(db)
	if err != nil {
		return fmt.Errorf("open projections: %w", err)
	}
	ob, err := outbox.Open(db, nil, logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	if err := migration.EnsureVersion(db, schemaVersion); err != nil {
		return fmt.Errorf("ensure schema version: %w", err)
	}

	bus := live.NewBus(128)
	cancelRegistry := cancel.NewRegistry()
	ob.WithLiveBus(bus)
	orch := orchestrator.New(db, events, proj, ob, logger).
		WithLiveBus(bus).
		WithCancelRegistry(cancelRegistry)
	gateConfigs := orchestrator.GateConfigs{
		model.GateTestsPass: {MaxRetries: cfg.Gates.TestsPassMaxRetries},
	}

	ghc := newGitHubClient(cfg, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Outbox.TickInterval), func() {
		tickCtx, cancelTick := context.WithTimeout(ctx, 30*time.Second)
		defer cancelTick()
		if err := limiter.Wait(tickCtx); err != nil {
			return
		}
		if err := ob.ProcessOutbox(tickCtx, ghc, outbox.ProcessOptions{
			Limit:      cfg.Outbox.BatchLimit,
			MaxRetries: cfg.Outbox.MaxRetries,
		}); err != nil {
			logger.Warn("process outbox tick failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule outbox tick: %w", err)
	}
	if _, err := scheduler.AddFunc("@every 1m", func() {
		n, err := ob.ResetStalledWrites(cfg.Outbox.StallAfter)
		if err != nil {
			logger.Warn("reset stalled writes failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("reset stalled outbox writes", zap.Int64("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule stall sweep: %w", err)
	}
	if _, err := scheduler.AddFunc("@every 30s", func() {
		sweepAwaitingApproval(orch, proj, gateConfigs, logger)
	}); err != nil {
		return fmt.Errorf("schedule approvals sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := newServer(cfg, logger)

	var g errgroup.Group
	g.Go(func() error {
		logger.Info("conductor listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}

	return g.Wait()
}

// sweepAwaitingApproval re-evaluates the plan_approval gate for every run
// parked in awaiting_plan_approval, picking up operator actions and
// overrides recorded since the run last blocked there. Runs whose gate now
// passes advance to executing; everything else is left untouched.
func sweepAwaitingApproval(orch *orchestrator.Orchestrator, proj *projection.Store, gateConfigs orchestrator.GateConfigs, logger *zap.Logger) {
	runs, err := proj.ListRuns("", 200)
	if err != nil {
		logger.Warn("approvals sweep: list runs", zap.Error(err))
		return
	}
	for _, r := range runs {
		if r.Phase != model.PhaseAwaitingPlanApproval {
			continue
		}
		_, _, err := orch.EvaluateGatesAndTransition(r.RunID, r.Phase, orchestrator.TransitionInput{
			RunID:       r.RunID,
			ToPhase:     model.PhaseExecuting,
			TriggeredBy: model.SourceOrchestrator,
			Reason:      "plan_approval re-evaluation",
		}, nil, gateConfigs)
		if err != nil {
			logger.Warn("approvals sweep: evaluate gates", zap.String("run_id", r.RunID), zap.Error(err))
		}
	}
}

func newServer(cfg config.Config, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// newGitHubClient wires the ghclient.Client collaborator. Without App
// credentials configured, conductor falls back to an in-memory fake so the
// outbox still runs end to end in development.
func newGitHubClient(cfg config.Config, logger *zap.Logger) ghclient.Client {
	if !cfg.HasGitHubApp() {
		logger.Warn("no GitHub App credentials configured, using fake client")
		return ghclient.NewFakeClient()
	}
	// A real App-authenticated client lives outside this repository (the
	// webhook receiver and credential handling are a separate concern);
	// operators wire a concrete ghclient.Client implementation in a
	// deployment-specific build.
	logger.Warn("GitHub App credentials present but no concrete client wired, using fake client")
	return ghclient.NewFakeClient()
}
