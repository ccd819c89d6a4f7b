// Package main wires every orchestrator component into a running process:
// the Node Registry, Job Queue, Flow Deployment Engine, Worker Session
// Protocol, Dispatcher, best-effort persistence, metrics, and the HTTP API.
// Built around a cobra root command, a config struct, buildLogger/
// gormLogLevel helpers, and numbered wiring sections inside run().
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fluxmesh/orchestrator/internal/accounts"
	"github.com/fluxmesh/orchestrator/internal/api"
	"github.com/fluxmesh/orchestrator/internal/capability"
	"github.com/fluxmesh/orchestrator/internal/db"
	"github.com/fluxmesh/orchestrator/internal/deployment"
	"github.com/fluxmesh/orchestrator/internal/dispatcher"
	"github.com/fluxmesh/orchestrator/internal/identity"
	"github.com/fluxmesh/orchestrator/internal/notify"
	"github.com/fluxmesh/orchestrator/internal/persistence"
	"github.com/fluxmesh/orchestrator/internal/queue"
	"github.com/fluxmesh/orchestrator/internal/registry"
	"github.com/fluxmesh/orchestrator/internal/repositories"
	"github.com/fluxmesh/orchestrator/internal/session"
	"github.com/fluxmesh/orchestrator/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	dbDriver       string
	dbDSN          string
	logLevel       string
	identitySecret string
	identityIssuer string

	defaultMinCores    int
	defaultMinMemoryMB int
	defaultMaxCostCents int64
	defaultCurrency    string

	seedAccountID string
	seedBalance   int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fluxmesh-orchestrator",
		Short: "FluxMesh orchestrator — distributed compute scheduling core",
		Long: `The FluxMesh orchestrator accepts flow deployments from clients, matches
their jobs against connected worker sessions by capability, and dispatches
work over the Worker Session Protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLUXMESH_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLUXMESH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLUXMESH_DB_DSN", "./fluxmesh.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLUXMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.identitySecret, "identity-secret", envOrDefault("FLUXMESH_IDENTITY_SECRET", ""), "HMAC secret for verifying identity bearer tokens (empty = accept a fixed dev token only)")
	root.PersistentFlags().StringVar(&cfg.identityIssuer, "identity-issuer", envOrDefault("FLUXMESH_IDENTITY_ISSUER", "fluxmesh-identity"), "Required issuer claim on identity tokens")
	root.PersistentFlags().IntVar(&cfg.defaultMinCores, "default-min-cores", 1, "Fallback module requirement: minimum CPU cores")
	root.PersistentFlags().IntVar(&cfg.defaultMinMemoryMB, "default-min-memory-mb", 512, "Fallback module requirement: minimum RAM in MB")
	root.PersistentFlags().Int64Var(&cfg.defaultMaxCostCents, "default-max-cost-cents", 0, "Fallback module requirement: max cost in cents (0 = unconstrained)")
	root.PersistentFlags().StringVar(&cfg.defaultCurrency, "default-currency", "USD", "Fallback module requirement: currency code")
	root.PersistentFlags().StringVar(&cfg.seedAccountID, "seed-account-id", envOrDefault("FLUXMESH_SEED_ACCOUNT_ID", "dev-account"), "Account-id pre-funded in the in-memory accounts gateway")
	root.PersistentFlags().Int64Var(&cfg.seedBalance, "seed-balance-cents", 100_000_00, "Starting balance in cents for --seed-account-id")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fluxmesh-orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fluxmesh orchestrator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Repositories + persistence adapters ---
	jobRepo := repositories.NewJobRepository(gormDB)
	deploymentRepo := repositories.NewDeploymentRepository(gormDB)
	_ = repositories.NewSessionPolicyRepository(gormDB) // reserved for a future admin endpoint; not yet consumed

	jobStore := persistence.NewJobStore(jobRepo, logger)
	deploymentStore := persistence.NewDeploymentStore(deploymentRepo, logger)

	// --- 3. External-collaborator stubs ---
	gateway := accounts.NewInMemoryGateway(map[string]int64{cfg.seedAccountID: cfg.seedBalance})
	binder := workspace.NewAllowAllBinder()
	verifier := buildIdentityVerifier(cfg)
	oracle := capability.NewStaticOracle(capability.Requirements{
		MinCores:     cfg.defaultMinCores,
		MinMemoryMB:  cfg.defaultMinMemoryMB,
		MaxCostCents: cfg.defaultMaxCostCents,
		Currency:     cfg.defaultCurrency,
	})

	// --- 4. Scheduling core ---
	// reg/q/disp/sessMgr form a cycle (registry wakes the dispatcher, the
	// dispatcher drives both registry and queue, the queue sends through the
	// session manager, the session manager reads the queue as a result
	// sink). Two forwarding indirections — wake and senderProxy — break the
	// construction-order cycle; both close over a variable assigned later
	// in this function, which Go closures capture by reference.
	var disp *dispatcher.Dispatcher
	wake := func() {
		if disp != nil {
			disp.Wake()
		}
	}

	var q *queue.Queue
	requeue := func(jobID string) {
		if q != nil {
			q.RequeueLost(jobID)
		}
	}

	reg := registry.New(registry.Config{}, wake, requeue, logger)

	senderProxy := &sessionSenderProxy{}
	q = queue.New(queue.Config{}, reg, senderProxy, gateway, wake, logger)
	q.SetPersister(jobStore)

	sessMgr := session.NewManager(reg, q, logger)
	senderProxy.mgr = sessMgr

	disp, err = dispatcher.New(dispatcher.Config{}, reg, q, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	hub := notify.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	depRegistry := deployment.NewRegistry()
	engine := deployment.NewEngine(depRegistry, q, oracle, hub, logger)
	engine.SetPersister(deploymentStore)

	// --- 5. Rehydrate persisted state (spec §6) ---
	if err := rehydrate(ctx, jobStore, deploymentStore, q, depRegistry, logger); err != nil {
		logger.Warn("rehydration incomplete", zap.Error(err))
	}

	go disp.Run(ctx)
	defer func() {
		if err := disp.Stop(); err != nil {
			logger.Warn("dispatcher shutdown error", zap.Error(err))
		}
	}()

	// --- 6. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Engine:    engine,
		ShareKeys: reg,
		Sessions:  sessMgr,
		Hub:       hub,
		Verifier:  verifier,
		Binder:    binder,
		Logger:    logger,
		Version:   version,
		Commit:    commit,
		StartedAt: time.Now().UTC(),
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fluxmesh orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fluxmesh orchestrator stopped")
	return nil
}

// sessionSenderProxy defers to a *session.Manager set after construction,
// satisfying queue.SessionSender before the manager exists yet.
type sessionSenderProxy struct {
	mgr *session.Manager
}

func (p *sessionSenderProxy) SendAssignment(sessionID string, a queue.JobAssignment) error {
	return p.mgr.SendAssignment(sessionID, a)
}

func (p *sessionSenderProxy) SendCancel(sessionID, jobID string) error {
	return p.mgr.SendCancel(sessionID, jobID)
}

// rehydrate restores best-effort persisted state on startup (spec §6): every
// non-terminal job re-enters the queue as pending, and every non-terminal
// deployment is marked failed since the core cannot resume a coordinator
// mid-DAG across a process boundary.
func rehydrate(ctx context.Context, jobStore *persistence.JobStore, deploymentStore *persistence.DeploymentStore, q *queue.Queue, depRegistry *deployment.Registry, logger *zap.Logger) error {
	jobs, err := jobStore.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	q.LoadPending(jobs)

	deployments, err := deploymentStore.LoadNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal deployments: %w", err)
	}
	for _, d := range deployments {
		depRegistry.LoadFailed(d, "orchestrator restarted")
	}
	if len(deployments) > 0 {
		logger.Info("rehydrated deployments as failed", zap.Int("count", len(deployments)))
	}
	return nil
}

// buildIdentityVerifier wires an HMAC identity.Verifier when a secret is
// configured, otherwise a StaticVerifier with a single fixed development
// token so the API is reachable without standing up a real identity
// service.
func buildIdentityVerifier(cfg *config) identity.Verifier {
	if cfg.identitySecret != "" {
		return identity.NewHMACVerifier([]byte(cfg.identitySecret), cfg.identityIssuer)
	}
	return identity.NewStaticVerifier(map[string]identity.ClientIdentity{
		"dev-token": {ClientID: "dev-client", AccountID: "dev-account"},
	})
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
