// Command kerneld is the job-orchestration kernel's composition root: it
// wires the dispatcher, chain runner, worker registry/prober, and ledger
// into one process, exposes /healthz and /metrics, and runs until signaled.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/logging"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/metrics"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/chain"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/dispatch"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/ledger"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/meshtransport"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/registry"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/store"
	"github.com/r3e-network/agent-mesh-kernel/pkg/config"
)

func main() {
	addr := flag.String("addr", "", "ops HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (YAML or JSON)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	registryPath := flag.String("registry-path", "runtime/registry.json", "worker registry state file")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = loadConfigFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	zlog := buildZapLogger(cfg.Logging)
	defer zlog.Sync()
	alog := logging.New("kerneld", cfg.Logging.Level, cfg.Logging.Format)

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var (
		db *sql.DB
		st store.Store
	)
	if dsnVal != "" {
		db, err = sql.Open("postgres", dsnVal)
		if err != nil {
			zlog.Fatal("connect to postgres", zap.Error(err))
		}
		configurePool(db, cfg)
		if err := db.PingContext(rootCtx); err != nil {
			zlog.Fatal("ping postgres", zap.Error(err))
		}
		if *runMigrations && cfg.Database.MigrateOnStart {
			if err := store.Migrate(db); err != nil {
				zlog.Fatal("apply migrations", zap.Error(err))
			}
		}
		st = store.NewPostgresStore(sqlx.NewDb(db, "postgres"))
		zlog.Info("using postgres store", zap.String("host", cfg.Database.Host))
	} else {
		st = store.NewMemoryStore()
		zlog.Info("using in-memory store")
	}
	if db != nil {
		defer db.Close()
	}

	m := metrics.New("kerneld")

	reg := registry.New(*registryPath, registry.Config{
		WeightCost:     cfg.Registry.WeightCost,
		WeightRel:      cfg.Registry.WeightReliability,
		WeightLat:      cfg.Registry.WeightLatency,
		ReliabilityMin: cfg.Registry.ReliabilityMin,
		WarmupN:        cfg.Registry.WarmupN,
		StaleTTL:       time.Duration(cfg.Registry.StaleTTL) * time.Second,
		LatencyCapMs:   float64(cfg.Registry.LatencyCapMs),
		FailThreshold:  cfg.Registry.ProberFailThreshold,
	}, zlog)
	if err := reg.Load(); err != nil {
		zlog.Fatal("load worker registry", zap.Error(err))
	}

	prober := registry.NewProber(reg, m, zlog, registry.ProberConfig{
		Interval:      time.Duration(cfg.Registry.ProberInterval) * time.Second,
		Timeout:       time.Duration(cfg.Registry.ProberTimeout * float64(time.Second)),
		FailThreshold: cfg.Registry.ProberFailThreshold,
	})

	rateLimiter := dispatch.NewRateLimiter(st)
	led, err := ledger.New(ledger.Config{
		LedgerPath:          cfg.Ledger.LedgerPath,
		JournalPath:         cfg.Ledger.JournalPath,
		IndexPath:           cfg.Ledger.IndexPath,
		DomainLockPath:      cfg.Ledger.DomainLock,
		OperatorAccount:     cfg.Ledger.OperatorAccount,
		DefaultProviderAcct: cfg.Ledger.DefaultProviderAcct,
		AutoCreateAccounts:  cfg.Ledger.AutoCreateAccounts,
		HashChainEnabled:    cfg.Ledger.HashChainEnabled,
		DefaultMargin:       cfg.Ledger.MarginBase,
		MaxMargin:           cfg.Ledger.MarginMax,
		MarginK1:            cfg.Ledger.MarginK1,
		MarginK2:            cfg.Ledger.MarginK2,
		SnapshotInterval:    cfg.Ledger.SnapshotInterval,
		GovernanceEnabled:   cfg.Ledger.GovernanceEnabled,
		GovernanceDryRun:    cfg.Ledger.GovernanceDryRun,
		SettlementRateLimit: cfg.Ledger.SettlementRateLimit,
		Mode:                cfg.Ledger.Mode,
		WriterURL:           cfg.Ledger.WriterURL,
		ReadonlyEnforced:    cfg.Ledger.ReadonlyEnforced,
	}, rateLimiter, m, zlog)
	if err != nil {
		zlog.Fatal("initialise ledger", zap.Error(err))
	}

	scheduler, err := ledger.NewScheduler(led, ledger.SchedulerConfig{}, zlog)
	if err != nil {
		zlog.Fatal("initialise ledger scheduler", zap.Error(err))
	}

	var replicaSync *ledger.ReplicaSync
	if cfg.Ledger.Mode == "replica" {
		replicaSync = ledger.NewReplicaSync(led, ledger.ReplicaSyncConfig{
			WriterURL: cfg.Ledger.WriterURL,
			StatePath: "runtime/replica_state.json",
			Interval:  time.Duration(cfg.Ledger.SyncInterval) * time.Second,
		}, zlog)
	}

	transport := meshtransport.New(reg, zlog, meshtransport.Config{})
	chainManager := chain.NewManager(st)
	dispatcher := dispatch.New(st, st, rateLimiter, transport, chainManager, m, zlog, dispatch.Config{
		TickInterval:           time.Duration(cfg.Dispatcher.TickInterval) * time.Millisecond,
		MaxRetries:             cfg.Dispatcher.MaxRetries,
		MaxResultCharsPerChild: cfg.Chain.MaxResultCharsPerChild,
	})

	chainRunner := chain.New(st, st, m, zlog, chain.Config{
		TickInterval: time.Duration(cfg.Chain.TickInterval) * time.Millisecond,
		Lease:        time.Duration(cfg.Chain.LeaseSeconds) * time.Second,
	})

	startedAt := time.Now()
	prober.Start(rootCtx)
	scheduler.Start()
	dispatcher.Start(rootCtx)
	chainRunner.Start(rootCtx)
	if replicaSync != nil {
		replicaSync.Start(rootCtx)
	}

	listenAddr := determineAddr(*addr, cfg)
	srv := &http.Server{Addr: listenAddr, Handler: opsRouter(m, startedAt)}
	go func() {
		alog.Info(rootCtx, "kerneld ops server listening", map[string]interface{}{"addr": listenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("ops server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	dispatcher.Stop()
	chainRunner.Stop()
	prober.Stop()
	scheduler.Stop()
	if replicaSync != nil {
		replicaSync.Stop()
	}
}

// opsRouter is the only HTTP surface this repo exposes: /healthz for
// liveness and /metrics for Prometheus scraping. Mission/Task/Job CRUD
// routing stays out of scope per spec.md §1.
func opsRouter(m *metrics.Metrics, startedAt time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		m.UpdateUptime(startedAt)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func buildZapLogger(cfg config.LoggingConfig) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	l, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func loadConfigFile(path string) (*config.Config, error) {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		return config.LoadConfig(path)
	}
	return config.LoadFile(path)
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil && cfg.Server.Port != 0 {
		host := strings.TrimSpace(cfg.Server.Host)
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	return ":8080"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}
