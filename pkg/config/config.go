package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the ambient /healthz + /metrics HTTP surface.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// DispatcherConfig controls the Dispatcher tick loop and per-source rate limits.
type DispatcherConfig struct {
	TickInterval     int `json:"tick_interval_ms" env:"DISPATCH_TICK_INTERVAL"`
	MaxRetries       int `json:"max_retries" env:"DISPATCH_MAX_RETRIES"`
	DefaultJobsPerMin int `json:"default_max_jobs_per_minute" env:"DISPATCH_DEFAULT_MAX_JOBS_PER_MINUTE"`
	DefaultConcurrent int `json:"default_max_concurrent_jobs" env:"DISPATCH_DEFAULT_MAX_CONCURRENT_JOBS"`
}

// ChainConfig controls the ChainRunner tick loop and chain guards.
type ChainConfig struct {
	TickInterval            int `json:"tick_interval_ms" env:"CHAIN_TICK_INTERVAL"`
	LeaseSeconds            int `json:"lease_seconds" env:"CHAIN_LEASE_SECONDS"`
	MaxDepth                int `json:"max_depth" env:"CHAIN_MAX_DEPTH"`
	MaxJobsTotal            int `json:"max_jobs_total" env:"CHAIN_MAX_JOBS_TOTAL"`
	DefaultTimeoutSeconds   int `json:"default_timeout_seconds" env:"CHAIN_DEFAULT_TIMEOUT_SECONDS"`
	MaxResultCharsPerChild  int `json:"max_result_chars_per_child" env:"CHAIN_MAX_RESULT_CHARS_PER_CHILD"`
}

// RegistryConfig controls worker scoring, eligibility, and health probing.
type RegistryConfig struct {
	WeightCost        float64 `json:"weight_cost" env:"MESH_WEIGHT_COST"`
	WeightReliability float64 `json:"weight_reliability" env:"MESH_WEIGHT_REL"`
	WeightLatency     float64 `json:"weight_latency" env:"MESH_WEIGHT_LAT"`
	ReliabilityMin    float64 `json:"reliability_min" env:"MESH_REL_MIN"`
	WarmupN           int     `json:"warmup_n" env:"MESH_WARMUP_N"`
	StaleTTL          int     `json:"stale_ttl_seconds" env:"MESH_STALE_TTL"`
	LatencyCapMs      int     `json:"latency_cap_ms" env:"MESH_LAT_CAP_MS"`
	ProberInterval    int     `json:"prober_interval_seconds" env:"MESH_PROBER_INTERVAL"`
	ProberTimeout     float64 `json:"prober_timeout_seconds" env:"MESH_PROBER_TIMEOUT"`
	ProberFailThreshold int   `json:"prober_fail_threshold" env:"MESH_PROBER_FAIL_THRESHOLD"`
	CacheRedisAddr    string  `json:"cache_redis_addr" env:"REGISTRY_CACHE_REDIS_ADDR"`
}

// LedgerConfig controls journal persistence, settlement, and writer/replica sync.
type LedgerConfig struct {
	LedgerPath          string  `json:"ledger_path" env:"LEDGER_STATE_PATH"`
	JournalPath         string  `json:"journal_path" env:"LEDGER_JOURNAL_PATH"`
	IndexPath           string  `json:"index_path" env:"LEDGER_INDEX_PATH"`
	DomainLock          string  `json:"domain_lock" env:"LEDGER_DOMAIN_LOCK"`
	Currency            string  `json:"currency" env:"LEDGER_CURRENCY"`
	HashChainEnabled    bool    `json:"hash_chain_enabled" env:"JOURNAL_HASH_CHAIN"`
	OperatorAccount     string  `json:"operator_account" env:"LEDGER_OPERATOR_ACCOUNT"`
	DefaultProviderAcct string  `json:"default_provider_account" env:"LEDGER_PROVIDER_ACCOUNT"`
	AutoCreateAccounts  bool    `json:"auto_create_accounts" env:"LEDGER_AUTO_CREATE_ACCOUNTS"`
	MarginBase          float64 `json:"margin_base" env:"LEDGER_MARGIN_BASE"`
	MarginMax           float64 `json:"margin_max" env:"LEDGER_MARGIN_MAX"`
	MarginK1            float64 `json:"margin_k1" env:"LEDGER_MARGIN_K1"`
	MarginK2            float64 `json:"margin_k2" env:"LEDGER_MARGIN_K2"`
	SnapshotInterval    int     `json:"snapshot_interval" env:"LEDGER_SNAPSHOT_INTERVAL"`
	GovernanceEnabled   bool    `json:"gov_enabled" env:"LEDGER_GOV_ENABLED"`
	GovernanceDryRun    bool    `json:"gov_dry_run" env:"LEDGER_GOV_DRY_RUN"`
	SettlementRateLimit int     `json:"settlement_rate_limit" env:"LEDGER_SETTLEMENT_RATE_LIMIT"`
	Mode                string  `json:"mode" env:"LEDGER_MODE"` // "writer" | "replica"
	WriterURL           string  `json:"writer_url" env:"LEDGER_WRITER_URL"`
	SyncInterval        int     `json:"sync_interval_seconds" env:"LEDGER_SYNC_INTERVAL"`
	ReadonlyEnforced    bool    `json:"readonly_enforced" env:"LEDGER_READONLY_ENFORCED"`
}

// Config is the top-level configuration structure.
type Config struct {
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Chain      ChainConfig      `json:"chain"`
	Registry   RegistryConfig   `json:"registry"`
	Ledger     LedgerConfig     `json:"ledger"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Server     ServerConfig     `json:"server"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			TickInterval:      1000,
			MaxRetries:        3,
			DefaultJobsPerMin: 60,
			DefaultConcurrent: 10,
		},
		Chain: ChainConfig{
			TickInterval:           1000,
			LeaseSeconds:           120,
			MaxDepth:               5,
			MaxJobsTotal:           25,
			DefaultTimeoutSeconds:  300,
			MaxResultCharsPerChild: 25000,
		},
		Registry: RegistryConfig{
			WeightCost:          0.45,
			WeightReliability:   0.40,
			WeightLatency:       0.15,
			ReliabilityMin:      0.60,
			WarmupN:             5,
			StaleTTL:            120,
			LatencyCapMs:        1500,
			ProberInterval:      30,
			ProberTimeout:       2.5,
			ProberFailThreshold: 3,
		},
		Ledger: LedgerConfig{
			LedgerPath:          "runtime/ledger.json",
			JournalPath:         "runtime/ledger_events.jsonl",
			IndexPath:           "runtime/ledger_job_index.json",
			DomainLock:          "runtime/ledger_domain.lock",
			Currency:            "USD",
			HashChainEnabled:    true,
			OperatorAccount:     "system:operator",
			DefaultProviderAcct: "mesh_provider",
			AutoCreateAccounts:  true,
			MarginBase:          0.10,
			MarginMax:           0.40,
			MarginK1:            0.20,
			MarginK2:            0.10,
			SnapshotInterval:    100,
			GovernanceEnabled:   true,
			GovernanceDryRun:    false,
			SettlementRateLimit: 100,
			Mode:                "writer",
			SyncInterval:        10,
			ReadonlyEnforced:    true,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "agent-mesh-kernel",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride mirrors cmd/kerneld's wiring: DATABASE_URL overrides
// any file-based DSN to reduce setup friction in container deployments.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Ledger.Mode == "" {
		c.Ledger.Mode = "writer"
	}
}
