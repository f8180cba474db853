package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig is the environment surface consumed by the backend resolver.
type BackendConfig struct {
	PrimaryURL    string        `mapstructure:"primary_url"`
	SecondaryURL  string        `mapstructure:"secondary_url"`
	HealthPath    string        `mapstructure:"health_path"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	DecisionTTL   time.Duration `mapstructure:"decision_ttl"`
	ForcedBackend string        `mapstructure:"forced_backend"` // local | docker | ""
}

// ProfileConfig controls profile resolution and caching.
type ProfileConfig struct {
	CartridgeDir     string            `mapstructure:"cartridge_dir"`
	DefaultProfileID string            `mapstructure:"default_profile_id"`
	TenantMap        map[string]string `mapstructure:"tenant_map"`
	AllowList        map[string][]string `mapstructure:"allow_list"`
	CacheTTL         time.Duration     `mapstructure:"cache_ttl"`
	OverrideCacheTTL time.Duration     `mapstructure:"override_cache_ttl"`
	HotReload        bool              `mapstructure:"hot_reload"`
}

// DatabaseConfig points at the tenant store (profile overrides, memberships).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, ssl)
}

// RedisConfig points at the session context store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig points at the language-model provider service.
type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// OrchestrationConfig tunes the pipeline itself.
type OrchestrationConfig struct {
	RunDeadline        time.Duration `mapstructure:"run_deadline"`
	SubQueryTimeout    time.Duration `mapstructure:"sub_query_timeout"`
	MaxSubQueries      int           `mapstructure:"max_sub_queries"`
	MaxIterations      int           `mapstructure:"max_iterations"`
	FusionK            float64       `mapstructure:"fusion_k"`
	ScopePenalty       float64       `mapstructure:"scope_penalty"`
	MinEvidence        int           `mapstructure:"min_evidence"`
	SinkBuffer         int           `mapstructure:"sink_buffer"`
}

// PolicyConfig points at the scope-authorization rego bundle.
type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig is the HTTP surface.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

// TracingConfig mirrors tracing.Config for file-based configuration.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoggingConfig controls zap setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Config is the full orchestrator configuration.
type Config struct {
	Backend       BackendConfig       `mapstructure:"backend"`
	Profile       ProfileConfig       `mapstructure:"profile"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Server        ServerConfig        `mapstructure:"server"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.primary_url", "http://localhost:8000")
	v.SetDefault("backend.secondary_url", "http://rag-engine:8000")
	v.SetDefault("backend.health_path", "/health")
	v.SetDefault("backend.probe_timeout", 300*time.Millisecond)
	v.SetDefault("backend.decision_ttl", 20*time.Second)
	v.SetDefault("backend.forced_backend", "")

	v.SetDefault("profile.cartridge_dir", "config/cartridges")
	v.SetDefault("profile.default_profile_id", "base")
	v.SetDefault("profile.cache_ttl", 60*time.Second)
	v.SetDefault("profile.override_cache_ttl", 30*time.Second)
	v.SetDefault("profile.hot_reload", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.database", "normlens")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.rate_per_second", 10)
	v.SetDefault("llm.rate_burst", 20)

	v.SetDefault("orchestration.run_deadline", 45*time.Second)
	v.SetDefault("orchestration.sub_query_timeout", 8*time.Second)
	v.SetDefault("orchestration.max_sub_queries", 4)
	v.SetDefault("orchestration.max_iterations", 2)
	v.SetDefault("orchestration.fusion_k", 60)
	v.SetDefault("orchestration.scope_penalty", 0.35)
	v.SetDefault("orchestration.min_evidence", 3)
	v.SetDefault("orchestration.sink_buffer", 1024)

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.path", "config/policies/scope.rego")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.metrics_addr", ":9091")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnv wires the documented environment knobs onto config keys. The backend
// resolver's surface keeps the names the deployment scripts already use.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("backend.primary_url", "RAG_ENGINE_LOCAL_URL")
	_ = v.BindEnv("backend.secondary_url", "RAG_ENGINE_DOCKER_URL")
	_ = v.BindEnv("backend.health_path", "RAG_BACKEND_HEALTH_PATH")
	_ = v.BindEnv("backend.forced_backend", "RAG_FORCE_BACKEND")
	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.database", "DB_NAME")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("llm.base_url", "LLM_SERVICE_URL")
	_ = v.BindEnv("server.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("tracing.otlp_endpoint", "OTLP_ENDPOINT")
}

// Load reads configuration from CONFIG_PATH (or config/orchestrator.yaml when
// present) with environment overrides. A missing file is not fatal; defaults
// plus env cover a bare deployment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The documented knobs are numeric (ms / seconds); accept bare numbers.
	if cfg.Backend.ProbeTimeout < time.Millisecond {
		cfg.Backend.ProbeTimeout = cfg.Backend.ProbeTimeout * time.Millisecond
	}
	if cfg.Backend.DecisionTTL < time.Millisecond && cfg.Backend.DecisionTTL > 0 {
		cfg.Backend.DecisionTTL = cfg.Backend.DecisionTTL * time.Second
	}
	// These two env knobs are bare integers, not duration strings, so they
	// are parsed here rather than bound through viper's duration hook.
	if raw := os.Getenv("RAG_BACKEND_PROBE_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("RAG_BACKEND_PROBE_TIMEOUT_MS: %w", err)
		}
		cfg.Backend.ProbeTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("RAG_BACKEND_TTL_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("RAG_BACKEND_TTL_SECONDS: %w", err)
		}
		cfg.Backend.DecisionTTL = time.Duration(secs) * time.Second
	}
	if cfg.Orchestration.MaxSubQueries <= 0 {
		cfg.Orchestration.MaxSubQueries = 4
	}
	if cfg.Orchestration.MaxIterations <= 0 {
		cfg.Orchestration.MaxIterations = 2
	}
	return &cfg, nil
}
