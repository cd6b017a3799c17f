package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Store        StoreConfig
	R2           R2Config
	Fleet        FleetConfig
	Orchestrator OrchestratorConfig
	Progress     ProgressConfig
	Reaper       ReaperConfig
	Auth         AuthConfig
	Gateway      GatewayConfig
	RateLimit    RateLimitConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string // "json" or "text"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig selects the job table backend.
type StoreConfig struct {
	Driver     string // "redis", "sqlite" or "memory"
	SQLitePath string
	Retention  time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PresignExpiry   time.Duration
}

// FleetConfig describes the external render fleet.
type FleetConfig struct {
	BaseURL       string
	APIKey        string
	RenderTimeout time.Duration // enforced by the fleet itself
	Codec         string
}

// OrchestratorConfig holds partitioning and dispatch tunables.
type OrchestratorConfig struct {
	MaxWorkers        int
	MinShard          int
	MaxShard          int
	DefaultFPS        int
	DefaultDurationMs int
	DispatchTimeout   time.Duration
	ProgressTimeout   time.Duration
	StorageTimeout    time.Duration
	WatchInitial      time.Duration
	WatchMax          time.Duration
}

type ProgressConfig struct {
	RenderWeight  float64
	EncodeWeight  float64
	CombineWeight float64
}

type ReaperConfig struct {
	StuckAfter time.Duration
	BatchSize  int
	LeaseTTL   time.Duration
	Interval   time.Duration
	LockFile   string
}

// AuthConfig covers service-to-service callers and the admin key.
type AuthConfig struct {
	JWTSecret  string
	JWKSIssuer string
	Audience   string
	AdminKey   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	StartPerMin int
}

func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("FLEET_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("ADMIN_API_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                     "SERVER_PORT",
		"server.env":                      "SERVER_ENV",
		"server.log_level":                "LOG_LEVEL",
		"server.log_format":               "LOG_FORMAT",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"redis.db":                        "REDIS_DB",
		"store.driver":                    "STORE_DRIVER",
		"store.sqlite_path":               "STORE_SQLITE_PATH",
		"store.retention":                 "STORE_RETENTION",
		"r2.account_id":                   "R2_ACCOUNT_ID",
		"r2.access_key_id":                "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":            "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":                  "R2_BUCKET_NAME",
		"r2.presign_expiry":               "R2_PRESIGN_EXPIRY",
		"fleet.base_url":                  "FLEET_BASE_URL",
		"fleet.api_key":                   "FLEET_API_KEY",
		"fleet.render_timeout":            "FLEET_RENDER_TIMEOUT",
		"fleet.codec":                     "FLEET_CODEC",
		"orchestrator.max_workers":        "ORCH_MAX_WORKERS",
		"orchestrator.min_shard":          "ORCH_MIN_SHARD",
		"orchestrator.max_shard":          "ORCH_MAX_SHARD",
		"orchestrator.default_fps":        "ORCH_DEFAULT_FPS",
		"orchestrator.default_duration":   "ORCH_DEFAULT_DURATION_MS",
		"orchestrator.dispatch_timeout":   "ORCH_DISPATCH_TIMEOUT",
		"orchestrator.progress_timeout":   "ORCH_PROGRESS_TIMEOUT",
		"orchestrator.storage_timeout":    "ORCH_STORAGE_TIMEOUT",
		"orchestrator.watch_initial":      "ORCH_WATCH_INITIAL",
		"orchestrator.watch_max":          "ORCH_WATCH_MAX",
		"progress.render_weight":          "PROGRESS_RENDER_WEIGHT",
		"progress.encode_weight":          "PROGRESS_ENCODE_WEIGHT",
		"progress.combine_weight":         "PROGRESS_COMBINE_WEIGHT",
		"reaper.stuck_after":              "REAPER_STUCK_AFTER",
		"reaper.batch_size":               "REAPER_BATCH_SIZE",
		"reaper.lease_ttl":                "REAPER_LEASE_TTL",
		"reaper.interval":                 "REAPER_INTERVAL",
		"reaper.lock_file":                "REAPER_LOCK_FILE",
		"auth.jwt_secret":                 "JWT_SECRET",
		"auth.jwks_issuer":                "JWKS_ISSUER",
		"auth.audience":                   "JWT_AUDIENCE",
		"auth.admin_key":                  "ADMIN_API_KEY",
		"gateway.enabled":                 "GATEWAY_ENABLED",
		"ratelimit.start_per_min":         "RATELIMIT_START_PER_MIN",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(v.GetString("store.driver")),
			SQLitePath: v.GetString("store.sqlite_path"),
			Retention:  v.GetDuration("store.retention"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PresignExpiry:   v.GetDuration("r2.presign_expiry"),
		},
		Fleet: FleetConfig{
			BaseURL:       v.GetString("fleet.base_url"),
			APIKey:        v.GetString("fleet.api_key"),
			RenderTimeout: v.GetDuration("fleet.render_timeout"),
			Codec:         v.GetString("fleet.codec"),
		},
		Orchestrator: OrchestratorConfig{
			MaxWorkers:        v.GetInt("orchestrator.max_workers"),
			MinShard:          v.GetInt("orchestrator.min_shard"),
			MaxShard:          v.GetInt("orchestrator.max_shard"),
			DefaultFPS:        v.GetInt("orchestrator.default_fps"),
			DefaultDurationMs: v.GetInt("orchestrator.default_duration"),
			DispatchTimeout:   v.GetDuration("orchestrator.dispatch_timeout"),
			ProgressTimeout:   v.GetDuration("orchestrator.progress_timeout"),
			StorageTimeout:    v.GetDuration("orchestrator.storage_timeout"),
			WatchInitial:      v.GetDuration("orchestrator.watch_initial"),
			WatchMax:          v.GetDuration("orchestrator.watch_max"),
		},
		Progress: ProgressConfig{
			RenderWeight:  v.GetFloat64("progress.render_weight"),
			EncodeWeight:  v.GetFloat64("progress.encode_weight"),
			CombineWeight: v.GetFloat64("progress.combine_weight"),
		},
		Reaper: ReaperConfig{
			StuckAfter: v.GetDuration("reaper.stuck_after"),
			BatchSize:  v.GetInt("reaper.batch_size"),
			LeaseTTL:   v.GetDuration("reaper.lease_ttl"),
			Interval:   v.GetDuration("reaper.interval"),
			LockFile:   v.GetString("reaper.lock_file"),
		},
		Auth: AuthConfig{
			JWTSecret:  v.GetString("auth.jwt_secret"),
			JWKSIssuer: v.GetString("auth.jwks_issuer"),
			Audience:   v.GetString("auth.audience"),
			AdminKey:   v.GetString("auth.admin_key"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			StartPerMin: v.GetInt("ratelimit.start_per_min"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "./data/render-jobs.db")
	v.SetDefault("store.retention", 7*24*time.Hour)

	v.SetDefault("r2.presign_expiry", 24*time.Hour)

	v.SetDefault("fleet.base_url", "http://localhost:8090")
	v.SetDefault("fleet.render_timeout", 15*time.Minute)
	v.SetDefault("fleet.codec", "h264")

	// Partitioning
	v.SetDefault("orchestrator.max_workers", 200)
	v.SetDefault("orchestrator.min_shard", 20)
	v.SetDefault("orchestrator.max_shard", 1800)
	v.SetDefault("orchestrator.default_fps", 30)
	v.SetDefault("orchestrator.default_duration", 5000)
	v.SetDefault("orchestrator.dispatch_timeout", 20*time.Second)
	v.SetDefault("orchestrator.progress_timeout", 10*time.Second)
	v.SetDefault("orchestrator.storage_timeout", 15*time.Second)
	v.SetDefault("orchestrator.watch_initial", 2*time.Second)
	v.SetDefault("orchestrator.watch_max", 30*time.Second)

	v.SetDefault("progress.render_weight", 0.6)
	v.SetDefault("progress.encode_weight", 0.3)
	v.SetDefault("progress.combine_weight", 0.1)

	v.SetDefault("reaper.stuck_after", 30*time.Minute)
	v.SetDefault("reaper.batch_size", 100)
	v.SetDefault("reaper.lease_ttl", 2*time.Minute)
	v.SetDefault("reaper.interval", 5*time.Minute)
	v.SetDefault("reaper.lock_file", "./data/reaper.lock")

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.start_per_min", 30)
}
