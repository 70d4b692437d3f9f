// Package config provides configuration management for the Ariana controller.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the controller process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Sprites  SpritesConfig  `mapstructure:"sprites"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Seed     SeedConfig     `mapstructure:"seed"`
	Instance InstanceConfig `mapstructure:"instance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default, file or :memory:) or
// "postgres" (pgx stdlib driver).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite only
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PoolConfig bounds the machine pool.
type PoolConfig struct {
	MaxActiveMachines int `mapstructure:"maxActiveMachines"`
	// QueuePerUser caps how many reservation requests a single user may have
	// waiting in the retry queue.
	QueuePerUser int `mapstructure:"queuePerUser"`
	// Provider selects the machine backend: "sprites", "docker" or "fake".
	Provider string `mapstructure:"provider"`
}

// SpritesConfig holds credentials and naming for the Sprites VM backend.
type SpritesConfig struct {
	Token string `mapstructure:"token"`
	// NamePrefix namespaces sprite names so several deployments can share
	// one Sprites account.
	NamePrefix string `mapstructure:"namePrefix"`
	// AgentdPath is the local path to the agentd binary uploaded into
	// fresh sprites at boot.
	AgentdPath string `mapstructure:"agentdPath"`
}

// DockerConfig holds settings for the Docker machine backend, used for
// local development and CI.
type DockerConfig struct {
	Host          string `mapstructure:"host"` // empty means the SDK default
	Image         string `mapstructure:"image"`
	Network       string `mapstructure:"network"`
	MemoryLimitMB int64  `mapstructure:"memoryLimitMb"`
	CPUQuota      int64  `mapstructure:"cpuQuota"` // microseconds per 100ms period, 0 = unlimited
}

// QuotaConfig holds the per-user and per-IP admission limits.
type QuotaConfig struct {
	AgentsPerMinute int `mapstructure:"agentsPerMinute"`
	AgentsPerHour   int `mapstructure:"agentsPerHour"`
	AgentsPerDay    int `mapstructure:"agentsPerDay"`
	AgentsPerMonth  int `mapstructure:"agentsPerMonth"`
	IPPerMinute     int `mapstructure:"ipPerMinute"`
	IPPerHour       int `mapstructure:"ipPerHour"`
}

// SnapshotConfig holds object-store and retention settings for VM snapshots.
type SnapshotConfig struct {
	Endpoint      string `mapstructure:"endpoint"` // S3-compatible endpoint (R2)
	Bucket        string `mapstructure:"bucket"`
	AccessKeyID   string `mapstructure:"accessKeyId"`
	SecretKey     string `mapstructure:"secretKey"`
	Region        string `mapstructure:"region"`
	ChunkSizeMB   int    `mapstructure:"chunkSizeMb"`
	RetentionDays int    `mapstructure:"retentionDays"`
	PresignExpiry int    `mapstructure:"presignExpiry"` // in seconds
}

// WorkersConfig holds settings for talking to per-VM agentd workers.
type WorkersConfig struct {
	Port         int    `mapstructure:"port"`
	MasterSecret string `mapstructure:"masterSecret"`
	PollInterval int    `mapstructure:"pollInterval"` // in seconds
}

// GatewayConfig holds the port-domain TLS gateway settings.
type GatewayConfig struct {
	AdminURL   string `mapstructure:"adminUrl"`
	RootDomain string `mapstructure:"rootDomain"`
}

// SeedConfig points at an optional YAML file with default automations and
// environment bundles inserted at startup.
type SeedConfig struct {
	Path string `mapstructure:"path"`
}

// InstanceConfig identifies this controller replica. Scheduled jobs
// (auto-restore sweep, snapshot GC, queue drain) run only on worker index 0.
type InstanceConfig struct {
	WorkerIndex int `mapstructure:"workerIndex"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the worker poll interval as a time.Duration.
func (w *WorkersConfig) PollIntervalDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}

// ChunkSizeBytes returns the snapshot chunk size in bytes.
func (s *SnapshotConfig) ChunkSizeBytes() int64 {
	return int64(s.ChunkSizeMB) * 1024 * 1024
}

// Retention returns the snapshot retention window as a time.Duration.
func (s *SnapshotConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// PresignExpiryDuration returns the presigned URL lifetime as a time.Duration.
func (s *SnapshotConfig) PresignExpiryDuration() time.Duration {
	return time.Duration(s.PresignExpiry) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ARIANA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the process unless configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "ariana.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ariana")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ariana")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ariana-controller")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Pool defaults
	v.SetDefault("pool.maxActiveMachines", 50)
	v.SetDefault("pool.queuePerUser", 3)
	v.SetDefault("pool.provider", "fake")

	// Sprites defaults
	v.SetDefault("sprites.token", "")
	v.SetDefault("sprites.namePrefix", "ariana")
	v.SetDefault("sprites.agentdPath", "/usr/local/bin/agentd")

	// Docker defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.image", "ghcr.io/ariana-dot-dev/agent-vm:latest")
	v.SetDefault("docker.network", "bridge")
	v.SetDefault("docker.memoryLimitMb", 4096)
	v.SetDefault("docker.cpuQuota", 0)

	// Quota defaults
	v.SetDefault("quota.agentsPerMinute", 3)
	v.SetDefault("quota.agentsPerHour", 10)
	v.SetDefault("quota.agentsPerDay", 20)
	v.SetDefault("quota.agentsPerMonth", 30)
	v.SetDefault("quota.ipPerMinute", 6)
	v.SetDefault("quota.ipPerHour", 30)

	// Snapshot defaults
	v.SetDefault("snapshot.endpoint", "")
	v.SetDefault("snapshot.bucket", "ariana-snapshots")
	v.SetDefault("snapshot.accessKeyId", "")
	v.SetDefault("snapshot.secretKey", "")
	v.SetDefault("snapshot.region", "auto")
	v.SetDefault("snapshot.chunkSizeMb", 512)
	v.SetDefault("snapshot.retentionDays", 14)
	v.SetDefault("snapshot.presignExpiry", 3600)

	// Worker defaults
	v.SetDefault("workers.port", 8420)
	v.SetDefault("workers.masterSecret", "")
	v.SetDefault("workers.pollInterval", 2)

	// Gateway defaults - empty admin URL disables port-domain registration
	v.SetDefault("gateway.adminUrl", "")
	v.SetDefault("gateway.rootDomain", "apps.ariana.dev")

	// Seed defaults
	v.SetDefault("seed.path", "")

	// Instance defaults
	v.SetDefault("instance.workerIndex", 0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ARIANA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ariana/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ARIANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("pool.maxActiveMachines", "ARIANA_POOL_MAX_ACTIVE_MACHINES")
	_ = v.BindEnv("sprites.namePrefix", "ARIANA_SPRITES_NAME_PREFIX")
	_ = v.BindEnv("sprites.agentdPath", "ARIANA_SPRITES_AGENTD_PATH")
	_ = v.BindEnv("docker.memoryLimitMb", "ARIANA_DOCKER_MEMORY_LIMIT_MB")
	_ = v.BindEnv("docker.cpuQuota", "ARIANA_DOCKER_CPU_QUOTA")
	_ = v.BindEnv("workers.masterSecret", "ARIANA_WORKERS_MASTER_SECRET")
	_ = v.BindEnv("workers.pollInterval", "ARIANA_WORKERS_POLL_INTERVAL")
	_ = v.BindEnv("snapshot.accessKeyId", "ARIANA_SNAPSHOT_ACCESS_KEY_ID")
	_ = v.BindEnv("snapshot.secretKey", "ARIANA_SNAPSHOT_SECRET_KEY")
	_ = v.BindEnv("snapshot.chunkSizeMb", "ARIANA_SNAPSHOT_CHUNK_SIZE_MB")
	_ = v.BindEnv("snapshot.retentionDays", "ARIANA_SNAPSHOT_RETENTION_DAYS")
	_ = v.BindEnv("gateway.adminUrl", "ARIANA_GATEWAY_ADMIN_URL")
	_ = v.BindEnv("gateway.rootDomain", "ARIANA_GATEWAY_ROOT_DOMAIN")
	_ = v.BindEnv("instance.workerIndex", "ARIANA_INSTANCE_WORKER_INDEX", "WORKER_INDEX")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ariana/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Pool.MaxActiveMachines <= 0 {
		errs = append(errs, "pool.maxActiveMachines must be positive")
	}
	if cfg.Pool.QueuePerUser < 0 {
		errs = append(errs, "pool.queuePerUser must not be negative")
	}
	switch cfg.Pool.Provider {
	case "sprites":
		if cfg.Sprites.Token == "" {
			errs = append(errs, "sprites.token is required for the sprites provider")
		}
	case "docker":
		if cfg.Docker.Image == "" {
			errs = append(errs, "docker.image is required for the docker provider")
		}
	case "fake":
	default:
		errs = append(errs, "pool.provider must be one of: sprites, docker, fake")
	}

	if cfg.Quota.AgentsPerMonth <= 0 {
		errs = append(errs, "quota.agentsPerMonth must be positive")
	}

	if cfg.Snapshot.ChunkSizeMB <= 0 {
		errs = append(errs, "snapshot.chunkSizeMb must be positive")
	}
	if cfg.Snapshot.RetentionDays <= 0 {
		errs = append(errs, "snapshot.retentionDays must be positive")
	}

	if cfg.Workers.Port <= 0 || cfg.Workers.Port > 65535 {
		errs = append(errs, "workers.port must be between 1 and 65535")
	}
	if cfg.Workers.PollInterval <= 0 {
		errs = append(errs, "workers.pollInterval must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
