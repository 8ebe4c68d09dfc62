package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Security SecurityConfig `yaml:"security"`
	Gitea    GiteaConfig    `yaml:"gitea"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// AllowOrigins limits CORS; empty allows any origin.
	AllowOrigins []string `yaml:"allow_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig for the optional cross-process drain queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// AdminConfig is the account seeded on first start.
type AdminConfig struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// GiteaConfig describes the remote Git-hosting service.
type GiteaConfig struct {
	Enabled                   bool          `yaml:"enabled"`
	BaseURL                   string        `yaml:"base_url"`
	AdminToken                string        `yaml:"admin_token"`
	Timeout                   time.Duration `yaml:"timeout"`
	HeavyTimeout              time.Duration `yaml:"heavy_timeout"`
	RequestsPerSecond         float64       `yaml:"requests_per_second"`
	Burst                     int           `yaml:"burst"`
	MaxAttempts               int           `yaml:"max_attempts"`
	InitialBackoff            time.Duration `yaml:"initial_backoff"`
	MergeMethod               string        `yaml:"merge_method"` // merge, rebase, squash
	DeleteBranchAfterMerge    bool          `yaml:"delete_branch_after_merge"`
	DefaultBranch             string        `yaml:"default_branch"`
	SyncPasswords             bool          `yaml:"sync_passwords"`
	DeleteRepoOnProjectDelete bool          `yaml:"delete_repo_on_project_delete"`
}

type WorkerConfig struct {
	Shards           int           `yaml:"shards"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	MaxDeliveries    int           `yaml:"max_deliveries"` // attempts per event before it is marked failed
	RelaySpec        string        `yaml:"relay_spec"`
	CommitSyncSpec   string        `yaml:"commit_sync_spec"`
	LogRetentionDays int           `yaml:"log_retention_days"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Unmarshal over the defaults so a partial file keeps sane values.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "themanager.db",
		},
		JWT: JWTConfig{
			Secret:     "themanager-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Admin: AdminConfig{
			Username: "admin",
			Email:    "admin@localhost",
			Password: "admin123",
		},
		Security: SecurityConfig{
			SecretKey: "themanager-sealing-key-change-in-production",
		},
		Gitea: GiteaConfig{
			Enabled:           false,
			BaseURL:           "http://localhost:3000",
			Timeout:           10 * time.Second,
			HeavyTimeout:      30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MergeMethod:       "merge",
			DefaultBranch:     "main",
		},
		Worker: WorkerConfig{
			Shards:           8,
			LeaseTTL:         2 * time.Minute,
			MaxDeliveries:    5,
			RelaySpec:        "@every 30s",
			CommitSyncSpec:   "@every 10m",
			LogRetentionDays: 30,
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Gitea.MergeMethod {
	case "merge", "rebase", "squash":
	default:
		return fmt.Errorf("unsupported merge method: %s", c.Gitea.MergeMethod)
	}
	if c.Gitea.Enabled && strings.TrimSpace(c.Gitea.BaseURL) == "" {
		return fmt.Errorf("gitea.base_url is required when gitea is enabled")
	}
	if c.Gitea.MaxAttempts < 1 {
		c.Gitea.MaxAttempts = 1
	}
	if c.Worker.Shards < 1 {
		c.Worker.Shards = 1
	}
	if c.Worker.MaxDeliveries < 1 {
		c.Worker.MaxDeliveries = 1
	}
	if c.Worker.LeaseTTL <= 0 {
		c.Worker.LeaseTTL = 2 * time.Minute
	}
	if budget := c.Gitea.AutomationBudget(); c.Gitea.Enabled && c.Worker.LeaseTTL < budget {
		return fmt.Errorf("worker.lease_ttl %s is shorter than one merge run (%s)", c.Worker.LeaseTTL, budget)
	}
	return nil
}

// AutomationBudget is the nominal time a merge run spends on remote calls:
// the retried repository reads, the retried stale PR close, the create and
// the merge. Backoff waits grow by 1.5x up to ten times the first one.
func (g GiteaConfig) AutomationBudget() time.Duration {
	attempts := g.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retried := time.Duration(attempts) * g.Timeout
	wait, ceiling := g.InitialBackoff, 10*g.InitialBackoff
	for i := 1; i < attempts; i++ {
		retried += wait
		if wait = wait * 3 / 2; wait > ceiling {
			wait = ceiling
		}
	}
	return 2*retried + g.Timeout + g.HeavyTimeout
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if origins := os.Getenv("CORS_ALLOW_ORIGINS"); origins != "" {
		c.Server.AllowOrigins = strings.Split(origins, ",")
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		c.Admin.Password = pw
	}
	if key := os.Getenv("SECRET_KEY"); key != "" {
		c.Security.SecretKey = key
	}
	if baseURL := os.Getenv("GITEA_BASE_URL"); baseURL != "" {
		c.Gitea.Enabled = true
		c.Gitea.BaseURL = baseURL
	}
	if token := os.Getenv("GITEA_ADMIN_TOKEN"); token != "" {
		c.Gitea.AdminToken = token
	}
	if method := os.Getenv("GITEA_MERGE_METHOD"); method != "" {
		c.Gitea.MergeMethod = method
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}
