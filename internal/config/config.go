// Package config loads daemon and agent configuration from the environment
// and the optional security policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration for the gantryd daemon.
type Config struct {
	// Server settings
	Host        string
	Port        int
	BaseHost    string // hostname (optionally host:port) preview URLs are built from
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Sandbox containers
	Runtime          string // "docker" or "mock"
	DockerHost       string // overrides the docker connection, empty = resolve
	SandboxImage     string
	ControlPlanePort int
	StartTimeout     time.Duration
	SleepAfter       time.Duration
	IdleInterval     time.Duration
	KillGrace        time.Duration
	MaxLogBuffer     int
	GitAllowedHosts  []string

	// Streaming supervision
	StreamHangTimeout    time.Duration
	StreamHealthInterval time.Duration
	ActivityThrottle     time.Duration

	// Security policy file (optional, hot-reloaded)
	PolicyFile string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// DevMode relaxes preview-host checks for local development.
	DevMode bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Host = getEnv("HOST", "0.0.0.0")
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.BaseHost = getEnv("BASE_HOST", fmt.Sprintf("localhost:%d", cfg.Port))
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"*"})

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", defaultDatabaseDSN())
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Sandbox containers
	cfg.Runtime = getEnv("SANDBOX_RUNTIME", "docker")
	cfg.DockerHost = getEnv("DOCKER_HOST_OVERRIDE", "")
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "ghcr.io/gantrylabs/gantry-box:latest")
	cfg.ControlPlanePort = getEnvInt("SANDBOX_CONTROL_PLANE_PORT", 3000)
	cfg.StartTimeout = getEnvDuration("SANDBOX_START_TIMEOUT", 30*time.Second)
	cfg.SleepAfter = getEnvDuration("SLEEP_AFTER", 3*time.Minute)
	cfg.IdleInterval = getEnvDuration("IDLE_CHECK_INTERVAL", 30*time.Second)
	cfg.KillGrace = getEnvDuration("KILL_GRACE", 5*time.Second)
	cfg.MaxLogBuffer = getEnvInt("MAX_LOG_BUFFER", 1024*1024)
	cfg.GitAllowedHosts = getEnvList("GIT_ALLOWED_HOSTS", nil)

	// Streaming supervision
	cfg.StreamHangTimeout = getEnvDuration("STREAM_HANG_TIMEOUT", 5*time.Minute)
	cfg.StreamHealthInterval = getEnvDuration("STREAM_HEALTH_INTERVAL", 30*time.Second)
	cfg.ActivityThrottle = getEnvDuration("ACTIVITY_THROTTLE", 5*time.Second)

	// Policy
	cfg.PolicyFile = getEnv("POLICY_FILE", "")

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "")

	// Development
	cfg.DevMode = getEnvBool("DEV_MODE", false)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in [1, 65535], got %d", c.Port)
	}
	if c.ControlPlanePort < 1024 || c.ControlPlanePort > 65535 {
		return fmt.Errorf("SANDBOX_CONTROL_PLANE_PORT must be in [1024, 65535], got %d", c.ControlPlanePort)
	}
	if c.ControlPlanePort == c.Port {
		return fmt.Errorf("SANDBOX_CONTROL_PLANE_PORT must differ from PORT (%d)", c.Port)
	}
	switch c.Runtime {
	case "docker", "mock":
	default:
		return fmt.Errorf("SANDBOX_RUNTIME must be docker or mock, got %q", c.Runtime)
	}
	if c.BaseHost == "" {
		return fmt.Errorf("BASE_HOST must not be empty")
	}
	if c.SleepAfter <= 0 {
		return fmt.Errorf("SLEEP_AFTER must be positive, got %s", c.SleepAfter)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("SANDBOX_START_TIMEOUT must be positive, got %s", c.StartTimeout)
	}
	if c.MaxLogBuffer < 4096 {
		return fmt.Errorf("MAX_LOG_BUFFER must be at least 4096 bytes, got %d", c.MaxLogBuffer)
	}
	return nil
}

// AgentConfig holds configuration for the in-container agent, injected by
// the daemon through the container environment.
type AgentConfig struct {
	ControlPlanePort int
	SandboxID        string
	WorkspaceRoot    string
	KillGrace        time.Duration
	MaxLogBuffer     int
	GitAllowedHosts  []string
	LogLevel         string
	LogFormat        string
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ControlPlanePort: getEnvInt("SANDBOX_CONTROL_PLANE_PORT", 3000),
		SandboxID:        getEnv("SANDBOX_ID", ""),
		WorkspaceRoot:    getEnv("WORKSPACE_ROOT", "/workspace"),
		KillGrace:        getEnvDuration("KILL_GRACE", 5*time.Second),
		MaxLogBuffer:     getEnvInt("MAX_LOG_BUFFER", 1024*1024),
		GitAllowedHosts:  getEnvList("GIT_ALLOWED_HOSTS", nil),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}

	if cfg.ControlPlanePort < 1024 || cfg.ControlPlanePort > 65535 {
		return nil, fmt.Errorf("SANDBOX_CONTROL_PLANE_PORT must be in [1024, 65535], got %d", cfg.ControlPlanePort)
	}
	if !strings.HasPrefix(cfg.WorkspaceRoot, "/") {
		return nil, fmt.Errorf("WORKSPACE_ROOT must be absolute, got %q", cfg.WorkspaceRoot)
	}
	return cfg, nil
}

// defaultDatabaseDSN places the sqlite database under the XDG data
// directory, falling back to the working directory when that fails.
func defaultDatabaseDSN() string {
	path, err := xdg.DataFile("gantry/gantry.db")
	if err != nil {
		return "sqlite3://./gantry.db"
	}
	return "sqlite3://" + path
}

// detectDriver determines the database driver from DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DatabaseDSN for the driver.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
