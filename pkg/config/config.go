// Package config builds the single Configuration value the engine is
// wired from, following the teacher's "one Config struct read once at
// startup" idiom (see pkg/database/config.go's LoadConfigFromEnv in the
// teacher repo).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the umbrella value passed by reference to every Runner
// component. It is built once, at process startup, from environment
// variables — spec §6/§9: "one Configuration value built at Runner
// startup and passed by reference."
type Config struct {
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	MultiprocessThreshold int
	MinUsersPerProcess    int

	UploadDir string
	DataDir   string
	LogDir    string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration

	DrainTimeout time.Duration

	PollInterval            time.Duration
	HeartbeatTimeout        time.Duration
	GracefulShutdownTimeout time.Duration

	// FailureRateFloor is the success-rate floor (as a fraction, e.g.
	// 0.95) below which a clean scheduler exit is reported as
	// FAILED_REQUESTS instead of COMPLETED. Default 0: always COMPLETED
	// on a clean exit (spec §9, Open Question).
	FailureRateFloor float64

	HTTPPort string

	// RunnerBinaryPath is the executable the Dispatcher launches one
	// subprocess of per claimed task (cmd/runner). Defaults to a
	// "runner" binary alongside the Dispatcher's own executable.
	RunnerBinaryPath string
}

// LoadFromEnv loads configuration from environment variables with
// validation and production-ready defaults, mirroring the teacher's
// pkg/database/config.go LoadConfigFromEnv/Validate split.
func LoadFromEnv() (*Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	multiThreshold, err := strconv.Atoi(getEnvOrDefault("MULTIPROCESS_THRESHOLD", "1000"))
	if err != nil {
		return nil, fmt.Errorf("invalid MULTIPROCESS_THRESHOLD: %w", err)
	}

	minPerProcess, err := strconv.Atoi(getEnvOrDefault("MIN_USERS_PER_PROCESS", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_USERS_PER_PROCESS: %w", err)
	}

	failureFloor, err := strconv.ParseFloat(getEnvOrDefault("FAILURE_RATE_FLOOR", "0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid FAILURE_RATE_FLOOR: %w", err)
	}

	maxOpen, err := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg := &Config{
		DBHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:     port,
		DBUser:     getEnvOrDefault("DB_USER", "lmeterx"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnvOrDefault("DB_NAME", "lmeterx"),
		DBSSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),

		DBMaxOpenConns:    maxOpen,
		DBMaxIdleConns:    maxIdle,
		DBConnMaxLifetime: mustDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h")),
		DBConnMaxIdleTime: mustDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m")),

		MultiprocessThreshold: multiThreshold,
		MinUsersPerProcess:    minPerProcess,

		UploadDir: getEnvOrDefault("UPLOAD_DIR", "./data/uploads"),
		DataDir:   getEnvOrDefault("DATA_DIR", "./data"),
		LogDir:    getEnvOrDefault("LOG_DIR", "./logs"),

		ConnectTimeout: mustDuration(getEnvOrDefault("CONNECT_TIMEOUT", "30s")),
		ReadTimeout:    mustDuration(getEnvOrDefault("READ_TIMEOUT", "120s")),
		TotalTimeout:   mustDuration(getEnvOrDefault("TOTAL_TIMEOUT", "180s")),
		DrainTimeout:   mustDuration(getEnvOrDefault("DRAIN_TIMEOUT", "30s")),

		PollInterval:            mustDuration(getEnvOrDefault("POLL_INTERVAL", "5s")),
		HeartbeatTimeout:        mustDuration(getEnvOrDefault("HEARTBEAT_TIMEOUT", "60s")),
		GracefulShutdownTimeout: mustDuration(getEnvOrDefault("GRACEFUL_SHUTDOWN_TIMEOUT", "60s")),

		FailureRateFloor: failureFloor,

		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),

		RunnerBinaryPath: getEnvOrDefault("RUNNER_BINARY_PATH", defaultRunnerBinaryPath()),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.MultiprocessThreshold < 1 {
		return fmt.Errorf("MULTIPROCESS_THRESHOLD must be at least 1")
	}
	if c.MinUsersPerProcess < 1 {
		return fmt.Errorf("MIN_USERS_PER_PROCESS must be at least 1")
	}
	if c.FailureRateFloor < 0 || c.FailureRateFloor > 1 {
		return fmt.Errorf("FAILURE_RATE_FLOOR must be between 0 and 1")
	}
	if c.DBMaxOpenConns > 0 && c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)", c.DBMaxIdleConns, c.DBMaxOpenConns)
	}
	return nil
}

// defaultRunnerBinaryPath looks for a "runner" binary next to whatever
// executable is currently running (cmd/dispatcher in production),
// falling back to a bare name resolved via PATH.
func defaultRunnerBinaryPath() string {
	self, err := os.Executable()
	if err != nil {
		return "runner"
	}
	return filepath.Join(filepath.Dir(self), "runner")
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		// Defaults above are all valid; a bad override yields a zero
		// duration rather than crashing config load.
		return 0
	}
	return d
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
