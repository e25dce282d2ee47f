package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the deployment service
type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	SSH        SSHConfig
	Deploy     DeployConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// SSHConfig holds remote channel configuration
type SSHConfig struct {
	KeyPath        string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// DeployConfig holds the GPU negotiation and provisioning knobs
type DeployConfig struct {
	ServerPort      int
	MaxAttempts     int
	UtilDelta       float64
	UtilCeiling     float64
	UtilFloor       float64
	UtilCap         float64
	UtilDefault     float64
	AttemptTimeout  time.Duration
	ReadyTimeout    time.Duration
	StallTimeout    time.Duration
	CompileTimeout  time.Duration
	InstallTimeout  time.Duration
	InstallPoll     time.Duration
	FallbackWindow  time.Duration
	LogEncryptKey   string
	LogRetention    time.Duration
}

// MonitoringConfig holds metrics and logging configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "0s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		SSH: SSHConfig{
			KeyPath:        getEnv("SSH_KEY_PATH", filepath.Join(home, ".ssh", "deployd_ed25519")),
			ConnectTimeout: getEnvAsDuration("SSH_CONNECT_TIMEOUT", "15s"),
			CommandTimeout: getEnvAsDuration("SSH_COMMAND_TIMEOUT", "30s"),
		},
		Deploy: DeployConfig{
			ServerPort:     getEnvAsInt("VLLM_PORT", 8000),
			MaxAttempts:    getEnvAsInt("DEPLOY_MAX_ATTEMPTS", 4),
			UtilDelta:      getEnvAsFloat("DEPLOY_UTIL_DELTA", 0.05),
			UtilCeiling:    getEnvAsFloat("DEPLOY_UTIL_CEILING", 0.95),
			UtilFloor:      getEnvAsFloat("DEPLOY_UTIL_FLOOR", 0.30),
			UtilCap:        getEnvAsFloat("DEPLOY_UTIL_CAP", 0.85),
			UtilDefault:    getEnvAsFloat("DEPLOY_UTIL_DEFAULT", 0.75),
			AttemptTimeout: getEnvAsDuration("DEPLOY_ATTEMPT_TIMEOUT", "15m"),
			ReadyTimeout:   getEnvAsDuration("DEPLOY_READY_TIMEOUT", "900s"),
			StallTimeout:   getEnvAsDuration("DEPLOY_STALL_TIMEOUT", "300s"),
			CompileTimeout: getEnvAsDuration("DEPLOY_COMPILE_STALL_TIMEOUT", "480s"),
			InstallTimeout: getEnvAsDuration("DEPLOY_INSTALL_TIMEOUT", "20m"),
			InstallPoll:    getEnvAsDuration("DEPLOY_INSTALL_POLL", "10s"),
			FallbackWindow: getEnvAsDuration("DEPLOY_FALLBACK_WINDOW", "120s"),
			LogEncryptKey:  getEnv("DEPLOY_LOG_ENCRYPT_KEY", ""),
			LogRetention:   getEnvAsDuration("DEPLOY_LOG_RETENTION", "24h"),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
