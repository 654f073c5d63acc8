// Package config loads vmgate settings from the environment.
//
// A .env file in the working directory is honored for development; real
// deployments set the variables directly.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// General
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Redis (Asynq power-action worker)
	RedisAddr string

	// Console helper binaries, one per console-capable backend.
	ConsoleProxmoxBin string
	ConsoleLibvirtBin string

	// Timeouts for backend network operations. Expiry surfaces as an
	// unreachable error, never an indefinitely blocked caller.
	LoadTimeout  time.Duration
	PowerTimeout time.Duration
	OpenTimeout  time.Duration

	// Grace period between SIGTERM and SIGKILL when closing a console helper.
	ConsoleKillGrace time.Duration

	// EnableDebugProvider registers the in-process debug backend.
	EnableDebugProvider bool
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env:                 getEnv("ENV", "development"),
		Version:             getEnv("VERSION", "0.1.0"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		ConsoleProxmoxBin:   getEnv("VMGATE_CONSOLE_PROXMOX_BIN", "vmgate-console-proxmox"),
		ConsoleLibvirtBin:   getEnv("VMGATE_CONSOLE_LIBVIRT_BIN", "vmgate-console-libvirt"),
		LoadTimeout:         getEnvAsDuration("VMGATE_LOAD_TIMEOUT", 30*time.Second),
		PowerTimeout:        getEnvAsDuration("VMGATE_POWER_TIMEOUT", 30*time.Second),
		OpenTimeout:         getEnvAsDuration("VMGATE_OPEN_TIMEOUT", 20*time.Second),
		ConsoleKillGrace:    getEnvAsDuration("VMGATE_CONSOLE_KILL_GRACE", 5*time.Second),
		EnableDebugProvider: getEnvAsBool("VMGATE_DEBUG_PROVIDER", false),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
