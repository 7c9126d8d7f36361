// Package config validates the process environment once at startup and
// produces a single Config value handed to every other component.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/logging"
)

// Config holds validated environment configuration for the chat server.
type Config struct {
	Port string

	IdleTimeoutSeconds int
	MaxChatHistory     int

	RequirePrivateRoomPassword bool

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	GoEnv    string
	LogLevel string
}

// Development reports whether GoEnv selects the development logging profile.
func (c *Config) Development() bool {
	return c.GoEnv == "development"
}

// ValidateEnv reads and validates every environment variable the server
// consumes, collecting all problems before returning rather than failing on
// the first one encountered.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var problems []string

	cfg.Port = getEnvOrDefault("PORT", "7777")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	idleRaw := getEnvOrDefault("IDLE_TIMEOUT_SECONDS", "300")
	idle, err := strconv.Atoi(idleRaw)
	if err != nil || idle < 0 {
		problems = append(problems, fmt.Sprintf("IDLE_TIMEOUT_SECONDS must be a non-negative integer (got %q)", idleRaw))
	}
	cfg.IdleTimeoutSeconds = idle

	maxHistRaw := getEnvOrDefault("MAX_CHAT_HISTORY", "50")
	maxHist, err := strconv.Atoi(maxHistRaw)
	if err != nil || maxHist < 1 {
		problems = append(problems, fmt.Sprintf("MAX_CHAT_HISTORY must be a positive integer (got %q)", maxHistRaw))
	}
	cfg.MaxChatHistory = maxHist

	cfg.RequirePrivateRoomPassword = os.Getenv("REQUIRE_PRIVATE_ROOM_PASSWORD") == "true"

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			problems = append(problems, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.Int("idle_timeout_seconds", cfg.IdleTimeoutSeconds),
		zap.Int("max_chat_history", cfg.MaxChatHistory),
		zap.Bool("require_private_room_password", cfg.RequirePrivateRoomPassword),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", redactAddr(cfg.RedisEnabled, cfg.RedisAddr)),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func redactAddr(enabled bool, addr string) string {
	if !enabled {
		return ""
	}
	return addr
}
