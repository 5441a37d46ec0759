package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the process-wide settings spec §6 names under "Process
// environment", plus the ambient server settings (port, log level, CORS,
// Redis for the asynq worker) the teacher's own config.go carries.
type Config struct {
	// Server
	Port      int
	Env       string
	LogLevel  string
	LogFormat string

	// DataDir is the root of the per-install state tree: the host-key
	// file, the activity log, and the opkssh config directory all live
	// under it. Required, per spec §6.
	DataDir string

	// Origin is this process's own public base URL, used to build the
	// opkssh browser-chooser and OAuth callback URLs, per spec §4.6.
	Origin string

	// InternalAuthToken authenticates POST /activity/log, per spec §6.
	InternalAuthToken string

	// JWTSecret and DatabaseKey are consumed by the external collaborators
	// (AuthVerifier, CredentialStore), not by the core itself, per spec §6.
	JWTSecret   string
	DatabaseKey string

	// Redis
	RedisURL  string
	RedisAddr string // host:port form for asynq/go-redis

	// CORS
	CORSAllowedOrigins []string
}

// Load reads Config from the environment, loading a .env file first if
// present (godotenv), in the teacher's own config-loading idiom.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		DataDir:            getEnv("DATA_DIR", ""),
		Origin:             getEnv("ORIGIN", "http://localhost:8080"),
		InternalAuthToken:  getEnv("INTERNAL_AUTH_TOKEN", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		DatabaseKey:        getEnv("DATABASE_KEY", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}

	cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DATA_DIR is required")
	}

	return cfg, nil
}

// OPKConfigDir is $DATA_DIR/.opk, per spec §6.
func (c *Config) OPKConfigDir() string { return filepath.Join(c.DataDir, ".opk") }

// OPKConfigPath is $DATA_DIR/.opk/config.yml, per spec §4.6.
func (c *Config) OPKConfigPath() string { return filepath.Join(c.OPKConfigDir(), "config.yml") }

// HostKeyDir is the path, under DataDir, of the single TOFU host-key file
// that hostkey.Store keeps for every user.
func (c *Config) HostKeyDir() string { return filepath.Join(c.DataDir, "hostkeys") }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	current := ""
	for _, char := range valueStr {
		if char == ',' {
			if current != "" {
				result = append(result, current)
				current = ""
			}
		} else {
			current += string(char)
		}
	}
	if current != "" {
		result = append(result, current)
	}

	return result
}

// parseRedisAddr extracts host:port from a Redis URL.
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
