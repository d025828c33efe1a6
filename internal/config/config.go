// Package config loads rssbot's configuration from the two-file dotenv
// scheme: .env.default provides defaults, an optional .env overrides them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BotIdentity names one of the three publishing identities rssbot can post
// as. The zero value is not a valid identity.
type BotIdentity string

const (
	BotFree    BotIdentity = "free"
	BotPaywall BotIdentity = "paywall"
	BotBot     BotIdentity = "bot"
)

// Config holds all application configuration, loaded once at startup.
type Config struct {
	Database DatabaseConfig
	Lemmy    LemmyConfig
	App      AppConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// DatabaseConfig holds Postgres connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// LemmyConfig holds the publishing-server identity and throttling settings
// named in spec.md §6.
type LemmyConfig struct {
	Server           string
	Usernames        map[BotIdentity]string
	AdditionalMods   []string
	DefaultCommunity string
	RequestDelay     time.Duration
	HTTPTimeout      time.Duration
	TokenDir         string
}

// AppConfig holds general scheduler configuration.
type AppConfig struct {
	UserAgent string
}

// LogConfig controls the three logging destinations named in spec.md §7.
type LogConfig struct {
	Level string
	Dir   string
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Addr string
}

// Load reads .env.default (without overriding already-set variables) and
// then .env (overriding), matching original_source/config.py's precedence,
// and builds a Config from the resulting environment.
func Load() (*Config, error) {
	if path, err := findDotenv(".env.default"); err == nil {
		_ = godotenv.Load(path)
	}
	if path, err := findDotenv(".env"); err == nil {
		if overrides, err := godotenv.Read(path); err == nil {
			for k, v := range overrides {
				os.Setenv(k, v)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "rssbot"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Lemmy: LemmyConfig{
			Server: getEnv("LEMMY_SERVER", ""),
			Usernames: map[BotIdentity]string{
				BotFree:    getEnv("LEMMY_FREE_BOT", ""),
				BotPaywall: getEnv("LEMMY_PAYWALL_BOT", ""),
				BotBot:     getEnv("LEMMY_BOT_BOT", ""),
			},
			AdditionalMods:   getEnvStringSlice("LEMMY_ADDITIONAL_MODS", nil),
			DefaultCommunity: getEnv("LEMMY_COMMUNITY", ""),
			RequestDelay:     getEnvDurationSeconds("REQUEST_DELAY", 2*time.Second),
			HTTPTimeout:      getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
			TokenDir:         getEnv("LEMMY_TOKEN_DIR", "."),
		},
		App: AppConfig{
			UserAgent: getEnv("USER_AGENT", "Lemmy RSSBot"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			Dir:   getEnv("LOG_DIR", "./logs"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9108"),
		},
	}

	if cfg.Lemmy.Server == "" {
		return nil, fmt.Errorf("config: LEMMY_SERVER is required")
	}

	return cfg, nil
}

// TokenFilePath returns the path to the persisted JWT for a given identity,
// following the {server}_{user}_token.json naming of
// original_source/lemmy.py's TOKEN_FILE_TEMPLATE (pickle there, JSON here
// per spec.md §9's Design Note).
func (c *LemmyConfig) TokenFilePath(identity BotIdentity) string {
	user := c.Usernames[identity]
	return filepath.Join(c.TokenDir, fmt.Sprintf("%s_%s_token.json", sanitizeServerForFilename(c.Server), user))
}

// sanitizeServerForFilename strips any scheme and replaces path separators,
// so a Server value that is a bare hostname (production) or a full test
// server URL (e.g. http://127.0.0.1:port, used in tests) both yield a
// single valid path component.
func sanitizeServerForFilename(server string) string {
	if i := strings.Index(server, "://"); i >= 0 {
		server = server[i+3:]
	}
	return strings.NewReplacer("/", "_", ":", "_").Replace(server)
}

// GetConnectionString returns a lib/pq connection string.
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func findDotenv(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	return "", fmt.Errorf("config: %s not found", name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvDurationSeconds parses a bare integer number of seconds (matching
// original_source/config.py's `int(os.getenv('REQUEST_DELAY'))`) but also
// accepts a Go duration string for operator convenience.
func getEnvDurationSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
