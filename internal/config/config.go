package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chatflow.ini"
	envPrefix        = "CHATFLOW_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for chatflowd.
type Config struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogMaxBytes int64
	LogLevel    string

	// Storage
	DatabaseDriver        string
	DatabaseDSN           string
	SQLitePath            string
	PGMaxOpen             int
	PGMaxIdle             int
	PGConnLifetimeMinutes int
	PGConnIdleMinutes     int

	// Upstream and relay
	BlockingTimeout   time.Duration
	StreamIdleTimeout time.Duration
	ConnectTimeout    time.Duration
	MaxLineBytes      int
	MaxMalformedRun   int

	SessionMaxTurns int

	// Recorder
	RecorderWorkers      int
	RecorderBuffer       int
	RecorderWriteTimeout time.Duration
	ShutdownTimeout      time.Duration

	RegistryFile string

	// Known-user cache
	UserCacheDriver string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	UserCacheTTL    time.Duration
	UserSource      string
}

// Debug reports whether debug logging is enabled.
func (c Config) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug")
}

// Load reads the active environment and merges setting.ini, the environment
// file and CHATFLOW_* variables, in increasing precedence.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key])
	}

	cfg := Config{
		Environment:           s.Environment,
		HTTPAddress:           firstNonEmpty(get("http_address"), ":8088"),
		LogFile:               get("log_file"),
		LogMaxBytes:           int64(parseOptionalInt(get("log_max_bytes"), 0)),
		LogLevel:              firstNonEmpty(get("log_level"), "info"),
		DatabaseDriver:        strings.ToLower(firstNonEmpty(get("database_driver"), "sqlite")),
		DatabaseDSN:           get("database_dsn"),
		SQLitePath:            firstNonEmpty(get("sqlite_path"), DefaultSQLitePath()),
		PGMaxOpen:             parseOptionalInt(get("pg_max_open"), 25),
		PGMaxIdle:             parseOptionalInt(get("pg_max_idle"), 5),
		PGConnLifetimeMinutes: parseOptionalInt(get("pg_conn_lifetime_minutes"), 30),
		PGConnIdleMinutes:     parseOptionalInt(get("pg_conn_idle_minutes"), 5),
		MaxLineBytes:          parseOptionalInt(get("max_line_bytes"), 1<<20),
		MaxMalformedRun:       parseOptionalInt(get("max_malformed_run"), 512),
		SessionMaxTurns:       parseOptionalInt(get("session_max_turns"), 50),
		RecorderWorkers:       parseOptionalInt(get("recorder_workers"), 4),
		RecorderBuffer:        parseOptionalInt(get("recorder_buffer"), 1024),
		RegistryFile:          get("registry_file"),
		UserCacheDriver:       strings.ToLower(firstNonEmpty(get("user_cache_driver"), "memory")),
		RedisAddr:             firstNonEmpty(get("redis_addr"), "localhost:6379"),
		RedisPassword:         get("redis_password"),
		RedisDB:               parseOptionalInt(get("redis_db"), 0),
		UserSource:            firstNonEmpty(get("user_source"), "chatflow"),
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"blocking_timeout", &cfg.BlockingTimeout, 360 * time.Second},
		{"stream_idle_timeout", &cfg.StreamIdleTimeout, 60 * time.Second},
		{"connect_timeout", &cfg.ConnectTimeout, 10 * time.Second},
		{"recorder_write_timeout", &cfg.RecorderWriteTimeout, 10 * time.Second},
		{"shutdown_timeout", &cfg.ShutdownTimeout, 15 * time.Second},
		{"user_cache_ttl", &cfg.UserCacheTTL, 24 * time.Hour},
	}
	for _, d := range durations {
		v, err := parseOptionalDuration(get(d.key), d.fallback)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, get(d.key), err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return errors.New("database_dsn is required when database_driver=postgres")
		}
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	switch c.UserCacheDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported user_cache_driver %q", c.UserCacheDriver)
	}
	if c.MaxLineBytes <= 0 {
		return fmt.Errorf("max_line_bytes must be positive, got %d", c.MaxLineBytes)
	}
	if c.MaxMalformedRun < 0 {
		return fmt.Errorf("max_malformed_run must not be negative, got %d", c.MaxMalformedRun)
	}
	if c.SessionMaxTurns <= 0 {
		return fmt.Errorf("session_max_turns must be positive, got %d", c.SessionMaxTurns)
	}
	if c.RecorderWorkers <= 0 || c.RecorderBuffer <= 0 {
		return errors.New("recorder_workers and recorder_buffer must be positive")
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

// parseOptionalDuration accepts Go durations ("90s") or a bare number of seconds.
func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultSQLitePath returns the fallback conversation database path.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatflow.db"
	}
	return filepath.Join(home, ".chatflow", "chatflow.db")
}
