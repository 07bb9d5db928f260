package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/park285/chess-match-server/internal/obslog"
)

type AppConfig struct {
	ListenAddr string
	OpsAddr    string

	RedisURL    string
	DatabaseURL string

	TimeControl    time.Duration
	AbandonTimeout time.Duration
	CacheTTL       time.Duration

	PersistAttempts   int
	PersistBackoff    time.Duration
	PersistMaxBackoff time.Duration

	AuthMode       string
	JWTSecret      string
	OriginPatterns []string

	MessagesDir string

	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int

	Log obslog.Options
}

// fileConfig is the YAML overlay. Absent keys leave the defaults alone.
type fileConfig struct {
	ListenAddr        *string  `yaml:"listen_addr"`
	OpsAddr           *string  `yaml:"ops_addr"`
	RedisURL          *string  `yaml:"redis_url"`
	DatabaseURL       *string  `yaml:"database_url"`
	TimeControl       *string  `yaml:"time_control"`
	AbandonTimeout    *string  `yaml:"abandon_timeout"`
	CacheTTL          *string  `yaml:"cache_ttl"`
	PersistAttempts   *int     `yaml:"persist_attempts"`
	PersistBackoff    *string  `yaml:"persist_backoff"`
	PersistMaxBackoff *string  `yaml:"persist_max_backoff"`
	AuthMode          *string  `yaml:"auth_mode"`
	JWTSecret         *string  `yaml:"jwt_secret"`
	OriginPatterns    []string `yaml:"origin_patterns"`
	MessagesDir       *string  `yaml:"messages_dir"`
	WriteTimeout      *string  `yaml:"write_timeout"`
	PingInterval      *string  `yaml:"ping_interval"`
	SendBuffer        *int     `yaml:"send_buffer"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:        ":8080",
		OpsAddr:           ":8081",
		TimeControl:       10 * time.Minute,
		AbandonTimeout:    60 * time.Second,
		CacheTTL:          time.Hour,
		PersistAttempts:   3,
		PersistBackoff:    100 * time.Millisecond,
		PersistMaxBackoff: 2 * time.Second,
		AuthMode:          "query",
		WriteTimeout:      5 * time.Second,
		PingInterval:      30 * time.Second,
		SendBuffer:        32,
		Log: obslog.Options{
			Level:   "info",
			Console: true,
			ToFile:  false,
			Format:  "legacy",
			File:    "logs/matchd.log",
		},
	}
}

// Load reads .env when present, then applies defaults, the CONFIG_FILE
// overlay and the environment, in that order.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.OpsAddr, f.OpsAddr)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.AuthMode, f.AuthMode)
	setString(&c.JWTSecret, f.JWTSecret)
	setString(&c.MessagesDir, f.MessagesDir)
	if len(f.OriginPatterns) > 0 {
		c.OriginPatterns = f.OriginPatterns
	}
	if f.PersistAttempts != nil {
		c.PersistAttempts = *f.PersistAttempts
	}
	if f.SendBuffer != nil {
		c.SendBuffer = *f.SendBuffer
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"time_control", f.TimeControl, &c.TimeControl},
		{"abandon_timeout", f.AbandonTimeout, &c.AbandonTimeout},
		{"cache_ttl", f.CacheTTL, &c.CacheTTL},
		{"persist_backoff", f.PersistBackoff, &c.PersistBackoff},
		{"persist_max_backoff", f.PersistMaxBackoff, &c.PersistMaxBackoff},
		{"write_timeout", f.WriteTimeout, &c.WriteTimeout},
		{"ping_interval", f.PingInterval, &c.PingInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *AppConfig) overlayEnv() error {
	envString(&c.ListenAddr, "LISTEN_ADDR")
	envString(&c.OpsAddr, "OPS_ADDR")
	envString(&c.RedisURL, "REDIS_URL")
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.AuthMode, "AUTH_MODE")
	envString(&c.JWTSecret, "JWT_SECRET")
	envString(&c.MessagesDir, "MESSAGES_DIR")
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		c.OriginPatterns = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TIME_CONTROL", &c.TimeControl},
		{"ABANDON_TIMEOUT", &c.AbandonTimeout},
		{"CACHE_TTL", &c.CacheTTL},
		{"PERSIST_BACKOFF", &c.PersistBackoff},
		{"PERSIST_MAX_BACKOFF", &c.PersistMaxBackoff},
		{"WS_WRITE_TIMEOUT", &c.WriteTimeout},
		{"WS_PING_INTERVAL", &c.PingInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("PERSIST_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PersistAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_SEND_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SendBuffer = n
		}
	}

	envString(&c.Log.Level, "LOG_LEVEL")
	envString(&c.Log.Format, "LOG_FORMAT")
	envString(&c.Log.File, "LOG_FILE")
	envBool(&c.Log.Console, "LOG_TO_CONSOLE")
	envBool(&c.Log.ToFile, "LOG_TO_FILE")
	envBool(&c.Log.Caller, "LOG_CALLER")
	return nil
}

func (c *AppConfig) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	c.AuthMode = strings.ToLower(c.AuthMode)
	switch c.AuthMode {
	case "query":
	case "jwt":
		if c.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when AUTH_MODE=jwt")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	if c.TimeControl <= 0 {
		return errors.New("TIME_CONTROL must be positive")
	}
	if c.AbandonTimeout <= 0 {
		return errors.New("ABANDON_TIMEOUT must be positive")
	}
	if c.PersistAttempts <= 0 {
		return errors.New("PERSIST_ATTEMPTS must be positive")
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
