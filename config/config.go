package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Values come from an optional YAML
// file, then from the environment (which may be seeded from .env).
type Config struct {
	DatabasePath string `yaml:"database_path"`
	TimezoneName string `yaml:"timezone"`
	ServerPort   string `yaml:"server_port"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	AppVersion   string `yaml:"app_version"`

	CacheMaxBytes        int64 `yaml:"cache_max_bytes"`
	CacheRetentionMonths int   `yaml:"cache_retention_months"`

	CalDAVURL        string  `yaml:"caldav_url"`
	CalDAVUsername   string  `yaml:"caldav_username"`
	CalDAVPassword   string  `yaml:"caldav_password"`
	CalDAVCalendar   string  `yaml:"caldav_calendar"`
	RemoteRatePerSec float64 `yaml:"remote_rate_per_sec"`
	GroupScope       int64   `yaml:"group_scope"`

	TelegramToken string `yaml:"telegram_bot_token"`
	WebhookURL    string `yaml:"webhook_url"`

	EvictCron string `yaml:"evict_cron"`
	AlarmCron string `yaml:"alarm_cron"`

	Timezone *time.Location `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		DatabasePath:         "./data/groupcal.db",
		TimezoneName:         "Asia/Seoul",
		ServerPort:           "8080",
		LogLevel:             "info",
		LogFormat:            "console",
		AppVersion:           "dev",
		CacheMaxBytes:        5 << 20,
		CacheRetentionMonths: 6,
		RemoteRatePerSec:     5,
		EvictCron:            "15 3 * * *",
		AlarmCron:            "* * * * *",
	}
}

// Load reads .env (if present), the YAML file named by path or CONFIG_FILE
// (if any) and the environment, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_PATH", &c.DatabasePath)
	str("TIMEZONE", &c.TimezoneName)
	str("SERVER_PORT", &c.ServerPort)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("APP_VERSION", &c.AppVersion)
	str("CALDAV_URL", &c.CalDAVURL)
	str("CALDAV_USERNAME", &c.CalDAVUsername)
	str("CALDAV_PASSWORD", &c.CalDAVPassword)
	str("CALDAV_CALENDAR", &c.CalDAVCalendar)
	str("TELEGRAM_BOT_TOKEN", &c.TelegramToken)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("EVICT_CRON", &c.EvictCron)
	str("ALARM_CRON", &c.AlarmCron)

	if v := os.Getenv("CACHE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CACHE_MAX_BYTES must be a number: %w", err)
		}
		c.CacheMaxBytes = n
	}
	if v := os.Getenv("CACHE_RETENTION_MONTHS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_RETENTION_MONTHS must be a number: %w", err)
		}
		c.CacheRetentionMonths = n
	}
	if v := os.Getenv("REMOTE_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("REMOTE_RATE_PER_SEC must be a number: %w", err)
		}
		c.RemoteRatePerSec = f
	}
	if v := os.Getenv("GROUP_SCOPE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("GROUP_SCOPE must be a number: %w", err)
		}
		c.GroupScope = n
	}
	return nil
}

func (c *Config) validate() error {
	tz, err := time.LoadLocation(c.TimezoneName)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	c.Timezone = tz

	if c.CalDAVUsername == "" || c.CalDAVPassword == "" {
		return fmt.Errorf("CALDAV_USERNAME and CALDAV_PASSWORD are required")
	}
	if c.CacheRetentionMonths < 1 {
		return fmt.Errorf("CACHE_RETENTION_MONTHS must be at least 1")
	}
	if c.CacheMaxBytes < 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must not be negative")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{"EVICT_CRON": c.EvictCron, "ALARM_CRON": c.AlarmCron} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// TelegramEnabled reports whether a bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}
