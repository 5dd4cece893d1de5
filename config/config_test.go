package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "DATABASE_PATH", "TIMEZONE", "SERVER_PORT", "LOG_LEVEL", "LOG_FORMAT",
	"APP_VERSION", "CACHE_MAX_BYTES", "CACHE_RETENTION_MONTHS", "CALDAV_URL",
	"CALDAV_USERNAME", "CALDAV_PASSWORD", "CALDAV_CALENDAR", "REMOTE_RATE_PER_SEC",
	"GROUP_SCOPE", "TELEGRAM_BOT_TOKEN", "WEBHOOK_URL", "EVICT_CRON", "ALARM_CRON",
}

// clearEnv unsets every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("CALDAV_USERNAME", "ann@example.com")
	t.Setenv("CALDAV_PASSWORD", "app-password")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 6, cfg.CacheRetentionMonths)
	assert.Equal(t, "Asia/Seoul", cfg.Timezone.String())
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "groupcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Europe/Berlin
server_port: "9090"
cache_retention_months: 3
caldav_calendar: /calendars/family/
telegram_bot_token: from-file
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("CACHE_MAX_BYTES", "1024")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone.String())
	assert.Equal(t, "7070", cfg.ServerPort, "env wins over the file")
	assert.Equal(t, 3, cfg.CacheRetentionMonths)
	assert.Equal(t, int64(1024), cfg.CacheMaxBytes)
	assert.Equal(t, "/calendars/family/", cfg.CalDAVCalendar)
	assert.True(t, cfg.TelegramEnabled())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}},
		{"bad number", map[string]string{"CACHE_MAX_BYTES": "lots"}},
		{"bad retention", map[string]string{"CACHE_RETENTION_MONTHS": "0"}},
		{"bad cron", map[string]string{"ALARM_CRON": "every minute"}},
		{"missing credentials", map[string]string{"CALDAV_PASSWORD": ""}},
		{"missing file", map[string]string{"CONFIG_FILE": "/nonexistent/groupcal.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
