package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3025, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, 3, cfg.SyncMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.SyncBackoff)
	assert.Equal(t, time.Duration(0), cfg.SyncInterval)
	assert.Equal(t, 4, cfg.SyncWorkers)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "UTC", cfg.Location.String())
	assert.False(t, cfg.NotifyEnabled())
	assert.Equal(t, "starttls", cfg.SMTPTLS)
	assert.Equal(t, 587, cfg.SMTPPort)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("SYNC_BACKOFF", "250ms")
	t.Setenv("SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ADMIN_EMAIL", "admin@example.com")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.SyncBackoff)
	assert.Equal(t, 5, cfg.SyncMaxAttempts)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.NotifyEnabled())
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inboxsync.yaml")
	content := "imap_port: 1993\nsync_workers: 2\ntimezone: Europe/Moscow\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SYNC_WORKERS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1993, cfg.IMAPPort)
	assert.Equal(t, 7, cfg.SyncWorkers, "environment wins over the file")
	assert.Equal(t, "Europe/Moscow", cfg.Location.String())
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_SMTPTLS(t *testing.T) {
	t.Setenv("SMTP_TLS", "TLS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tls", cfg.SMTPTLS)
	assert.Equal(t, 465, cfg.SMTPPort, "implicit TLS defaults to the submissions port")

	t.Setenv("SMTP_PORT", "2465")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 2465, cfg.SMTPPort)

	t.Setenv("SMTP_TLS", "ssl")
	_, err = Load()
	assert.Error(t, err)
}

func TestIMAPAddr(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "imap.yandex.ru:993", cfg.IMAPAddr("Yandex.ru"))
}
