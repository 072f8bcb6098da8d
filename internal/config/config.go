package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort   int
	DBDriver   string
	DBDSN      string
	AuthSecret string
	LogLevel   slog.Level
	Location   *time.Location

	IMAPHostTemplate       string
	IMAPPort               int
	IMAPInsecureSkipVerify bool
	IMAPDialTimeout        time.Duration

	SyncMaxAttempts  int
	SyncBackoff      time.Duration
	SyncMessageDelay time.Duration
	SyncWorkers      int
	SyncInterval     time.Duration

	AdminEmail   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// SMTPTLS is "starttls", "tls" (implicit, port 465) or "none".
	SMTPTLS                string
	SMTPInsecureSkipVerify bool
}

var defaults = map[string]any{
	"http_port":                 3025,
	"db_driver":                 "sqlite",
	"db_dsn":                    "",
	"auth_secret":               "",
	"log_level":                 "info",
	"timezone":                  "UTC",
	"imap_host_template":        "imap.%s",
	"imap_port":                 993,
	"imap_insecure_skip_verify": false,
	"imap_dial_timeout":         30 * time.Second,
	"sync_max_attempts":         3,
	"sync_backoff":              5 * time.Second,
	"sync_message_delay":        time.Duration(0),
	"sync_workers":              4,
	"sync_interval":             time.Duration(0),
	"admin_email":               "",
	"smtp_host":                 "",
	"smtp_port":                 587,
	"smtp_username":             "",
	"smtp_password":             "",
	"smtp_from":                 "",
	"smtp_tls":                  "starttls",
	"smtp_insecure_skip_verify": false,
}

// Load reads the configuration from the environment. When CONFIG_FILE is
// set, the YAML file it points to provides values the environment does not.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPPort:   v.GetInt("http_port"),
		DBDriver:   strings.ToLower(getString(v, "db_driver")),
		DBDSN:      getString(v, "db_dsn"),
		AuthSecret: getString(v, "auth_secret"),

		IMAPHostTemplate:       getString(v, "imap_host_template"),
		IMAPPort:               v.GetInt("imap_port"),
		IMAPInsecureSkipVerify: v.GetBool("imap_insecure_skip_verify"),
		IMAPDialTimeout:        v.GetDuration("imap_dial_timeout"),

		SyncMaxAttempts:  v.GetInt("sync_max_attempts"),
		SyncBackoff:      v.GetDuration("sync_backoff"),
		SyncMessageDelay: v.GetDuration("sync_message_delay"),
		SyncWorkers:      v.GetInt("sync_workers"),
		SyncInterval:     v.GetDuration("sync_interval"),

		AdminEmail:   getString(v, "admin_email"),
		SMTPHost:     getString(v, "smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPUsername: getString(v, "smtp_username"),
		SMTPPassword: getString(v, "smtp_password"),
		SMTPFrom:     getString(v, "smtp_from"),

		SMTPTLS:                strings.ToLower(getString(v, "smtp_tls")),
		SMTPInsecureSkipVerify: v.GetBool("smtp_insecure_skip_verify"),
	}

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	switch cfg.SMTPTLS {
	case "starttls", "tls", "none":
	default:
		return Config{}, fmt.Errorf("unsupported SMTP_TLS %q", cfg.SMTPTLS)
	}
	if cfg.SMTPTLS == "tls" && !v.IsSet("smtp_port") {
		cfg.SMTPPort = 465
	}
	if !strings.Contains(cfg.IMAPHostTemplate, "%s") {
		return Config{}, fmt.Errorf("IMAP_HOST_TEMPLATE %q must contain %%s", cfg.IMAPHostTemplate)
	}
	if cfg.SyncMaxAttempts < 1 {
		cfg.SyncMaxAttempts = 1
	}
	if cfg.SyncWorkers < 1 {
		cfg.SyncWorkers = 1
	}
	if cfg.SyncBackoff < 0 {
		cfg.SyncBackoff = 0
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getString(v, "log_level"))); err != nil {
		return Config{}, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	loc, err := time.LoadLocation(getString(v, "timezone"))
	if err != nil {
		return Config{}, fmt.Errorf("load TIMEZONE: %w", err)
	}
	cfg.Location = loc

	return cfg, nil
}

// IMAPAddr returns the host:port of the IMAP server for a provider such as
// "gmail.com" or "yandex.ru".
func (c Config) IMAPAddr(provider string) string {
	host := fmt.Sprintf(c.IMAPHostTemplate, strings.ToLower(strings.TrimSpace(provider)))
	return fmt.Sprintf("%s:%d", host, c.IMAPPort)
}

// NotifyEnabled reports whether terminal sync failures are mailed to an
// administrator.
func (c Config) NotifyEnabled() bool {
	return c.AdminEmail != "" && c.SMTPHost != ""
}

func getString(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}
