package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loanflow/phoneverify"
)

// Config is the process configuration. Values come from an optional YAML file
// and are overridden by environment variables of the same name.
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	DBMaxConns      int32         `mapstructure:"db_max_conns"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	TwilioAccountSID       string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken        string `mapstructure:"twilio_auth_token"`
	TwilioVerifyServiceSID string `mapstructure:"twilio_verify_service_sid"`

	DocusignConnectHMACKey string `mapstructure:"docusign_connect_hmac_key"`
}

var keys = []string{
	"database_url",
	"db_max_conns",
	"http_addr",
	"metrics_addr",
	"log_level",
	"shutdown_timeout",
	"twilio_account_sid",
	"twilio_auth_token",
	"twilio_verify_service_sid",
	"docusign_connect_hmac_key",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("db_max_conns", 0)
}

// Load reads path (when non-empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about when unmarshalling.
	for _, k := range keys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Verify returns the SMS verification provider settings.
func (c *Config) Verify() phoneverify.Settings {
	return phoneverify.Settings{
		AccountSID: c.TwilioAccountSID,
		AuthToken:  c.TwilioAuthToken,
		ServiceSID: c.TwilioVerifyServiceSID,
	}
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
