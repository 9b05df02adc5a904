// Package config loads server configuration from a YAML file plus environment
// overrides, following the viper wiring pattern used throughout the reference
// platform's command-line tools.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	HTTPAddr    string `mapstructure:"http_addr"`
	NATSUrl     string `mapstructure:"nats_url"`

	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTAccessTTL  time.Duration `mapstructure:"jwt_access_ttl"`
	JWTRefreshTTL time.Duration `mapstructure:"jwt_refresh_ttl"`

	MaxQueryLimit   int  `mapstructure:"max_query_limit"`
	EvaluateOnWrite bool `mapstructure:"evaluate_on_write"`

	SubscriptionIdleTimeout time.Duration `mapstructure:"subscription_idle_timeout"`
	StalenessSweepCron      string        `mapstructure:"staleness_sweep_cron"`
	TokenJanitorCron        string        `mapstructure:"token_janitor_cron"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_url", "postgres://localhost:5432/trellis?sslmode=disable")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("jwt_access_ttl", 15*time.Minute)
	v.SetDefault("jwt_refresh_ttl", 30*24*time.Hour)
	v.SetDefault("max_query_limit", 500)
	v.SetDefault("evaluate_on_write", true)
	v.SetDefault("subscription_idle_timeout", 60*time.Second)
	v.SetDefault("staleness_sweep_cron", "*/5 * * * *")
	v.SetDefault("token_janitor_cron", "0 * * * *")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads configPath (if non-empty and present) and overlays environment
// variables prefixed TRELLIS_ (e.g. TRELLIS_DATABASE_URL), matching the
// config-root pattern of the platform's CLI tooling.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database_url")
	_ = v.BindEnv("jwt_secret")
	_ = v.BindEnv("nats_url")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
