package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings for the API service. Every field maps to a
// MAHFAZA_* environment variable, with an optional config file for local
// development.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisDB     int           `mapstructure:"redis_db"`
	AuthSecret  string        `mapstructure:"auth_secret"`
	AuthIssuer  string        `mapstructure:"auth_issuer"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	IdemTTL     time.Duration `mapstructure:"idem_ttl"`
	MaxBody     int64         `mapstructure:"max_body"`
	Environment string        `mapstructure:"environment"`
}

// Load reads configuration from the environment and, when present, a
// mahfaza.yaml file in the working directory. Environment wins.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAHFAZA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("auth_secret", "")
	v.SetDefault("auth_issuer", "mahfaza")
	v.SetDefault("rate_limit", 50.0)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("idem_ttl", 24*time.Hour)
	v.SetDefault("max_body", int64(1<<20))
	v.SetDefault("environment", "development")

	v.SetConfigName("mahfaza")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
