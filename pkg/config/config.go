// Package config loads engine settings from a YAML file, CRICKET_* environment
// variables, and defaults, in that order of increasing precedence for env
// over file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	// Type selects the message store adapter: "sqlite" or "memory".
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	RetryOnFailure    bool          `mapstructure:"retry_on_failure"`
}

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Session SessionConfig `mapstructure:"session"`
	Listen  string        `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "cricket.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "cricket")
	v.SetDefault("redis.consumer", "cricket-1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("session.inactivity_timeout", 120*time.Second)
	v.SetDefault("session.dedup_window", 5*time.Second)
	v.SetDefault("session.retry_on_failure", false)
	v.SetDefault("listen", ":8321")
}

// Load reads configuration from path (optional, "" skips the file) and the
// environment. OPENAI_API_KEY is honored as a fallback when no key is set via
// config or CRICKET_OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CRICKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}
