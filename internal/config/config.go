// Package config loads relay settings from .env, config.yaml and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram TelegramConfig
	X        XConfig
	LLM      LLMConfig
	Segment  SegmentConfig
	Relay    RelayConfig
	Journal  JournalConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type TelegramConfig struct {
	Token  string
	ChatID string // only posts from this chat are relayed
}

type XConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
	APIVersion     int
}

type LLMConfig struct {
	Enabled     bool
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

type SegmentConfig struct {
	Limit int
}

type RelayConfig struct {
	MaxConcurrent int
	DryRun        bool
	DrainTimeout  time.Duration // how long in-flight posts may finish on shutdown
}

type JournalConfig struct {
	Path          string // empty disables the journal
	Retention     time.Duration
	PruneSchedule string
}

type MetricsConfig struct {
	Addr string // empty disables the metrics endpoint
}

type LogConfig struct {
	Level  string
	Format string
}

// Options control where Load looks for files.
type Options struct {
	ConfigFile string // explicit config file; overrides ConfigDir
	ConfigDir  string // directory searched for config.yaml, default "."
	EnvFile    string // default ".env"
}

// Environment names kept from the original deployment.
var envBindings = map[string]string{
	"telegram.token":    "TELEGRAM_BOT_TOKEN",
	"telegram.chat_id":  "TELEGRAM_CHAT_ID",
	"x.consumer_key":    "TWITTER_API_KEY",
	"x.consumer_secret": "TWITTER_API_SECRET",
	"x.access_token":    "TWITTER_ACCESS_TOKEN",
	"x.access_secret":   "TWITTER_ACCESS_SECRET",
	"llm.api_key":       "OPENAI_API_KEY",
	"relay.dry_run":     "DRY_RUN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("segment.limit", 280)
	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.model", "gpt-4")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 200)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("x.api_version", 2)
	v.SetDefault("relay.max_concurrent", 4)
	v.SetDefault("relay.dry_run", false)
	v.SetDefault("relay.drain_timeout", "30s")
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.retention", "720h")
	v.SetDefault("journal.prune_schedule", "@daily")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration once. Missing .env and config.yaml files are fine;
// a config file that exists but does not parse is an error. Environment
// variables override file values.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
		slog.Debug("no .env file, skipping", "path", envFile)
	}

	v := viper.New()
	setDefaults(v)
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		dir := opts.ConfigDir
		if dir == "" {
			dir = "."
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		slog.Debug("no config file, using environment and defaults")
	} else {
		slog.Debug("loaded config file", "path", filepath.Clean(v.ConfigFileUsed()))
	}

	return &Config{
		Telegram: TelegramConfig{
			Token:  v.GetString("telegram.token"),
			ChatID: strings.TrimSpace(v.GetString("telegram.chat_id")),
		},
		X: XConfig{
			ConsumerKey:    v.GetString("x.consumer_key"),
			ConsumerSecret: v.GetString("x.consumer_secret"),
			AccessToken:    v.GetString("x.access_token"),
			AccessSecret:   v.GetString("x.access_secret"),
			APIVersion:     v.GetInt("x.api_version"),
		},
		LLM: LLMConfig{
			Enabled:     v.GetBool("llm.enabled"),
			APIKey:      v.GetString("llm.api_key"),
			BaseURL:     v.GetString("llm.base_url"),
			Model:       v.GetString("llm.model"),
			Temperature: float32(v.GetFloat64("llm.temperature")),
			MaxTokens:   v.GetInt("llm.max_tokens"),
		},
		Segment: SegmentConfig{Limit: v.GetInt("segment.limit")},
		Relay: RelayConfig{
			MaxConcurrent: v.GetInt("relay.max_concurrent"),
			DryRun:        v.GetBool("relay.dry_run"),
			DrainTimeout:  v.GetDuration("relay.drain_timeout"),
		},
		Journal: JournalConfig{
			Path:          v.GetString("journal.path"),
			Retention:     v.GetDuration("journal.retention"),
			PruneSchedule: v.GetString("journal.prune_schedule"),
		},
		Metrics: MetricsConfig{Addr: v.GetString("metrics.addr")},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}, nil
}

// Validate reports every missing credential and out-of-range setting at once.
func (c *Config) Validate() error {
	required := map[string]string{
		"TELEGRAM_BOT_TOKEN": c.Telegram.Token,
		"TELEGRAM_CHAT_ID":   c.Telegram.ChatID,
	}
	// Allow running without X creds in dry-run mode.
	if !c.Relay.DryRun {
		required["TWITTER_API_KEY"] = c.X.ConsumerKey
		required["TWITTER_API_SECRET"] = c.X.ConsumerSecret
		required["TWITTER_ACCESS_TOKEN"] = c.X.AccessToken
		required["TWITTER_ACCESS_SECRET"] = c.X.AccessSecret
	}
	if c.LLM.Enabled {
		required["OPENAI_API_KEY"] = c.LLM.APIKey
	}

	var missing []string
	for k, v := range required {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")))
	}
	if c.Segment.Limit < 1 {
		errs = append(errs, fmt.Errorf("segment.limit must be positive, got %d", c.Segment.Limit))
	}
	if c.Relay.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("relay.max_concurrent must be positive, got %d", c.Relay.MaxConcurrent))
	}
	if c.X.APIVersion != 1 && c.X.APIVersion != 2 {
		errs = append(errs, fmt.Errorf("x.api_version must be 1 or 2, got %d", c.X.APIVersion))
	}
	return errors.Join(errs...)
}
