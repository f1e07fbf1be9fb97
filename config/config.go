package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the scout pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address     string `mapstructure:"address"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string        `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig defines which model to use for each pipeline stage.
// Per-user overrides in user_settings take precedence.
type LLMRoutingConfig struct {
	Discovery string `mapstructure:"discovery"`
	Analysis  string `mapstructure:"analysis"`
	Fallback  string `mapstructure:"fallback"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis settings used for run locks and scheduler locks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PipelineConfig contains the discovery/analysis pipeline knobs.
type PipelineConfig struct {
	SourceBatchSize   int           `mapstructure:"source_batch_size"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	ContextBudget     int           `mapstructure:"context_budget"`
	ToolResultBudget  int           `mapstructure:"tool_result_budget"`
	ScrapeBatchLimit  int           `mapstructure:"scrape_batch_limit"`
	ScrapeWorkers     int           `mapstructure:"scrape_workers"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	ScrapeTimeout     time.Duration `mapstructure:"scrape_timeout"`
	ScrapeBackend     string        `mapstructure:"scrape_backend"` // http or chromedp
	MaxRunDuration    time.Duration `mapstructure:"max_run_duration"`
	SinceSafetyBuffer time.Duration `mapstructure:"since_safety_buffer"`
	DefaultLookback   time.Duration `mapstructure:"default_lookback"`
}

// Validate ensures the pipeline limits are sane before use.
func (p PipelineConfig) Validate() error {
	if p.SourceBatchSize <= 0 {
		return fmt.Errorf("pipeline.source_batch_size must be > 0")
	}
	if p.MaxIterations <= 0 {
		return fmt.Errorf("pipeline.max_iterations must be > 0")
	}
	if p.ContextBudget <= 0 {
		return fmt.Errorf("pipeline.context_budget must be > 0")
	}
	if p.ToolResultBudget <= 0 {
		return fmt.Errorf("pipeline.tool_result_budget must be > 0")
	}
	if p.ToolResultBudget > p.ContextBudget {
		return fmt.Errorf("pipeline.tool_result_budget cannot exceed pipeline.context_budget")
	}
	if p.ScrapeBatchLimit <= 0 {
		return fmt.Errorf("pipeline.scrape_batch_limit must be > 0")
	}
	switch p.ScrapeBackend {
	case "", "http", "chromedp":
	default:
		return fmt.Errorf("pipeline.scrape_backend must be http or chromedp")
	}
	return nil
}

// SchedulerConfig controls the periodic all-user discovery trigger.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	DefaultCron  string        `mapstructure:"default_cron"`
}

// LoadConfig reads configuration from file and environment (SCOUT_* variables).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("server.address", ":10030")
	viper.SetDefault("server.metrics_path", "/metrics")
	viper.SetDefault("llm.routing.discovery", "gpt-4o-mini")
	viper.SetDefault("llm.routing.analysis", "gpt-4o-mini")
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")
	viper.SetDefault("pipeline.source_batch_size", 3)
	viper.SetDefault("pipeline.max_iterations", 15)
	viper.SetDefault("pipeline.context_budget", 100000)
	viper.SetDefault("pipeline.tool_result_budget", 20000)
	viper.SetDefault("pipeline.scrape_batch_limit", 10)
	viper.SetDefault("pipeline.scrape_workers", 1)
	viper.SetDefault("pipeline.fetch_timeout", "60s")
	viper.SetDefault("pipeline.scrape_timeout", "65s")
	viper.SetDefault("pipeline.scrape_backend", "http")
	viper.SetDefault("pipeline.max_run_duration", "30m")
	viper.SetDefault("pipeline.since_safety_buffer", "1h")
	viper.SetDefault("pipeline.default_lookback", "168h")
	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.tick_interval", "1h")
	viper.SetDefault("scheduler.default_cron", "@daily")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
		// No config file is fine: defaults + env cover the minimum.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	return &config
}
