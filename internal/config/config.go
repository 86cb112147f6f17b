package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM    LLMConfig    `mapstructure:"llm"`
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider        string `mapstructure:"provider"`
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	SystemPrompt    string `mapstructure:"system_prompt"`
	ContextMessages int    `mapstructure:"context_messages"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StoreConfig holds the conversation store configuration. Everything here is
// supplied by the host; the conversation packages own none of it.
type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	BackupDir   string        `mapstructure:"backup_dir"`
	SessionID   string        `mapstructure:"session_id"`
	WindowSize  int           `mapstructure:"window_size"`
	PageSize    int           `mapstructure:"page_size"`
	IOTimeout   time.Duration `mapstructure:"io_timeout"`
	DedupBucket time.Duration `mapstructure:"dedup_bucket"`
	Watch       bool          `mapstructure:"watch"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.context_messages", 50)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	v.SetDefault("store.path", "history.db")
	v.SetDefault("store.backup_dir", "backups")
	v.SetDefault("store.session_id", "default")
	v.SetDefault("store.window_size", 10000)
	v.SetDefault("store.page_size", 500)
	v.SetDefault("store.io_timeout", "5s")
	v.SetDefault("store.dedup_bucket", "0s")
	v.SetDefault("store.watch", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from the file named by CONFIG_PATH, or from
// ./config.yaml. A missing file is fine: defaults and environment apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CONVLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("store.path", "CONVLOG_STORE_PATH", "HISTORY_DB_PATH"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the store cannot run with.
func (c *Config) Validate() error {
	s := c.Store
	switch {
	case strings.TrimSpace(s.Path) == "":
		return errors.New("store.path must not be empty")
	case s.WindowSize <= 0:
		return fmt.Errorf("store.window_size must be positive, got %d", s.WindowSize)
	case s.PageSize <= 0:
		return fmt.Errorf("store.page_size must be positive, got %d", s.PageSize)
	case s.IOTimeout <= 0:
		return fmt.Errorf("store.io_timeout must be positive, got %s", s.IOTimeout)
	case s.DedupBucket < 0:
		return fmt.Errorf("store.dedup_bucket must not be negative, got %s", s.DedupBucket)
	}
	return nil
}
