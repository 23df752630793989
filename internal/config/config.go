package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the daemon configuration, read from a TOML file with
// environment overrides for deployment secrets.
type Config struct {
	Instance string `toml:"instance"`
	DataDir  string `toml:"data_dir"`

	Mongo struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	} `toml:"mongo"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`

	Gateway struct {
		ListenAddr string `toml:"listen_addr"`
		JWTSecret  string `toml:"jwt_secret"`
	} `toml:"gateway"`

	Metrics struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"metrics"`

	Chat struct {
		PageSize            int      `toml:"page_size"`
		VisibilityThreshold float64  `toml:"visibility_threshold"`
		FetchTimeout        duration `toml:"fetch_timeout"`
	} `toml:"chat"`
}

// duration lets TOML carry values like "10s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Load reads the config file at path, after loading a .env file from the
// working directory when present. Environment variables win over file
// values for connection secrets.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if v := os.Getenv("TUSKERSD_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("TUSKERSD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TUSKERSD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TUSKERSD_JWT_SECRET"); v != "" {
		cfg.Gateway.JWTSecret = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "main"
	}
	if c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, ".tuskersd")
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "tuskers"
	}
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = "127.0.0.1:8790"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:8791"
	}
	if c.Chat.PageSize <= 0 {
		c.Chat.PageSize = 20
	}
	if c.Chat.VisibilityThreshold <= 0 {
		c.Chat.VisibilityThreshold = 0.8
	}
	if c.Chat.FetchTimeout <= 0 {
		c.Chat.FetchTimeout = duration(10 * time.Second)
	}
}

// Validate checks the fields without usable defaults.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required (or TUSKERSD_MONGO_URI)")
	}
	if c.Gateway.JWTSecret == "" {
		return fmt.Errorf("gateway.jwt_secret is required (or TUSKERSD_JWT_SECRET)")
	}
	if c.Chat.VisibilityThreshold > 1 {
		return fmt.Errorf("chat.visibility_threshold must be in (0, 1], got %v", c.Chat.VisibilityThreshold)
	}
	return nil
}

// FetchTimeout returns the per-fetch deadline applied to page and roster
// reads.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Chat.FetchTimeout)
}

// CachePath is the SQLite mirror location inside the data dir.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// LogPath is the daemon log file location inside the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "tuskersd.log")
}
