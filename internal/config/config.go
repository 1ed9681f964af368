// Package config loads the YAML configuration shared by the server and the
// device sync command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Client   ClientConfig   `yaml:"client"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the connection string for the pgx driver.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode)
}

// RedisConfig configures the auditor scope cache. An empty address disables it.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	ScopeTTL time.Duration `yaml:"scope_ttl"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecret signs device tokens. Empty means the secret stored in the
	// database, generated on first start.
	JWTSecret    string `yaml:"jwt_secret"`
	PullPageSize int    `yaml:"pull_page_size"`
}

// LogConfig configures the optional log file and its rotation.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ClientConfig struct {
	ServerURL          string        `yaml:"server_url"`
	DeviceID           string        `yaml:"device_id"`
	Token              string        `yaml:"token"`
	LocalDB            string        `yaml:"local_db"`
	MaxBatch           int           `yaml:"max_batch"`
	MaxAttachmentBatch int           `yaml:"max_attachment_batch"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "popis.sqlite3"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "popis",
				User:     "popis",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			ScopeTTL: 5 * time.Minute,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			PullPageSize: 500,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Client: ClientConfig{
			ServerURL:          "http://localhost:8080",
			LocalDB:            "device.sqlite3",
			MaxBatch:           50,
			MaxAttachmentBatch: 5,
			MaxAttempts:        5,
			BaseDelay:          time.Second,
			RequestTimeout:     30 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Client.MaxBatch <= 0 {
		return fmt.Errorf("client.max_batch must be positive")
	}
	if c.Client.MaxAttachmentBatch <= 0 || c.Client.MaxAttachmentBatch > c.Client.MaxBatch {
		return fmt.Errorf("client.max_attachment_batch must be between 1 and max_batch")
	}
	if c.Client.MaxAttempts <= 0 {
		return fmt.Errorf("client.max_attempts must be positive")
	}
	return nil
}
