package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Chat        ChatConfig                `json:"chat_config"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ChatConfig tunes the websocket session protocol and completion streaming.
// All durations are given in seconds.
type ChatConfig struct {
	Provider        string `json:"provider"`
	LivenessTimeout int    `json:"liveness_timeout"`
	LivenessTick    int    `json:"liveness_tick"`
	StreamTimeout   int    `json:"stream_timeout"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	MinWorkers    int    `json:"min_workers"`
	MaxWorkers    int    `json:"max_workers"`
	QueueSize     int    `json:"queue_size"`
	// WorkerIdleTimeout is given in minutes.
	WorkerIdleTimeout int `json:"worker_idle_timeout"`
}

const (
	DefaultLivenessTimeout = 10 * time.Second
	DefaultLivenessTick    = time.Second
	DefaultStreamTimeout   = 2 * time.Minute
)

// LivenessTimeoutDuration returns the configured liveness window, or the default.
func (c ChatConfig) LivenessTimeoutDuration() time.Duration {
	if c.LivenessTimeout <= 0 {
		return DefaultLivenessTimeout
	}
	return time.Duration(c.LivenessTimeout) * time.Second
}

// LivenessTickDuration returns the watchdog tick interval, or the default.
func (c ChatConfig) LivenessTickDuration() time.Duration {
	if c.LivenessTick <= 0 {
		return DefaultLivenessTick
	}
	return time.Duration(c.LivenessTick) * time.Second
}

// StreamTimeoutDuration bounds one completion stream end to end.
func (c ChatConfig) StreamTimeoutDuration() time.Duration {
	if c.StreamTimeout <= 0 {
		return DefaultStreamTimeout
	}
	return time.Duration(c.StreamTimeout) * time.Second
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one completion provider must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && !filepath.IsAbs(db.DSN) && !isMemoryDSN(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || dsn == "file::memory:?cache=shared"
}
