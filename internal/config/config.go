package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working
// directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                string `yaml:"port"`
	LogLevel            string `yaml:"logLevel"`
	DatabaseURL         string `yaml:"databaseURL"`
	RedisAddr           string `yaml:"redisAddr"`
	RedisPassword       string `yaml:"redisPassword"`
	TurnRateLimit       int    `yaml:"turnRateLimit"`
	EventBufferSize     int    `yaml:"eventBufferSize"`
	SSEHeartbeatSeconds int    `yaml:"sseHeartbeatSeconds"`
	TrustedProxies      string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LORECHAT_TURN_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TurnRateLimit = n
		}
	}
	if v := os.Getenv("LORECHAT_SSE_HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSEHeartbeatSeconds = n
		}
	}
	if v := os.Getenv("LORECHAT_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	// databaseURL is optional: an empty value selects the in-process
	// store, which loses state on restart.
	if cfg.TurnRateLimit < 0 {
		return errors.New("config: turnRateLimit must be >= 0 (set in config.yaml or LORECHAT_TURN_RATE_LIMIT)")
	}
	if cfg.EventBufferSize < 0 {
		return errors.New("config: eventBufferSize must be >= 0")
	}
	if cfg.SSEHeartbeatSeconds < 0 {
		return errors.New("config: sseHeartbeatSeconds must be >= 0")
	}
	return nil
}
