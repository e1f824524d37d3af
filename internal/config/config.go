package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DataDir  string   `json:"data_dir"`
	LogLevel string   `json:"log_level"`
	Relays   []string `json:"relays"`
	Identity struct {
		SecretKey string `json:"secret_key"`
	} `json:"identity"`
	Relay struct {
		QueueCapacity       int     `json:"queue_capacity"`
		DialTimeoutSec      int     `json:"dial_timeout_sec"`
		ReconnectInitialMs  int     `json:"reconnect_initial_ms"`
		ReconnectMaxMs      int     `json:"reconnect_max_ms"`
		ReconnectMultiplier float64 `json:"reconnect_multiplier"`
	} `json:"relay"`
	Pool struct {
		SubscriptionMaxAgeSec int    `json:"subscription_max_age_sec"`
		SettleDelayMs         int    `json:"settle_delay_ms"`
		ReconcileSchedule     string `json:"reconcile_schedule"`
		Dedupe                bool   `json:"dedupe"`
	} `json:"pool"`
	Protocol struct {
		ConnectTimeoutSec  int `json:"connect_timeout_sec"`
		EOSETimeoutSec     int `json:"eose_timeout_sec"`
		DeletionRecheckSec int `json:"deletion_recheck_sec"`
		DecryptWorkers     int `json:"decrypt_workers"`
	} `json:"protocol"`
	Store struct {
		Backend   string `json:"backend"`
		RedisAddr string `json:"redis_addr"`
	} `json:"store"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Admin struct {
		PubKey string `json:"pubkey"`
	} `json:"admin"`
}

// Defaults returns a Config populated with built-in defaults.
func Defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".rideline"),
		LogLevel: "info",
	}
	cfg.Relay.QueueCapacity = 1000
	cfg.Relay.DialTimeoutSec = 10
	cfg.Relay.ReconnectInitialMs = 1000
	cfg.Relay.ReconnectMaxMs = 30000
	cfg.Relay.ReconnectMultiplier = 2
	cfg.Pool.SubscriptionMaxAgeSec = 3600
	cfg.Pool.SettleDelayMs = 500
	cfg.Pool.ReconcileSchedule = "@every 1m"
	cfg.Protocol.ConnectTimeoutSec = 10
	cfg.Protocol.EOSETimeoutSec = 5
	cfg.Protocol.DeletionRecheckSec = 3
	cfg.Protocol.DecryptWorkers = 4
	cfg.Store.Backend = "file"
	cfg.HTTP.Listen = "127.0.0.1:7447"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if sk := os.Getenv("RIDELINE_SECRET_KEY"); sk != "" {
		cfg.Identity.SecretKey = sk
	}
	if relays := os.Getenv("RIDELINE_RELAYS"); relays != "" {
		cfg.Relays = splitList(relays)
	}
	if addr := os.Getenv("RIDELINE_REDIS_ADDR"); addr != "" {
		cfg.Store.RedisAddr = addr
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as a flat dot-keyed map, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under key in the config file at path.
// The file is created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the existing config file at path. The
// value is parsed as JSON when possible and kept as a string otherwise.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}
