package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := Defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.Relays = []string{"wss://a.example", "wss://b.example"}
	original.Identity.SecretKey = "5c0c523f52a5b6fad39ed2403092df8cebc36318b39383bca6c00808626fab3a"
	original.Pool.Dedupe = true
	original.Pool.ReconcileSchedule = "@every 30s"
	original.Store.Backend = "bolt"
	original.HTTP.Enabled = true
	original.Admin.PubKey = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if len(loaded.Relays) != 2 || loaded.Relays[1] != "wss://b.example" {
		t.Errorf("Relays mismatch: %v", loaded.Relays)
	}
	if loaded.Identity.SecretKey != original.Identity.SecretKey {
		t.Errorf("Identity.SecretKey mismatch")
	}
	if !loaded.Pool.Dedupe || loaded.Pool.ReconcileSchedule != "@every 30s" {
		t.Errorf("Pool mismatch: %+v", loaded.Pool)
	}
	if loaded.Store.Backend != "bolt" {
		t.Errorf("Store.Backend mismatch: %v", loaded.Store.Backend)
	}
	if !loaded.HTTP.Enabled || loaded.HTTP.Listen != original.HTTP.Listen {
		t.Errorf("HTTP mismatch: %+v", loaded.HTTP)
	}
	if loaded.Admin.PubKey != original.Admin.PubKey {
		t.Errorf("Admin.PubKey mismatch: %v", loaded.Admin.PubKey)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pool.ReconcileSchedule != "@every 1m" {
		t.Errorf("expected default reconcile schedule, got %q", cfg.Pool.ReconcileSchedule)
	}
	if cfg.Pool.SettleDelayMs != 500 {
		t.Errorf("expected default settle delay 500, got %d", cfg.Pool.SettleDelayMs)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("expected default store backend file, got %q", cfg.Store.Backend)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults should have been written: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	t.Setenv("RIDELINE_SECRET_KEY", "abcd")
	t.Setenv("RIDELINE_RELAYS", "wss://a.example, ,wss://b.example")
	t.Setenv("RIDELINE_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Identity.SecretKey != "abcd" {
		t.Errorf("expected secret key from env, got %q", cfg.Identity.SecretKey)
	}
	if len(cfg.Relays) != 2 || cfg.Relays[0] != "wss://a.example" || cfg.Relays[1] != "wss://b.example" {
		t.Errorf("expected relays from env, got %v", cfg.Relays)
	}
	if cfg.Store.RedisAddr != "redis:6379" {
		t.Errorf("expected redis addr from env, got %q", cfg.Store.RedisAddr)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.Store.Backend = "bolt"
	cfg.Protocol.DecryptWorkers = 4

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	store, ok := m["store"].(map[string]any)
	if !ok {
		t.Fatalf("expected store to be map, got %T", m["store"])
	}
	if store["backend"] != "bolt" {
		t.Errorf("expected store.backend=bolt, got %v", store["backend"])
	}
	proto, ok := m["protocol"].(map[string]any)
	if !ok {
		t.Fatalf("expected protocol to be map, got %T", m["protocol"])
	}
	// JSON numbers are float64
	if proto["decrypt_workers"] != float64(4) {
		t.Errorf("expected protocol.decrypt_workers=4, got %v", proto["decrypt_workers"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.Identity.SecretKey = "secret-key-1234"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["identity.secret_key"] != "secret-key-1234" {
		t.Errorf("expected unmasked identity.secret_key, got %v", flat["identity.secret_key"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.Identity.SecretKey = "secret-key-1234"
	cfg.Admin.PubKey = "admin-pub"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["identity.secret_key"] != "***1234" {
		t.Errorf("expected masked identity.secret_key=***1234, got %v", flat["identity.secret_key"])
	}
	if flat["admin.pubkey"] != "admin-pub" {
		t.Errorf("expected admin.pubkey unchanged, got %v", flat["admin.pubkey"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug"}
	cfg.Store.Backend = "redis"
	cfg.Protocol.DecryptWorkers = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "store.backend")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "redis" {
		t.Errorf("expected store.backend=redis, got %v", v)
	}

	v, err = GetValue(path, "protocol.decrypt_workers")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected protocol.decrypt_workers=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Store.Backend = "file"
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	// Other values are preserved
	v, err = GetValue(path, "store.backend")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "file" {
		t.Errorf("expected store.backend=file (preserved), got %v", v)
	}
}

func TestSetValue_Numeric(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Protocol.DecryptWorkers = 2
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "protocol.decrypt_workers", "16"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "protocol.decrypt_workers")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(16) {
		t.Errorf("expected protocol.decrypt_workers=16, got %v (%T)", v, v)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Protocol.DecryptWorkers != 16 {
		t.Errorf("expected typed DecryptWorkers=16, got %d", loaded.Protocol.DecryptWorkers)
	}
}

func TestSetValue_Boolean(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "pool.dedupe", "true"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "pool.dedupe")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != true {
		t.Errorf("expected pool.dedupe=true, got %v (%T)", v, v)
	}
}

func TestSetValue_Float(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Relay.ReconnectMultiplier = 2
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "relay.reconnect_multiplier", "1.5"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "relay.reconnect_multiplier")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != 1.5 {
		t.Errorf("expected relay.reconnect_multiplier=1.5, got %v (%T)", v, v)
	}
}

func TestSetValue_List(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{})

	if err := SetValue(path, "relays", `["wss://a.example"]`); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Relays) != 1 || loaded.Relays[0] != "wss://a.example" {
		t.Errorf("expected relays to be set, got %v", loaded.Relays)
	}
}

func TestSetValue_NewNestedKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	// Keys outside the Config struct survive
	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "custom.setting")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "value" {
		t.Errorf("expected custom.setting=value, got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// Load creates the file with defaults.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	// Default log_level is "info"
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
