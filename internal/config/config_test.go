package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RECOMART_PORT", "RECOMART_MCP_PORT", "RECOMART_DATA_DIR",
		"RECOMART_REGISTRY", "RECOMART_EVAL_K", "RECOMART_LOG_LEVEL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith("")
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4601 {
		t.Errorf("Server.MCPPort = %d, want 4601", cfg.Server.MCPPort)
	}
	if cfg.Storage.DataDir != "data" {
		t.Errorf("Storage.DataDir = %q, want data", cfg.Storage.DataDir)
	}
	if cfg.Eval.K != 5 {
		t.Errorf("Eval.K = %d, want 5", cfg.Eval.K)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadWith_ConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server.port": "9000", "eval.k": "10", "storage.data_dir": "/var/lib/recomart"}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Eval.K != 10 {
		t.Errorf("Eval.K = %d, want 10", cfg.Eval.K)
	}
	if cfg.Storage.DataDir != "/var/lib/recomart" {
		t.Errorf("Storage.DataDir = %q, want /var/lib/recomart", cfg.Storage.DataDir)
	}
}

func TestLoadWith_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want default 4600", cfg.Server.Port)
	}
}

func TestLoadWith_MalformedFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := loadWith(path); err == nil {
		t.Error("loadWith accepted malformed JSON")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RECOMART_PORT", "7777")
	t.Setenv("RECOMART_DATA_DIR", "/tmp/reco")
	t.Setenv("RECOMART_EVAL_K", "3")

	cfg, err := loadWith("")
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/reco" {
		t.Errorf("Storage.DataDir = %q, want /tmp/reco", cfg.Storage.DataDir)
	}
	if cfg.Eval.K != 3 {
		t.Errorf("Eval.K = %d, want 3", cfg.Eval.K)
	}
}

func TestEnvOverrides_WinOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RECOMART_PORT", "7777")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server.port": "9000"}`), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want env override 7777", cfg.Server.Port)
	}
}

func TestApplyKey_UnknownKey(t *testing.T) {
	cfg := defaults()
	if err := applyKey(&cfg, "nope.nothing", "1"); err == nil {
		t.Error("applyKey accepted an unknown key")
	}
}

func TestApplyKey_InvalidInt(t *testing.T) {
	cfg := defaults()
	if err := applyKey(&cfg, "eval.k", "five"); err == nil {
		t.Error("applyKey accepted a non-numeric eval.k")
	}
}

func TestStoragePaths(t *testing.T) {
	s := StorageConfig{DataDir: "/data"}
	cases := map[string]string{
		s.PreparedDir():  "/data/prepared",
		s.FeaturesDir():  "/data/features",
		s.WarehouseDir(): "/data/warehouse",
		s.ModelsDir():    "/data/models",
		s.RunsDir():      "/data/runs",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}

func TestShowAll(t *testing.T) {
	cfg := defaults()
	kvs := ShowAll(cfg)
	if len(kvs) != 6 {
		t.Fatalf("got %d entries, want 6", len(kvs))
	}
	if kvs[0].Key != "server.port" || kvs[0].Value != "4600" {
		t.Errorf("kvs[0] = %+v, want server.port=4600", kvs[0])
	}
}
