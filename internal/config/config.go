package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Eval    EvalConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type StorageConfig struct {
	// DataDir is the root under which the warehouse, prepared snapshots,
	// features, models, reports and run records live.
	DataDir string

	// RegistryPath points at a feature-registry YAML file. Empty means
	// the embedded default registry.
	RegistryPath string
}

type EvalConfig struct {
	K int
}

type LogConfig struct {
	Level string
}

// Data layout helpers, all rooted at DataDir.

func (s StorageConfig) PreparedDir() string  { return filepath.Join(s.DataDir, "prepared") }
func (s StorageConfig) FeaturesDir() string  { return filepath.Join(s.DataDir, "features") }
func (s StorageConfig) WarehouseDir() string { return filepath.Join(s.DataDir, "warehouse") }
func (s StorageConfig) ModelsDir() string    { return filepath.Join(s.DataDir, "models") }
func (s StorageConfig) RunsDir() string      { return filepath.Join(s.DataDir, "runs") }

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Eval: EvalConfig{
			K: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file (if present) and applies
// RECOMART_* environment overrides on top of the defaults.
func Load() (Config, error) {
	return loadWith(configFilePath())
}

func loadWith(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No config file is fine; defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("reading config: %w", err)
		default:
			var stored map[string]string
			if err := json.Unmarshal(data, &stored); err != nil {
				return Config{}, fmt.Errorf("parsing config: %w", err)
			}
			for k, v := range stored {
				if err := applyKey(&cfg, k, v); err != nil {
					return Config{}, err
				}
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func configFilePath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "recomart", "config.json")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RECOMART_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RECOMART_MCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MCPPort = port
		}
	}
	if v := os.Getenv("RECOMART_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("RECOMART_REGISTRY"); v != "" {
		cfg.Storage.RegistryPath = v
	}
	if v := os.Getenv("RECOMART_EVAL_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Eval.K = k
		}
	}
	if v := os.Getenv("RECOMART_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyKey(cfg *Config, key, value string) error {
	switch key {
	case "server.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		cfg.Server.Port = port
	case "server.mcp_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		cfg.Server.MCPPort = port
	case "storage.data_dir":
		cfg.Storage.DataDir = value
	case "storage.registry_path":
		cfg.Storage.RegistryPath = value
	case "eval.k":
		k, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		cfg.Eval.K = k
	case "log.level":
		cfg.Log.Level = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// KV is one displayable configuration entry.
type KV struct {
	Key   string
	Value string
}

// ShowAll returns every configuration key with its effective value.
func ShowAll(cfg Config) []KV {
	return []KV{
		{"server.port", strconv.Itoa(cfg.Server.Port)},
		{"server.mcp_port", strconv.Itoa(cfg.Server.MCPPort)},
		{"storage.data_dir", cfg.Storage.DataDir},
		{"storage.registry_path", cfg.Storage.RegistryPath},
		{"eval.k", strconv.Itoa(cfg.Eval.K)},
		{"log.level", cfg.Log.Level},
	}
}

// SetKey validates and persists one key in the config file.
func SetKey(key, value string) error {
	// Validate against a scratch config before persisting.
	scratch := defaults()
	if err := applyKey(&scratch, key, value); err != nil {
		return err
	}

	path := configFilePath()
	if path == "" {
		return fmt.Errorf("cannot determine config file location")
	}

	stored := make(map[string]string)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("parsing existing config: %w", err)
		}
	}
	stored[key] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
