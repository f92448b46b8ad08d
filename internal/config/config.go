// Package config manages daemon configuration loaded from environment
// variables and an optional JSON config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lspd/lspd/internal/logging"
	"github.com/spf13/viper"
)

const (
	appName           = "lspd"
	defaultConfigName = "config"
	envConfigFile     = "DAEMON_CONFIG_FILE"
)

// ServerOverride is one entry of the config file's "servers" list. A
// matching Id replaces a built-in catalog entry; an unrecognized Id is
// appended as a new one (see internal/catalog).
type ServerOverride struct {
	ID             string            `json:"id"`
	Extensions     []string          `json:"extensions,omitempty"`
	RootPatterns   []string          `json:"rootPatterns,omitempty"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Initialization any               `json:"initialization,omitempty"`
	PackageName    string            `json:"packageName,omitempty"`
}

// FileConfig is the shape of the optional JSON config file (spec §6).
type FileConfig struct {
	Servers            []ServerOverride  `json:"servers,omitempty"`
	LanguageExtensions map[string]string `json:"languageExtensions,omitempty"`
}

// Config is the daemon's resolved runtime configuration.
type Config struct {
	WorkingDir     string
	ConfigPath     string // canonicalized path of the loaded config file, "" if none
	File           FileConfig
	Debug          bool
	SingleRootMode bool
}

var (
	cfg *Config
	mu  sync.RWMutex
)

// Reset clears the global configuration. Exposed for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cfg = nil
}

// Load resolves the optional config file, overlays environment
// variables, and stores the result as the process-global configuration.
func Load(workingDir string, debug bool) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if cfg != nil {
		return cfg, nil
	}

	c := &Config{
		WorkingDir:     workingDir,
		Debug:          debug,
		SingleRootMode: strings.EqualFold(os.Getenv("SINGLE_ROOT_MODE"), "true"),
	}

	path, err := resolveConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if path != "" {
		fc, err := loadFileConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		c.File = fc
		c.ConfigPath = path
	}

	cfg = c
	return cfg, nil
}

// resolveConfigPath determines the config file path per spec §6/§4.3:
// DAEMON_CONFIG_FILE env var, else a default under the user config dir.
// Returns "" if neither exists. "~/" prefixes are expanded.
func resolveConfigPath() (string, error) {
	path := os.Getenv(envConfigFile)
	if path == "" {
		v := viper.New()
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("json")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", appName))
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return "", nil
			}
			return "", err
		}
		return filepath.Clean(v.ConfigFileUsed()), nil
	}

	path = expandHome(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return abs, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

func loadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse json: %w", err)
	}
	for i, s := range fc.Servers {
		if s.ID == "" {
			return FileConfig{}, fmt.Errorf("servers[%d]: missing id", i)
		}
	}
	logging.Debug("loaded config file", "path", path, "servers", len(fc.Servers))
	return fc, nil
}

// Get returns the current configuration, or nil if Load has not run.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// WorkingDirectory returns the daemon's working directory. Panics if
// config has not been loaded, matching the teacher's invariant that
// this is only ever called post-startup.
func WorkingDirectory() string {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		panic("config not loaded")
	}
	return cfg.WorkingDir
}
