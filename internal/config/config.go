package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to supervise an engine and serve the debug
// surface. Values resolve in priority order: env var > config file > default.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Control ControlConfig `yaml:"control"`
	LogPath string        `yaml:"log_path"`
}

// EngineConfig describes the engine child process and its HTTP endpoint.
type EngineConfig struct {
	BinaryPath string   `yaml:"binary_path"`
	Port       int      `yaml:"port"`
	SessionDir string   `yaml:"session_dir"`
	WindowSize string   `yaml:"window_size"` // "WxH"
	Headless   bool     `yaml:"headless"`
	ExtraArgs  []string `yaml:"extra_args"`
}

// ControlConfig describes the local debug/control HTTP server.
type ControlConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Load reads the config file at path (or the default location when path is
// empty), applies defaults and env overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			BinaryPath: defaultBinaryPath(),
			Port:       9222,
			SessionDir: filepath.Join(abpDir(), "sessions"),
			WindowSize: "1280x720",
			Headless:   true,
		},
		Control: ControlConfig{
			Port: 9333,
			Host: "127.0.0.1",
		},
		LogPath: filepath.Join(abpDir(), "abp.log"),
	}

	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ABP_ENGINE_BINARY"); v != "" {
		cfg.Engine.BinaryPath = v
	}
	if v := os.Getenv("ABP_ENGINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Port = port
		}
	}
	if v := os.Getenv("ABP_SESSION_DIR"); v != "" {
		cfg.Engine.SessionDir = v
	}
	if v := os.Getenv("ABP_WINDOW_SIZE"); v != "" {
		cfg.Engine.WindowSize = v
	}
	if v := os.Getenv("ABP_HEADLESS"); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.Headless = headless
		}
	}
	if v := os.Getenv("ABP_EXTRA_ARGS"); v != "" {
		cfg.Engine.ExtraArgs = strings.Fields(v)
	}
	if v := os.Getenv("ABP_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Control.Port = port
		}
	}
	if v := os.Getenv("ABP_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
}

// EngineURL returns the base URL of the engine's HTTP surface.
func (c *Config) EngineURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Engine.Port)
}

// ControlURL returns the base URL of the local control surface.
func (c *Config) ControlURL() string {
	return fmt.Sprintf("http://%s:%d", c.Control.Host, c.Control.Port)
}

// DefaultConfigPath returns the config file location, honoring
// ABP_CONFIG_PATH.
func DefaultConfigPath() string {
	if v := os.Getenv("ABP_CONFIG_PATH"); v != "" {
		return v
	}
	return filepath.Join(abpDir(), "config.yaml")
}

// abpDir returns the base directory for abp files.
func abpDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.abp"
	}
	return filepath.Join(home, ".abp")
}

func defaultBinaryPath() string {
	return filepath.Join(abpDir(), "engine", "abp-engine")
}

// WindowDims parses the WxH window size string. Falls back to 1280x720 on a
// malformed value rather than failing the launch.
func (e *EngineConfig) WindowDims() (int, int) {
	parts := strings.SplitN(strings.ToLower(e.WindowSize), "x", 2)
	if len(parts) != 2 {
		return 1280, 720
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1280, 720
	}
	return w, h
}
