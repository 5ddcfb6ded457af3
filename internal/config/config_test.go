package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Port != 9222 {
		t.Errorf("Engine.Port = %d, want 9222", cfg.Engine.Port)
	}
	if cfg.Control.Port != 9333 {
		t.Errorf("Control.Port = %d, want 9333", cfg.Control.Port)
	}
	if !cfg.Engine.Headless {
		t.Error("Headless should default to true")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  port: 9444
  window_size: 1920x1080
control:
  port: 9555
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Port != 9444 {
		t.Errorf("Engine.Port = %d, want 9444", cfg.Engine.Port)
	}
	if cfg.Control.Port != 9555 {
		t.Errorf("Control.Port = %d, want 9555", cfg.Control.Port)
	}
	w, h := cfg.Engine.WindowDims()
	if w != 1920 || h != 1080 {
		t.Errorf("WindowDims() = %dx%d, want 1920x1080", w, h)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  port: 9444\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ABP_ENGINE_PORT", "9666")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Port != 9666 {
		t.Errorf("Engine.Port = %d, want env override 9666", cfg.Engine.Port)
	}
}

func TestLoad_EngineLaunchEnvOverrides(t *testing.T) {
	t.Setenv("ABP_WINDOW_SIZE", "1920x1080")
	t.Setenv("ABP_HEADLESS", "false")
	t.Setenv("ABP_EXTRA_ARGS", "--disable-gpu --lang=en")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.WindowSize != "1920x1080" {
		t.Errorf("WindowSize = %q, want env override", cfg.Engine.WindowSize)
	}
	if cfg.Engine.Headless {
		t.Error("Headless = true, want env override false")
	}
	if len(cfg.Engine.ExtraArgs) != 2 || cfg.Engine.ExtraArgs[0] != "--disable-gpu" || cfg.Engine.ExtraArgs[1] != "--lang=en" {
		t.Errorf("ExtraArgs = %v, want [--disable-gpu --lang=en]", cfg.Engine.ExtraArgs)
	}
}

func TestWindowDims_Malformed(t *testing.T) {
	tests := []struct {
		in   string
		w, h int
	}{
		{"1280x720", 1280, 720},
		{"800X600", 800, 600},
		{"garbage", 1280, 720},
		{"0x100", 1280, 720},
		{"", 1280, 720},
	}
	for _, tt := range tests {
		e := EngineConfig{WindowSize: tt.in}
		w, h := e.WindowDims()
		if w != tt.w || h != tt.h {
			t.Errorf("WindowDims(%q) = %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}
