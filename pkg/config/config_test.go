package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Inner struct {
		Token string `yaml:"token"`
	} `yaml:"inner"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_KeepsDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_TOKEN", "s3cret")
	path := writeConfig(t, "port: 9000\ninner:\n  token: ${SAMPLE_TOKEN}\n")

	cfg := sample{Name: "default", Port: 1}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "default" {
		t.Errorf("name = %q, want default kept", cfg.Name)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Inner.Token != "s3cret" {
		t.Errorf("token = %q", cfg.Inner.Token)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "port: 9000\nprot: 1\n")
	cfg := sample{}
	err := Load(path, &cfg)
	if err == nil || !strings.Contains(err.Error(), "prot") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "port: -1\n")
	cfg := sample{}
	err := Load(path, &cfg)
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg := sample{Port: 80}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 80 {
		t.Errorf("port = %d", cfg.Port)
	}
}

func TestLoadOptional(t *testing.T) {
	cfg := sample{Port: 80}
	found, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	if err != nil || found {
		t.Fatalf("missing file: found=%v err=%v", found, err)
	}

	bad := sample{}
	if _, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"), &bad); err == nil {
		t.Error("defaults are still validated")
	}

	path := writeConfig(t, "port: 81\n")
	found, err = LoadOptional(path, &cfg)
	if err != nil || !found || cfg.Port != 81 {
		t.Errorf("found=%v err=%v port=%d", found, err, cfg.Port)
	}
}
