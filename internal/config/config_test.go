package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxItems != 3 {
		t.Fatalf("MaxItems = %d, want 3", cfg.MaxItems)
	}
	if cfg.AutoSaveDebounce() != 3*time.Second {
		t.Fatalf("AutoSaveDebounce() = %v, want 3s", cfg.AutoSaveDebounce())
	}
	if cfg.PermissionPollInterval() != 5*time.Second {
		t.Fatalf("PermissionPollInterval() = %v, want 5s", cfg.PermissionPollInterval())
	}
	if !cfg.AutoSaveEnabled() {
		t.Fatal("AutoSaveEnabled() = false, want true by default")
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"max_items": 5, "save_strategy": "manual"}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxItems != 5 {
		t.Fatalf("MaxItems = %d, want 5", cfg.MaxItems)
	}
	if cfg.AutoSaveEnabled() {
		t.Fatal("AutoSaveEnabled() = true, want false for manual strategy")
	}
	if cfg.AutoSaveDebounceMs != 3000 {
		t.Fatalf("AutoSaveDebounceMs = %d, want default 3000", cfg.AutoSaveDebounceMs)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{not json}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoadWithRepo_BothPresent(t *testing.T) {
	globalDir := t.TempDir()
	repoRoot := t.TempDir()

	globalConfig := `{"max_items": 4, "disabled_tools": ["capability_remove"]}`
	if err := os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(globalConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	repoDir := filepath.Join(repoRoot, ".tabkeep")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	repoConfig := `{"max_items": 2, "disabled_tools": ["item_save"]}`
	if err := os.WriteFile(filepath.Join(repoDir, "config.json"), []byte(repoConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadWithRepo(globalDir, repoRoot)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	if cfg.MaxItems != 2 {
		t.Errorf("MaxItems = %d, want 2 (repo override)", cfg.MaxItems)
	}
	if len(cfg.DisabledTools) != 2 {
		t.Errorf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}
}

func TestLoadWithRepo_NeitherPresent(t *testing.T) {
	cfg, err := LoadWithRepo(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.MaxItems != DefaultConfig().MaxItems {
		t.Errorf("MaxItems = %d, want default", cfg.MaxItems)
	}
}

func TestMerge_ScalarOverride(t *testing.T) {
	base := &Config{MaxItems: 3, LogLevel: "info"}
	overlay := &Config{MaxItems: 7}

	result := Merge(base, overlay)

	if result.MaxItems != 7 {
		t.Errorf("MaxItems = %d, want 7", result.MaxItems)
	}
	if result.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q (base kept)", result.LogLevel, "info")
	}
}

func TestMerge_ArrayMergeDedup(t *testing.T) {
	base := &Config{DisabledTypes: []string{"session", " item "}}
	overlay := &Config{DisabledTypes: []string{"item", "capability", ""}}

	result := Merge(base, overlay)

	want := []string{"session", "item", "capability"}
	if len(result.DisabledTypes) != len(want) {
		t.Fatalf("DisabledTypes = %v, want %v", result.DisabledTypes, want)
	}
	for i := range want {
		if result.DisabledTypes[i] != want[i] {
			t.Errorf("DisabledTypes[%d] = %q, want %q", i, result.DisabledTypes[i], want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SaveStrategy = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown save strategy")
	}

	cfg = DefaultConfig()
	cfg.MaxItems = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject max_items = 0")
	}
}

func TestFindRepoConfig_InParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	repoDir := filepath.Join(tmpDir, ".tabkeep")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	configPath := filepath.Join(repoDir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	subdir := filepath.Join(tmpDir, "subdir", "deeper")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	found := FindRepoConfig(subdir)
	if found != configPath {
		t.Errorf("FindRepoConfig() = %q, want %q", found, configPath)
	}
}
