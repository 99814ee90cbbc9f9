package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timezone != "UTC" || cfg.Rollover.Policy != RolloverExact || cfg.Notifier.Kind != NotifierLog {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("timezone: Europe/Moscow\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Timezone != "Europe/Moscow" {
		t.Fatalf("timezone = %s", cfg.Timezone)
	}
	if cfg.Rollover.Policy != RolloverExact {
		t.Fatalf("policy default lost: %s", cfg.Rollover.Policy)
	}
	if cfg.Server.Addr == "" {
		t.Fatal("server addr default lost")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad timezone", "timezone: Not/AZone\n"},
		{"bad policy", "rollover:\n  policy: sometimes\n"},
		{"telegram without token", "notifier:\n  kind: telegram\n"},
		{"bad notifier kind", "notifier:\n  kind: pigeon\n"},
		{"webhook without url", "webhooks:\n  - events: [task.created]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected %s to fail validation", tc.name)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if cfg.Timezone != "UTC" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}

	if err := os.WriteFile(filepath.Join(dir, "daybook.yml"), []byte("timezone: America/New_York\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional with file: %v", err)
	}
	if cfg.Timezone != "America/New_York" {
		t.Fatalf("timezone = %s", cfg.Timezone)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
