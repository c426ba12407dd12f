package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/sqlgate"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated config is not YAML: %v\n%s", err, stdout)
	}
	if got.Listen != sqlgate.DefaultListen || got.TotalSlots != sqlgate.DefaultTotalSlots {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if len(got.Datasources) != 1 || got.Datasources[0].Driver != sqlgate.DefaultDriver {
		t.Fatalf("unexpected datasources %+v", got.Datasources)
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatalf("expected --out and --stdout to conflict")
	}
}

func TestGeneratedConfigLoadsBack(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Listen = "127.0.0.1:0"
		d.Datasources[0].DSN = "file:generated?mode=memory"
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	root := newTestRoot(t)
	if err := root.ParseFlags([]string{"--config", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, _, err := resolveServerConfig()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Listen != "127.0.0.1:0" || cfg.Datasources[0].DSN != "file:generated?mode=memory" {
		t.Fatalf("generated config not honoured: %+v", cfg)
	}
	if cfg.Datasources[0].XATimeout != sqlgate.DefaultXATimeout {
		t.Fatalf("xa timeout = %s", cfg.Datasources[0].XATimeout)
	}
}
