package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.PermissionTTL != 10*time.Second {
		t.Errorf("expected 10s permission TTL, got %v", cfg.Cache.PermissionTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_HOOK_URL", "https://hooks.example.com/quota")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
cycle:
  mode: fixed
  period: 720h
rate_limit:
  window: 10s
  strategy: token
default_limit:
  max_keys: 3
  rate_limit: 50
  free_warn: 80
  free_max: 100
  over_warn: 140
  over_max: 150
  block_transactions: true
events:
  sink: webhook
  webhook_url: ${TEST_HOOK_URL}
permissions:
  members:
    - project_id: 7
      user_id: alice
      permission: ADMIN
  resources:
    - project_id: 7
      tier: pro
      contracts: ["0xabc"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Events.WebhookURL != "https://hooks.example.com/quota" {
		t.Errorf("env var not expanded: got %s", cfg.Events.WebhookURL)
	}
	if cfg.Cycle.Period != 720*time.Hour {
		t.Errorf("expected 720h period, got %v", cfg.Cycle.Period)
	}
	if cfg.RateLimit.Window != 10*time.Second || cfg.RateLimit.Strategy != "token" {
		t.Errorf("unexpected rate limit config: %+v", cfg.RateLimit)
	}
	if !cfg.DefaultLimit.BlockTransactions || cfg.DefaultLimit.OverMax != 150 {
		t.Errorf("unexpected default limit: %+v", cfg.DefaultLimit)
	}
	if len(cfg.Permissions.Members) != 1 || cfg.Permissions.Members[0].UserID != "alice" {
		t.Fatalf("unexpected members: %+v", cfg.Permissions.Members)
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.Size != 10000 {
		t.Errorf("expected default cache size, got %d", cfg.Cache.Size)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"warn above max": `
default_limit:
  free_warn: 200
  free_max: 100
  over_max: 300
`,
		"negative": `
default_limit:
  free_max: -1
`,
		"fixed without period": `
cycle:
  mode: fixed
`,
		"webhook without url": `
events:
  sink: webhook
`,
		"bad permission": `
permissions:
  members:
    - project_id: 1
      user_id: bob
      permission: OWNER
`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "listen: \":9000\"\n")

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, zerolog.Nop(), func(c *Config) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Close()

	// Invalid content is ignored.
	if err := os.WriteFile(path, []byte("cycle:\n  mode: weekly\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(path, []byte("listen: \":9001\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Listen != ":9001" {
			t.Errorf("expected :9001, got %s", cfg.Listen)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
