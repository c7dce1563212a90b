package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
registry:
  path: ./data/registry.db
processed:
  path: ./data/processed.db
  retention: "720h"
monitor:
  refresh_interval: "30s"
poller:
  enabled: true
  interval: "45s"
  fetch_limit: 10
notifier:
  workers: 2
  queue_size: 128
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if got := cfg.Telegram.PollTimeoutOr(time.Minute); got != 10*time.Second {
		t.Fatalf("poll timeout = %v, want 10s", got)
	}
	if got := cfg.Poller.IntervalOr(time.Second); got != 45*time.Second {
		t.Fatalf("poller interval = %v, want 45s", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML+"\nmystery:\n  enabled: true\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRequiresToken(t *testing.T) {
	var cfg Config
	cfg.Registry.Path = "r.db"
	cfg.Processed.Path = "p.db"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing-token error")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	var cfg Config
	cfg.Telegram.Token = "t"
	cfg.Registry.Path = "r.db"
	cfg.Processed.Path = "p.db"
	cfg.Monitor.RefreshInterval = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid-duration error")
	}
}

func TestDurationDefaults(t *testing.T) {
	var p ProcessedConfig
	if got := p.RetentionOr(720 * time.Hour); got != 720*time.Hour {
		t.Fatalf("retention default = %v", got)
	}
	p.Retention = "48h"
	if got := p.RetentionOr(720 * time.Hour); got != 48*time.Hour {
		t.Fatalf("retention = %v, want 48h", got)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("received wrong config")
		}
	default:
		t.Fatal("no config delivered")
	}

	// A full buffer keeps the newest value.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("slow subscriber should see the newest config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
