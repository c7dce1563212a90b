package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Registry  StorageConfig   `json:"registry"`
	Processed ProcessedConfig `json:"processed"`
	Monitor   MonitorConfig   `json:"monitor"`
	Poller    PollerConfig    `json:"poller"`
	Notifier  NotifierConfig  `json:"notifier"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ProcessedConfig controls the duplicate-suppression store.
type ProcessedConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention bounds how long processed markers are kept before the daily
	// prune removes them. Default "720h" (30 days).
	Retention string `json:"retention,omitempty"`
}

type MonitorConfig struct {
	// RefreshInterval is how often the monitoring index is rebuilt from the
	// registry. Default "30s".
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

// PollerConfig controls the periodic catch-up sweep over monitored feeds.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type PollerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between full sweeps. Default "30s".
	Interval string `json:"interval,omitempty"`
	// StartDelay before the first sweep. Default "10s".
	StartDelay string `json:"start_delay,omitempty"`
	// FetchLimit caps how many recent messages are fetched per feed. Default 10.
	FetchLimit int `json:"fetch_limit,omitempty"`
	// MaxFeedJitter is the random pause between consecutive feeds within one
	// sweep. Default "2s".
	MaxFeedJitter string `json:"max_feed_jitter,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Workers    int `json:"workers,omitempty"`     // default 2
	QueueSize  int `json:"queue_size,omitempty"`  // default 256
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 20
	// FloodMaxWait bounds how long a worker sleeps on a rate-limit response
	// before the single retry. Default "30s".
	FloodMaxWait string `json:"flood_max_wait,omitempty"`
	// PreviewLen caps the quoted message text in runes. Default 200.
	PreviewLen int `json:"preview_len,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		return fmt.Errorf("registry.path is required")
	}
	if strings.TrimSpace(c.Processed.Path) == "" {
		return fmt.Errorf("processed.path is required")
	}
	fields := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"registry.busy_timeout", c.Registry.BusyTimeout},
		{"processed.busy_timeout", c.Processed.BusyTimeout},
		{"processed.retention", c.Processed.Retention},
		{"monitor.refresh_interval", c.Monitor.RefreshInterval},
		{"poller.interval", c.Poller.Interval},
		{"poller.start_delay", c.Poller.StartDelay},
		{"poller.max_feed_jitter", c.Poller.MaxFeedJitter},
		{"notifier.flood_max_wait", c.Notifier.FloodMaxWait},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Poller.FetchLimit < 0 {
		return fmt.Errorf("poller.fetch_limit must be >= 0")
	}
	if c.Notifier.Workers < 0 || c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 {
		return fmt.Errorf("notifier values must be >= 0")
	}
	return nil
}

func (t TelegramConfig) PollTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (s StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("busy_timeout", s.BusyTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (p ProcessedConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("processed.busy_timeout", p.BusyTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (p ProcessedConfig) RetentionOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("processed.retention", p.Retention, def)
	if err != nil {
		return def
	}
	return d
}

func (m MonitorConfig) RefreshIntervalOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("monitor.refresh_interval", m.RefreshInterval, def)
	if err != nil {
		return def
	}
	return d
}

func (p PollerConfig) IntervalOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("poller.interval", p.Interval, def)
	if err != nil {
		return def
	}
	return d
}

func (p PollerConfig) StartDelayOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("poller.start_delay", p.StartDelay, def)
	if err != nil {
		return def
	}
	return d
}

func (p PollerConfig) MaxFeedJitterOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("poller.max_feed_jitter", p.MaxFeedJitter, def)
	if err != nil {
		return def
	}
	return d
}

func (n NotifierConfig) FloodMaxWaitOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("notifier.flood_max_wait", n.FloodMaxWait, def)
	if err != nil {
		return def
	}
	return d
}
