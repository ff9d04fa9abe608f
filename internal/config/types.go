package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Policy   PolicyConfig   `json:"policy,omitempty"`
	Sessions SessionsConfig `json:"sessions,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./forwardbot_store.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PolicyConfig gates which chats and messages the bot reacts to.
type PolicyConfig struct {
	// PrivateOnly ignores commands sent from group chats. Default true.
	PrivateOnly *bool `json:"private_only,omitempty"`
	// DedupWindow suppresses identical commands from the same user arriving
	// within this window (duplicate update deliveries). "0s" disables.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// SessionsConfig controls expiry of abandoned setup conversations.
type SessionsConfig struct {
	// TTL is how long an idle setup session survives. Default "1h".
	TTL string `json:"ttl,omitempty"`
	// SweepSchedule is a cron spec for the expiry sweep. Default "*/10 * * * *".
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
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

func (p PolicyConfig) PrivateOnlyEnabled() bool {
	if p.PrivateOnly == nil {
		return true
	}
	return *p.PrivateOnly
}

// Validate checks the parts that cannot be defaulted away. Parsed durations
// are validated here too so a reload with a bad duration is rejected as a
// whole instead of half-applying.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	fields := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"policy.dedup_window", c.Policy.DedupWindow},
		{"sessions.ttl", c.Sessions.TTL},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Notifier.RatePerSec < 0 {
		return fmt.Errorf("notifier.rate_per_sec: must be >= 0")
	}
	if c.Notifier.QueueSize < 0 {
		return fmt.Errorf("notifier.queue_size: must be >= 0")
	}
	return nil
}

func (c *Config) PollTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (c *Config) SessionTTLOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("sessions.ttl", c.Sessions.TTL, time.Hour)
	if err != nil {
		return time.Hour
	}
	return d
}

func (c *Config) SweepScheduleOrDefault() string {
	if strings.TrimSpace(c.Sessions.SweepSchedule) == "" {
		return "*/10 * * * *"
	}
	return c.Sessions.SweepSchedule
}

func (c *Config) DedupWindowOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("policy.dedup_window", c.Policy.DedupWindow, 2*time.Second)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
