package config

import (
	"time"
)

// Config is the top-level sovereign configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Posture       PostureConfig       `yaml:"posture"`
	Audit         AuditConfig         `yaml:"audit"`
	Transport     TransportConfig     `yaml:"transport"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

// SessionConfig holds the defaults stamped on every new session.
type SessionConfig struct {
	Actor       string `yaml:"actor"`
	EntryMethod string `yaml:"entry_method"`
	Locale      string `yaml:"locale"`
}

// PostureConfig controls the transient elevation after an escalation.
type PostureConfig struct {
	RevertAfter time.Duration `yaml:"revert_after"`
	RevertMode  string        `yaml:"revert_mode"` // latest, overlapping
}

// AuditConfig selects the audit store. The sqlite driver with an empty path
// keeps its database in memory.
type AuditConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite
	Path   string `yaml:"path"`
}

// TransportConfig points at the external AI chat endpoint.
type TransportConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"` // ws://localhost:4000/chat
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
}

type NotificationsConfig struct {
	Log      bool               `yaml:"log"`
	DedupTTL time.Duration      `yaml:"dedup_ttl"`
	Webhook  WebhookNotifConfig `yaml:"webhook"`
	Redis    RedisNotifConfig   `yaml:"redis"`
}

type WebhookNotifConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type RedisNotifConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7420,
			LogLevel: "info",
			CORS:     true,
		},
		Session: SessionConfig{
			Actor:       "sovereign-operator",
			EntryMethod: "three-stage",
			Locale:      "en",
		},
		Posture: PostureConfig{
			RevertAfter: 3 * time.Second,
			RevertMode:  "latest",
		},
		Audit: AuditConfig{
			Driver: "memory",
		},
		Transport: TransportConfig{
			HandshakeTimeout: 10 * time.Second,
			SendTimeout:      60 * time.Second,
			ReconnectDelay:   5 * time.Second,
		},
		Notifications: NotificationsConfig{
			Log: true,
		},
	}
}
