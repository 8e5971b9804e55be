package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validRevertModes = map[string]bool{"": true, "latest": true, "overlapping": true}
	validDrivers     = map[string]bool{"": true, "memory": true, "sqlite": true}
)

// Validate checks cfg for values the service cannot start with. All problems
// are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if lvl := strings.ToLower(cfg.Server.LogLevel); lvl != "" && !validLogLevels[lvl] {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Posture.RevertAfter < 0 {
		errs = append(errs, fmt.Errorf("posture.revert_after must not be negative, got %s", cfg.Posture.RevertAfter))
	}
	if !validRevertModes[strings.ToLower(cfg.Posture.RevertMode)] {
		errs = append(errs, fmt.Errorf("posture.revert_mode %q is not one of latest, overlapping", cfg.Posture.RevertMode))
	}

	if !validDrivers[strings.ToLower(cfg.Audit.Driver)] {
		errs = append(errs, fmt.Errorf("audit.driver %q is not one of memory, sqlite", cfg.Audit.Driver))
	}

	if cfg.Transport.Enabled {
		if cfg.Transport.URL == "" {
			errs = append(errs, errors.New("transport.url is required when transport is enabled"))
		} else if u, err := url.Parse(cfg.Transport.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("transport.url %q must be a ws:// or wss:// URL", cfg.Transport.URL))
		}
	}

	if cfg.Notifications.DedupTTL < 0 {
		errs = append(errs, errors.New("notifications.dedup_ttl must not be negative"))
	}
	if u := cfg.Notifications.Webhook.URL; u != "" {
		if parsed, err := url.Parse(u); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs = append(errs, fmt.Errorf("notifications.webhook.url %q must be an http(s) URL", u))
		}
	}

	return errors.Join(errs...)
}
