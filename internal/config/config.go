// Package config loads gateway configuration from the environment.
// Flags on the command line take precedence; environment variables cover
// deployment settings that should not live in unit files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/buyve/rpcgate/pkg/endpoints"
)

// Environment variable names.
const (
	EnvEndpoints   = "RPCGATE_ENDPOINTS"
	EnvWSEndpoint  = "RPCGATE_WS_ENDPOINT"
	EnvAddr        = "RPCGATE_ADDR"
	EnvJournalPath = "RPCGATE_JOURNAL_PATH"
	EnvCooldowns   = "RPCGATE_COOLDOWNS"
)

// Config is the environment-sourced portion of gateway configuration.
type Config struct {
	// Endpoints is the prioritized HTTP endpoint list.
	Endpoints []string

	// WSEndpoint is the websocket URL used for confirmation subscriptions.
	WSEndpoint string

	// Addr is the gateway listen address.
	Addr string

	// JournalPath is where health events are persisted. Empty disables
	// the journal.
	JournalPath string

	// Cooldowns overrides the default blacklist cooldown table.
	Cooldowns endpoints.Cooldowns
}

// FromEnv reads configuration from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Endpoints:   ParseEndpoints(os.Getenv(EnvEndpoints)),
		WSEndpoint:  os.Getenv(EnvWSEndpoint),
		Addr:        os.Getenv(EnvAddr),
		JournalPath: os.Getenv(EnvJournalPath),
	}

	cooldowns, err := ParseCooldowns(os.Getenv(EnvCooldowns))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvCooldowns, err)
	}
	cfg.Cooldowns = cooldowns
	return cfg, nil
}

// ParseEndpoints splits a comma-separated endpoint list, trimming
// whitespace and dropping empty entries.
func ParseEndpoints(raw string) []string {
	if raw == "" {
		return nil
	}
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		if url := strings.TrimSpace(part); url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

// ParseCooldowns parses failure-type cooldown overrides in the form
// "rate_limit=45s,timeout=10s". Unnamed types keep their defaults; an
// unknown type name is an error. Empty input returns the defaults.
func ParseCooldowns(raw string) (endpoints.Cooldowns, error) {
	cooldowns := endpoints.DefaultCooldowns()
	if raw == "" {
		return cooldowns, nil
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed cooldown override %q", part)
		}

		ft := endpoints.FailureType(strings.TrimSpace(name))
		if _, known := cooldowns[ft]; !known {
			return nil, fmt.Errorf("unknown failure type %q", name)
		}

		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("cooldown for %s: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("cooldown for %s must be positive", name)
		}
		cooldowns[ft] = d
	}
	return cooldowns, nil
}
