// Package tenant also resolves per-tenant display preferences: today that is
// limited to the IANA timezone a tenant's day/week-bucketed projections
// should use. Adapted from internal/aliasing's YAML-configured, "missing
// file is fine" resolver — here the patterns are (tenant_id -> timezone)
// overrides instead of dataset URN rewrites.
package tenant

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kura-dev/kura/internal/config"
)

// DefaultConfigPath is where Preferences looks for tenant timezone overrides
// absent KURA_TENANT_CONFIG_PATH.
const DefaultConfigPath = ".kura-tenants.yaml"

// ConfigPathEnvVar names the environment variable carrying a custom path.
const ConfigPathEnvVar = "KURA_TENANT_CONFIG_PATH"

// UTC is the fallback zone for tenants with no configured preference and for
// any naive timestamp the day/week bucketing handlers encounter.
var UTC = time.UTC

// TimezoneOverride maps one tenant id to its preferred IANA zone name.
type TimezoneOverride struct {
	TenantID string `yaml:"tenant_id"`
	Timezone string `yaml:"timezone"`
}

// PreferencesConfig holds every tenant's timezone override, loaded from YAML.
type PreferencesConfig struct {
	Tenants []TimezoneOverride `yaml:"tenants"`
}

// Preferences resolves a tenant id to its preferred *time.Location, falling
// back to UTC when the tenant has no override or the override's zone name
// fails to load. Safe for concurrent use; built once at startup and treated
// as read-only, like every other process-wide registry in this codebase.
type Preferences struct {
	zones map[string]*time.Location
}

// LoadPreferences loads tenant timezone overrides from a YAML file at path.
//
// Behavior mirrors aliasing.LoadConfig: a missing file is fine (no tenant has
// configured a preference yet), an unreadable or malformed file logs a
// warning and falls back to an empty set rather than failing startup —
// resolving preferred timezones is a display nicety, not load-bearing
// correctness (UTC is the only required fallback).
func LoadPreferences(path string) (*Preferences, error) {
	p := &Preferences{zones: make(map[string]*time.Location)}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("tenant preferences file not found, defaulting every tenant to UTC",
				slog.String("path", path))

			return p, nil
		}

		slog.Warn("failed to read tenant preferences file, defaulting every tenant to UTC",
			slog.String("path", path), slog.String("error", err.Error()))

		return p, nil
	}

	if len(data) == 0 {
		return p, nil
	}

	var cfg PreferencesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("failed to parse tenant preferences file, defaulting every tenant to UTC",
			slog.String("path", path), slog.String("error", err.Error()))

		return p, nil
	}

	for _, override := range cfg.Tenants {
		loc, err := time.LoadLocation(override.Timezone)
		if err != nil {
			slog.Warn("tenant preference names an unknown IANA zone, defaulting to UTC",
				slog.String("tenant_id", override.TenantID),
				slog.String("timezone", override.Timezone))

			continue
		}

		p.zones[override.TenantID] = loc
	}

	return p, nil
}

// LoadPreferencesFromEnv loads from KURA_TENANT_CONFIG_PATH, or
// DefaultConfigPath if unset.
func LoadPreferencesFromEnv() (*Preferences, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadPreferences(path)
}

// ZoneFor returns tenantID's preferred zone, or UTC if none is configured.
func (p *Preferences) ZoneFor(tenantID string) *time.Location {
	if p == nil {
		return UTC
	}

	if loc, ok := p.zones[tenantID]; ok {
		return loc
	}

	return UTC
}
