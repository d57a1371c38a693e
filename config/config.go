package config

import (
	"context"
	"fmt"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/updraft-io/updraft/update"
	"github.com/updraft-io/updraft/util"
)

const (
	// DefaultMaxConcurrentDownloads bounds simultaneous asset downloads per manifest
	DefaultMaxConcurrentDownloads = 4
	// DefaultDownloadTimeout is applied per HTTP call, not per retry loop
	DefaultDownloadTimeout = 30 * time.Second
	// DefaultKeepGenerations is the rollback buffer the reaper retains besides the launched update
	DefaultKeepGenerations = 1
	// DefaultMaxDownloadAttempts bounds retries of transient download failures
	DefaultMaxDownloadAttempts = 3
)

// Input carries configuration changes supplied by flags or the host
type Input struct {
	ConfigPath             string
	UpdateURL              string
	ScopeKey               *string
	RuntimeVersion         *string
	DataDir                *string
	EmbeddedDir            *string
	MaxConcurrentDownloads *int
}

// Config holds the immutable, per-instance settings of the update subsystem.
// Components receive it at construction; there are no process-wide globals.
type Config struct {
	// UpdateURL is the manifest endpoint of the update server
	UpdateURL *url.URL
	// RequestHeaders are sent verbatim with every manifest and asset request
	RequestHeaders map[string]string
	// ScopeKey isolates updates of different deployments sharing one store
	ScopeKey string
	// ManifestFilters scope selection to a release channel; selection policies
	// compare them against update metadata
	ManifestFilters update.ManifestFilters
	// RuntimeVersion is the native binary version assets must be compatible with
	RuntimeVersion string

	// DataDir holds the database and the content-addressed asset directory
	DataDir string

	// HasEmbeddedUpdate marks that a build-time bundle exists under EmbeddedDir
	HasEmbeddedUpdate bool
	// EmbeddedDir contains manifest.json plus the embedded assets
	EmbeddedDir string

	MaxConcurrentDownloads int
	MaxDownloadAttempts    int
	DownloadTimeout        time.Duration
	KeepGenerations        int
}

// Validate checks the config for the invariants every component relies on
func (c *Config) Validate() error {
	if c.UpdateURL == nil {
		return fmt.Errorf("update URL is required")
	}
	if c.ScopeKey == "" {
		return fmt.Errorf("scope key is required")
	}
	if c.RuntimeVersion == "" {
		return fmt.Errorf("runtime version is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.HasEmbeddedUpdate && c.EmbeddedDir == "" {
		return fmt.Errorf("embedded update enabled but no embedded directory configured")
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be positive")
	}
	if c.KeepGenerations < 0 {
		return fmt.Errorf("keep generations must not be negative")
	}
	return nil
}

// ReadConfig reads the config file and returns a validated Config.
// If the file does not exist a new one is created from the input.
func ReadConfig(input Input) (*Config, error) {
	if util.FileExists(input.ConfigPath) {
		cfg := &Config{}
		if _, err := util.ReadJson(input.ConfigPath, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", input.ConfigPath, err)
		}
		applyDefaults(cfg)
		if changed := cfg.apply(input); changed {
			if err := WriteOutConfig(input.ConfigPath, cfg); err != nil {
				return nil, err
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg, err := createNewConfig(input)
	if err != nil {
		return nil, err
	}
	if err := WriteOutConfig(input.ConfigPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteOutConfig persists the config atomically
func WriteOutConfig(path string, cfg *Config) error {
	return util.WriteJson(context.Background(), path, cfg)
}

func createNewConfig(input Input) (*Config, error) {
	cfg := &Config{RequestHeaders: map[string]string{}}
	applyDefaults(cfg)
	cfg.apply(input)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Infof("created new config targeting %s", cfg.UpdateURL)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxConcurrentDownloads == 0 {
		cfg.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if cfg.MaxDownloadAttempts == 0 {
		cfg.MaxDownloadAttempts = DefaultMaxDownloadAttempts
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.KeepGenerations == 0 {
		cfg.KeepGenerations = DefaultKeepGenerations
	}
}

func (c *Config) apply(input Input) bool {
	changed := false

	if input.UpdateURL != "" {
		u, err := url.Parse(input.UpdateURL)
		if err != nil {
			log.Errorf("ignoring invalid update URL %q: %v", input.UpdateURL, err)
		} else if c.UpdateURL == nil || c.UpdateURL.String() != u.String() {
			c.UpdateURL = u
			changed = true
		}
	}
	if input.ScopeKey != nil && *input.ScopeKey != c.ScopeKey {
		c.ScopeKey = *input.ScopeKey
		changed = true
	}
	if input.RuntimeVersion != nil && *input.RuntimeVersion != c.RuntimeVersion {
		c.RuntimeVersion = *input.RuntimeVersion
		changed = true
	}
	if input.DataDir != nil && *input.DataDir != c.DataDir {
		c.DataDir = *input.DataDir
		changed = true
	}
	if input.EmbeddedDir != nil && *input.EmbeddedDir != c.EmbeddedDir {
		c.EmbeddedDir = *input.EmbeddedDir
		c.HasEmbeddedUpdate = c.EmbeddedDir != ""
		changed = true
	}
	if input.MaxConcurrentDownloads != nil && *input.MaxConcurrentDownloads != c.MaxConcurrentDownloads {
		c.MaxConcurrentDownloads = *input.MaxConcurrentDownloads
		changed = true
	}

	return changed
}
