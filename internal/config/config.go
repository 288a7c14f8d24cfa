// Package config loads romscan cache settings from JSONC config files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Settings holds the cache configuration consumed by the cache engine.
type Settings struct {
	CacheEnabled   bool           `json:"cache_enabled"`
	CacheDir       string         `json:"cache_dir,omitempty"`
	ExpirationDays int            `json:"expiration_days"`
	Suggest        SuggestWeights `json:"suggest"`
}

// SuggestWeights are the per-source confidence weights used by the
// suggestion engine. They are hand-tuned, not derived; keep them
// configurable.
type SuggestWeights struct {
	ScanResult    float64 `json:"scan_result"`
	Preview       float64 `json:"preview"`
	PreviewBatch  float64 `json:"preview_batch"`
	Corroboration float64 `json:"corroboration"`
}

// ConfigFileName is the default config file name inside the config directory.
const ConfigFileName = "config.json"

// Config errors.
var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigInvalid      = errors.New("invalid config file")
	errExpirationNegative = errors.New("expiration_days cannot be negative")
)

// DefaultSettings returns the default configuration.
func DefaultSettings() Settings {
	return Settings{
		CacheEnabled:   true,
		CacheDir:       "",
		ExpirationDays: 30,
		Suggest: SuggestWeights{
			ScanResult:    0.8,
			Preview:       0.6,
			PreviewBatch:  0.5,
			Corroboration: 1.2,
		},
	}
}

// fileSettings mirrors Settings with pointer fields so that absent keys
// can be distinguished from explicit zero values during merge.
type fileSettings struct {
	CacheEnabled   *bool    `json:"cache_enabled"`
	CacheDir       *string  `json:"cache_dir"`
	ExpirationDays *int     `json:"expiration_days"`
	Suggest        *struct {
		ScanResult    *float64 `json:"scan_result"`
		Preview       *float64 `json:"preview"`
		PreviewBatch  *float64 `json:"preview_batch"`
		Corroboration *float64 `json:"corroboration"`
	} `json:"suggest"`
}

// globalConfigPath returns the path to the user config file.
// Uses $XDG_CONFIG_HOME/romscan/config.json if set, otherwise
// ~/.config/romscan/config.json. Returns empty string if the home
// directory cannot be determined.
func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "romscan", ConfigFileName)
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "romscan", ConfigFileName)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "romscan", ConfigFileName)
	}

	return ""
}

// Load loads settings with the following precedence (highest wins):
// 1. Defaults
// 2. User config file ($XDG_CONFIG_HOME/romscan/config.json or ~/.config/...)
// 3. Explicit config file via configPath (if non-empty; must exist).
func Load(configPath string, env []string) (Settings, error) {
	cfg := DefaultSettings()

	globalPath := globalConfigPath(env)
	if globalPath != "" {
		fileCfg, loaded, err := loadConfigFile(globalPath, false)
		if err != nil {
			return Settings{}, err
		}

		if loaded {
			cfg = mergeSettings(cfg, fileCfg)
		}
	}

	if configPath != "" {
		fileCfg, _, err := loadConfigFile(configPath, true)
		if err != nil {
			return Settings{}, err
		}

		cfg = mergeSettings(cfg, fileCfg)
	}

	validateErr := validateSettings(cfg)
	if validateErr != nil {
		return Settings{}, validateErr
	}

	return cfg, nil
}

// loadConfigFile loads a config file. If mustExist is false, missing files
// return loaded=false and no error.
func loadConfigFile(path string, mustExist bool) (fileSettings, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return fileSettings{}, false, nil
		}

		if mustExist {
			return fileSettings{}, false, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}

		return fileSettings{}, false, nil
	}

	cfg, parseErr := parseSettings(data)
	if parseErr != nil {
		return fileSettings{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
	}

	return cfg, true, nil
}

func parseSettings(data []byte) (fileSettings, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileSettings{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg fileSettings

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return fileSettings{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return cfg, nil
}

func mergeSettings(base Settings, overlay fileSettings) Settings {
	if overlay.CacheEnabled != nil {
		base.CacheEnabled = *overlay.CacheEnabled
	}

	if overlay.CacheDir != nil && *overlay.CacheDir != "" {
		base.CacheDir = *overlay.CacheDir
	}

	if overlay.ExpirationDays != nil {
		base.ExpirationDays = *overlay.ExpirationDays
	}

	if overlay.Suggest != nil {
		if overlay.Suggest.ScanResult != nil {
			base.Suggest.ScanResult = *overlay.Suggest.ScanResult
		}

		if overlay.Suggest.Preview != nil {
			base.Suggest.Preview = *overlay.Suggest.Preview
		}

		if overlay.Suggest.PreviewBatch != nil {
			base.Suggest.PreviewBatch = *overlay.Suggest.PreviewBatch
		}

		if overlay.Suggest.Corroboration != nil {
			base.Suggest.Corroboration = *overlay.Suggest.Corroboration
		}
	}

	return base
}

func validateSettings(cfg Settings) error {
	if cfg.ExpirationDays < 0 {
		return errExpirationNegative
	}

	return nil
}

// Source supplies settings to the cache engine. The cache reads it once at
// construction and again on every explicit refresh.
type Source interface {
	CacheSettings() Settings
}

// FileSource re-reads settings from config files on every call, so a
// refresh observes external edits. Load failures fall back to defaults.
type FileSource struct {
	ConfigPath string
	Env        []string
}

// CacheSettings implements Source.
func (s FileSource) CacheSettings() Settings {
	cfg, err := Load(s.ConfigPath, s.Env)
	if err != nil {
		return DefaultSettings()
	}

	return cfg
}

// Static wraps fixed settings as a Source. Useful for tests and for
// callers that manage configuration themselves.
type Static struct {
	Settings Settings
}

// CacheSettings implements Source.
func (s Static) CacheSettings() Settings {
	return s.Settings
}
