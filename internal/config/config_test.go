package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes content to dir/romscan/config.json and returns an
// env slice that makes it the XDG config home.
func writeConfig(t *testing.T, content string) (string, []string) {
	t.Helper()

	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "romscan")
	require.NoError(t, os.MkdirAll(cfgDir, 0o750))

	path := filepath.Join(cfgDir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path, []string{"XDG_CONFIG_HOME=" + dir}
}

func TestDefaultSettings(t *testing.T) {
	t.Parallel()

	cfg := DefaultSettings()

	assert.True(t, cfg.CacheEnabled)
	assert.Empty(t, cfg.CacheDir)
	assert.Equal(t, 30, cfg.ExpirationDays)
	assert.Equal(t, 0.8, cfg.Suggest.ScanResult)
	assert.Equal(t, 0.6, cfg.Suggest.Preview)
	assert.Equal(t, 0.5, cfg.Suggest.PreviewBatch)
	assert.Equal(t, 1.2, cfg.Suggest.Corroboration)
}

func TestLoadMissingGlobalConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", []string{"XDG_CONFIG_HOME=" + t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), cfg)
}

func TestLoadMergesPartialConfig(t *testing.T) {
	t.Parallel()

	_, env := writeConfig(t, `{
		// comments and trailing commas are fine
		"cache_enabled": false,
		"expiration_days": 7,
		"suggest": {"preview": 0.9,},
	}`)

	cfg, err := Load("", env)
	require.NoError(t, err)

	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, 7, cfg.ExpirationDays)
	assert.Equal(t, 0.9, cfg.Suggest.Preview)

	// Keys the file omits keep their defaults.
	assert.Equal(t, 0.8, cfg.Suggest.ScanResult)
	assert.Equal(t, 1.2, cfg.Suggest.Corroboration)
}

func TestLoadExplicitPathOverridesGlobal(t *testing.T) {
	t.Parallel()

	_, env := writeConfig(t, `{"expiration_days": 7}`)

	explicit := filepath.Join(t.TempDir(), "override.json")
	require.NoError(t, os.WriteFile(explicit, []byte(`{"expiration_days": 90}`), 0o600))

	cfg, err := Load(explicit, env)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.ExpirationDays)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), []string{"XDG_CONFIG_HOME=" + t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errConfigFileNotFound)
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	t.Parallel()

	_, env := writeConfig(t, `{"cache_enabled": `)

	_, err := Load("", env)
	require.Error(t, err)
	assert.ErrorIs(t, err, errConfigInvalid)
}

func TestLoadRejectsNegativeExpiration(t *testing.T) {
	t.Parallel()

	_, env := writeConfig(t, `{"expiration_days": -1}`)

	_, err := Load("", env)
	assert.ErrorIs(t, err, errExpirationNegative)
}

func TestLoadZeroExpirationDisablesAgeCheck(t *testing.T) {
	t.Parallel()

	_, env := writeConfig(t, `{"expiration_days": 0}`)

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Zero(t, cfg.ExpirationDays)
}

func TestFileSourceFallsBackToDefaultsOnError(t *testing.T) {
	t.Parallel()

	_, env := writeConfig(t, `not json at all`)

	source := FileSource{Env: env}
	assert.Equal(t, DefaultSettings(), source.CacheSettings())
}

func TestFileSourceObservesEdits(t *testing.T) {
	t.Parallel()

	path, env := writeConfig(t, `{"expiration_days": 7}`)
	source := FileSource{Env: env}

	assert.Equal(t, 7, source.CacheSettings().ExpirationDays)

	require.NoError(t, os.WriteFile(path, []byte(`{"expiration_days": 14}`), 0o600))
	assert.Equal(t, 14, source.CacheSettings().ExpirationDays)
}
