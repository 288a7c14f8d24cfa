// Package romcache is a content-addressed, file-backed cache for ROM scan
// results, scan checkpoints, and preview tiles. Every entry lives in its
// own JSON file named {sourceHash}_{cacheType}.json and is replaced
// atomically as a whole; readers and writers coordinate through atomic
// rename alone, never through in-process locks.
//
// No public operation returns an error for ordinary failure. Reads
// degrade to a miss, writes to a false return; cache problems must never
// block the caller's primary workflow.
package romcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	atomicfile "github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"romscan/internal/config"
)

// cacheDirName is the default cache directory, created under the user's
// home directory (or the system temp directory as a fallback).
const cacheDirName = ".romscan_cache"

// Retry configuration for reads that race a concurrent atomic replace.
const (
	readMaxAttempts    = 3
	readInitialBackoff = 10 * time.Millisecond
)

// previewHotSize bounds the in-memory preview layer.
const previewHotSize = 256

// Cache is the file-backed cache engine. It is safe for concurrent use.
type Cache struct {
	source config.Source
	log    zerolog.Logger

	mu         sync.RWMutex
	enabled    bool
	cacheDir   string
	expiration time.Duration
	weights    config.SuggestWeights

	previewHot *lru.Cache[string, PreviewRecord]
	tmpSeq     atomic.Uint64
}

// New builds a cache from the given settings source. Construction never
// fails: if the configured directory (and the temp-dir fallback) cannot
// be created, the cache starts disabled and the host workflow continues
// without its speedup.
func New(source config.Source, log zerolog.Logger) *Cache {
	hot, err := lru.New[string, PreviewRecord](previewHotSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(fmt.Sprintf("preview lru: %v", err))
	}

	c := &Cache{
		source:     source,
		log:        log.With().Str("component", "romcache").Logger(),
		previewHot: hot,
	}

	c.applySettings(source.CacheSettings())

	return c
}

// applySettings installs a settings snapshot, creating the cache
// directory as needed.
func (c *Cache) applySettings(settings config.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.weights = settings.Suggest
	c.expiration = time.Duration(settings.ExpirationDays) * 24 * time.Hour

	dir := settings.CacheDir
	if dir == "" {
		dir = defaultCacheDir()
	}

	if !settings.CacheEnabled {
		c.enabled = false
		c.cacheDir = dir

		c.log.Debug().Msg("caching disabled by configuration")

		return
	}

	resolved, err := setupCacheDir(dir)
	if err != nil {
		c.enabled = false
		c.cacheDir = dir

		c.log.Warn().Err(err).Str("dir", dir).Msg("cache disabled: directory unusable")

		return
	}

	if resolved != dir {
		c.log.Info().Str("dir", resolved).Msg("using fallback cache directory")
	}

	c.enabled = true
	c.cacheDir = resolved
}

// setupCacheDir creates dir, falling back to a process-temp directory if
// dir cannot be created. Returns the directory actually in use, or an
// error if neither could be created.
func setupCacheDir(dir string) (string, error) {
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		return dir, nil
	}

	fallback := filepath.Join(os.TempDir(), cacheDirName)

	fallbackErr := os.MkdirAll(fallback, 0o755)
	if fallbackErr != nil {
		return "", fmt.Errorf("%w: %s: %w", errDirUncreatable, dir, fallbackErr)
	}

	return fallback, nil
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), cacheDirName)
	}

	return filepath.Join(home, cacheDirName)
}

// Enabled reports whether the cache currently accepts reads and writes.
func (c *Cache) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.enabled
}

// Dir returns the cache directory currently in use.
func (c *Cache) Dir() string {
	return c.dir()
}

func (c *Cache) dir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cacheDir
}

func (c *Cache) expirationWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.expiration
}

func (c *Cache) suggestWeights() config.SuggestWeights {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.weights
}

// writeFile writes data to path via a uniquely named temporary file in
// the same directory followed by an atomic rename. The temp name mixes
// the pid, a per-process sequence number, and a random token so
// concurrent writers targeting the same logical key never collide.
func (c *Cache) writeFile(path string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d.%s", path, os.Getpid(), c.tmpSeq.Add(1), uuid.NewString()[:8])

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	err = atomicfile.ReplaceFile(tmp, path)
	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace cache file: %w", err)
	}

	return nil
}

// readBackoff sleeps for an exponentially increasing duration based on
// the attempt number (0-indexed). The first attempt is immediate.
func readBackoff(attempt int) {
	if attempt == 0 {
		return
	}

	time.Sleep(readInitialBackoff << (attempt - 1))
}

// readEnvelope reads and parses a cache file. A file momentarily absent
// or mid-write is retried with exponential backoff up to readMaxAttempts;
// structural failure (bad version, malformed payload) is not retried.
func readEnvelope[T any](path string) (envelope[T], error) {
	var env envelope[T]

	lastErr := errEntryNotFound

	for attempt := 0; attempt < readMaxAttempts; attempt++ {
		readBackoff(attempt)

		data, err := os.ReadFile(path) //nolint:gosec // path is derived from the cache dir
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = errEntryNotFound

				continue
			}

			return env, fmt.Errorf("%w: %w", errEntryNotFound, err)
		}

		unmarshalErr := json.Unmarshal(data, &env)
		if unmarshalErr != nil {
			// Possibly caught mid-replace; retry before declaring the
			// entry corrupt.
			lastErr = errEntryCorrupt

			continue
		}

		if env.Version != SchemaVersion {
			return env, fmt.Errorf("%w: %q", errVersionMismatch, env.Version)
		}

		return env, nil
	}

	return env, lastErr
}

// entryValid checks age and source-modification validity for a cache
// file. An expiration window of zero disables the age check.
func (c *Cache) entryValid(path, sourcePath string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", errEntryNotFound, err)
	}

	window := c.expirationWindow()
	if window > 0 && time.Since(info.ModTime()) > window {
		return fmt.Errorf("%w: older than %s", errEntryStale, window)
	}

	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		// Source absent: the path-hash namespace still applies, only
		// the age check above constrains validity.
		return nil
	}

	if sourceInfo.ModTime().After(info.ModTime()) {
		return fmt.Errorf("%w: source modified after cache write", errEntryStale)
	}

	return nil
}

// saveEntry writes one versioned envelope for (sourcePath, cacheType).
// Returns false when disabled or on any write failure.
func saveEntry[T any](c *Cache, sourcePath, cacheType string, payload T) bool {
	if !c.Enabled() {
		return false
	}

	hash := SourceHash(sourcePath)

	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		abs = sourcePath
	}

	env := envelope[T]{
		Version:    SchemaVersion,
		SourcePath: abs,
		SourceHash: hash,
		CachedAt:   time.Now().Unix(),
		Payload:    payload,
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		c.log.Warn().Err(err).Str("type", cacheType).Msg("marshal cache entry failed")

		return false
	}

	path := c.entryPath(hash, cacheType)

	writeErr := c.writeFile(path, data)
	if writeErr != nil {
		c.log.Warn().Err(writeErr).Str("path", path).Msg("cache write failed")

		return false
	}

	return true
}

// loadEntry reads one envelope for (sourcePath, cacheType), reporting a
// miss for anything short of a valid, current, well-formed entry.
func loadEntry[T any](c *Cache, sourcePath, cacheType string) (T, bool) {
	var zero T

	if !c.Enabled() {
		return zero, false
	}

	hash := SourceHash(sourcePath)
	path := c.entryPath(hash, cacheType)

	validErr := c.entryValid(path, sourcePath)
	if validErr != nil {
		if !errors.Is(validErr, errEntryNotFound) {
			c.log.Debug().Err(validErr).Str("path", path).Msg("cache entry invalid")
		}

		return zero, false
	}

	env, err := readEnvelope[T](path)
	if err != nil {
		c.log.Debug().Err(err).Str("path", path).Msg("cache read miss")

		return zero, false
	}

	return env.Payload, true
}
