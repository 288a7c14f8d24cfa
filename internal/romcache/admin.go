package romcache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"romscan/internal/config"
)

// CacheStats enumerates cache files by naming convention. It degrades to
// a zeroed, disabled report rather than failing when the directory is
// absent or caching is disabled.
func (c *Cache) CacheStats() Stats {
	stats := Stats{
		Dir:     c.dir(),
		Enabled: c.Enabled(),
	}

	if !stats.Enabled {
		return stats
	}

	entries, err := os.ReadDir(stats.Dir)
	if err != nil {
		return stats
	}

	stats.DirExists = true

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		stats.TotalFiles++

		info, infoErr := entry.Info()
		if infoErr == nil {
			stats.TotalBytes += info.Size()
		}

		switch {
		case strings.HasSuffix(name, "_"+typeResultLocations+".json"):
			stats.LocationCaches++
		case strings.HasSuffix(name, "_"+typeSourceInfo+".json"):
			stats.SourceInfoCaches++
		case strings.Contains(name, "_"+typeScanProgress+"_"):
			stats.ScanProgressCaches++
		case strings.HasSuffix(name, "_"+typePreviewBatch+".json"):
			stats.PreviewBatchCaches++
		case strings.Contains(name, "_"+typePreview+"_"):
			stats.PreviewCaches++
		}
	}

	return stats
}

// Clear removes cache files. With olderThanDays > 0 only files whose
// modification time predates the cutoff are pruned; otherwise the whole
// cache is wiped. Returns the number of files removed.
func (c *Cache) Clear(olderThanDays int) int {
	if !c.Enabled() {
		return 0
	}

	var cutoff time.Time
	if olderThanDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -olderThanDays)
	}

	entries, err := os.ReadDir(c.dir())
	if err != nil {
		return 0
	}

	removed := 0

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		if !cutoff.IsZero() {
			info, infoErr := entry.Info()
			if infoErr != nil || !info.ModTime().Before(cutoff) {
				continue
			}
		}

		removeErr := os.Remove(filepath.Join(c.dir(), name))
		if removeErr == nil {
			removed++
		}
	}

	c.previewHot.Purge()

	return removed
}

// Refresh re-reads external configuration. It can flip the cache between
// enabled and disabled and migrate to a new directory at runtime,
// creating it on demand.
func (c *Cache) Refresh() {
	wasEnabled := c.Enabled()
	oldDir := c.dir()

	c.applySettings(c.source.CacheSettings())

	if wasEnabled != c.Enabled() {
		c.log.Info().Bool("enabled", c.Enabled()).Msg("cache enabled state changed")
	}

	if oldDir != c.dir() {
		c.log.Info().Str("from", oldDir).Str("to", c.dir()).Msg("cache directory changed")
	}

	c.previewHot.Purge()
}

// Process-wide default cache handle. Default is a convenience for hosts
// without an explicit composition root; New remains the primary
// constructor.
var (
	defaultMu    sync.Mutex
	defaultCache *Cache
)

// Default returns the lazily-initialized process-wide cache, built from
// the standard config file locations. Thread-safe; the first caller pays
// for construction.
func Default() *Cache {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCache == nil {
		defaultCache = New(config.FileSource{Env: os.Environ()}, zerolog.Nop())
	}

	return defaultCache
}

// SetDefault installs a cache as the process-wide default, so an
// application root can own construction and still serve package-level
// callers. Passing nil resets to lazy construction.
func SetDefault(cache *Cache) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultCache = cache
}
