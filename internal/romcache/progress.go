package romcache

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SaveScanProgress overwrites the checkpoint for (sourcePath, params)
// with a full snapshot of the scan so far. Because every write replaces
// the whole snapshot atomically, an interruption between writes can never
// leave stored state inconsistent with "resume from the last checkpoint".
func (c *Cache) SaveScanProgress(sourcePath string, params ScanParameters, found []FoundSprite, currentOffset int64, completed bool) bool {
	if found == nil {
		found = []FoundSprite{}
	}

	progress := ScanProgress{
		FoundSprites:  found,
		CurrentOffset: currentOffset,
		Completed:     completed,
		LastUpdated:   time.Now().Unix(),
		TotalFound:    len(found),
		Range: ScanRange{
			Start: params.StartOffset,
			End:   params.EndOffset,
			Step:  params.Step,
		},
	}

	return saveEntry(c, sourcePath, typeScanProgress+"_"+ScanID(params), progress)
}

// ScanProgressFor returns the checkpoint for (sourcePath, params) if one
// exists and is still valid, else a miss meaning "start fresh".
func (c *Cache) ScanProgressFor(sourcePath string, params ScanParameters) (ScanProgress, bool) {
	return loadEntry[ScanProgress](c, sourcePath, typeScanProgress+"_"+ScanID(params))
}

// ClearScanProgress deletes checkpoint files. With params non-nil it
// removes the one checkpoint for (sourcePath, params); otherwise it
// sweeps every checkpoint file in the cache directory by naming
// convention. Returns the number of files removed.
func (c *Cache) ClearScanProgress(sourcePath string, params *ScanParameters) int {
	if !c.Enabled() {
		return 0
	}

	if params != nil {
		hash := SourceHash(sourcePath)
		path := c.entryPath(hash, typeScanProgress+"_"+ScanID(*params))

		err := os.Remove(path)
		if err != nil {
			return 0
		}

		return 1
	}

	entries, err := os.ReadDir(c.dir())
	if err != nil {
		return 0
	}

	removed := 0

	for _, entry := range entries {
		name := entry.Name()
		if !strings.Contains(name, "_"+typeScanProgress+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		removeErr := os.Remove(filepath.Join(c.dir(), name))
		if removeErr == nil {
			removed++
		}
	}

	return removed
}
