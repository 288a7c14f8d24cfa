package romcache

import "errors"

// Cache errors. None of these escape the public API: every public
// operation degrades to a miss or a false return instead (see read/write
// paths in store.go). They exist so internal helpers can log precisely.
var (
	errEntryNotFound   = errors.New("cache entry not found")
	errEntryCorrupt    = errors.New("cache entry corrupted")
	errVersionMismatch = errors.New("cache schema version mismatch")
	errEntryStale      = errors.New("cache entry stale")
	errDirUncreatable  = errors.New("cannot create cache directory")
)
