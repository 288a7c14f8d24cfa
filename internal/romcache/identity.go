package romcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// hashChunkSize bounds memory use while hashing arbitrarily large source
// files.
const hashChunkSize = 8192

// scanIDLen is the truncated hex length of a scan ID. Existing checkpoint
// files stay addressable across versions, so this must not change.
const scanIDLen = 16

// SourceHash returns the cache namespace for a source file: the sha256 of
// its content, streamed in fixed-size chunks. If the file does not exist
// or cannot be read, the resolved path is hashed instead with a
// distinguishing prefix, so a key always exists.
func SourceHash(sourcePath string) string {
	file, err := os.Open(sourcePath) //nolint:gosec // callers pass the file they are scanning
	if err != nil {
		return pathHash(sourcePath)
	}

	defer func() { _ = file.Close() }()

	hasher := sha256.New()

	buf := make([]byte, hashChunkSize)

	_, copyErr := io.CopyBuffer(hasher, file, buf)
	if copyErr != nil {
		return pathHash(sourcePath)
	}

	return hex.EncodeToString(hasher.Sum(nil))
}

// pathHash hashes the resolved path with a marker that distinguishes it
// from any content hash of the same string.
func pathHash(sourcePath string) string {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		abs = sourcePath
	}

	sum := sha256.Sum256([]byte("nonexistent_" + abs))

	return hex.EncodeToString(sum[:])
}

// ScanID derives a short deterministic ID for a set of scan parameters.
// Parameters are serialized as a map so key order never affects the hash.
func ScanID(params ScanParameters) string {
	canonical := map[string]any{
		"start_offset": params.StartOffset,
		"end_offset":   params.EndOffset,
		"step":         params.Step,
		"scan_type":    "sprite_scan",
	}

	// json.Marshal sorts map keys, giving a canonical serialization.
	data, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of a map of ints and strings cannot fail.
		panic(fmt.Sprintf("marshal scan params: %v", err))
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])[:scanIDLen]
}

// previewKey namespaces a preview cache file by offset and render
// parameters so differing render settings for the same offset do not
// collide. Params use a fast non-cryptographic hash; the key only
// namespaces settings, it carries no integrity guarantee.
func previewKey(offset int64, params map[string]string) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = nil
	}

	return fmt.Sprintf("%x_%016x", offset, xxhash.Sum64(data))
}

// entryFileName is the deterministic cache filename for a source hash and
// cache type.
func entryFileName(sourceHash, cacheType string) string {
	return sourceHash + "_" + cacheType + ".json"
}

// entryPath resolves the full path of a cache file.
func (c *Cache) entryPath(sourceHash, cacheType string) string {
	return filepath.Join(c.dir(), entryFileName(sourceHash, cacheType))
}
