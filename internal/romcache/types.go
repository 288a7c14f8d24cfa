package romcache

// SchemaVersion is the envelope version written to every cache file.
// Entries with any other version are treated as misses and overwritten
// on the next save.
const SchemaVersion = "1.0"

// Cache type names used in file naming. A cache file is
// {sourceHash}_{cacheType}.json inside the cache directory.
const (
	typeResultLocations = "result_locations"
	typeSourceInfo      = "source_info"
	typeScanProgress    = "scan_progress" // suffixed with _{scanID}
	typePreview         = "preview"       // suffixed with _{previewKey}
	typePreviewBatch    = "preview_batch"
)

// envelope is the wire format shared by every cache file.
type envelope[T any] struct {
	Version    string `json:"version"`
	SourcePath string `json:"source_path"`
	SourceHash string `json:"source_hash"`
	CachedAt   int64  `json:"cached_at"` // unix seconds
	Payload    T      `json:"payload"`
}

// SpriteLocationRecord describes one known sprite location in a source
// image. CompressedSize and OffsetVariants are optional and round-trip
// exactly, including their absence.
type SpriteLocationRecord struct {
	Offset         int64   `json:"offset"`
	Bank           int     `json:"bank"`
	Address        int     `json:"address"`
	CompressedSize *int    `json:"compressed_size,omitempty"`
	OffsetVariants []int64 `json:"offset_variants,omitempty"`
}

// spriteLocationsPayload is the payload for result_locations files.
type spriteLocationsPayload struct {
	Locations map[string]SpriteLocationRecord `json:"locations"`
	Header    map[string]string               `json:"header,omitempty"`
}

// ScanParameters identify one scan request. Identical parameters always
// map to the same checkpoint via ScanID; any differing field yields an
// independent one.
type ScanParameters struct {
	StartOffset int64 `json:"start_offset"`
	EndOffset   int64 `json:"end_offset"`
	Step        int64 `json:"step"`
}

// FoundSprite is one accepted scan result.
type FoundSprite struct {
	Offset           int64   `json:"offset"`
	CompressedSize   int     `json:"compressed_size"`
	DecompressedSize int     `json:"decompressed_size"`
	Quality          float64 `json:"quality"`
}

// ScanRange echoes the scanned range inside a checkpoint.
type ScanRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Step  int64 `json:"step"`
}

// ScanProgress is a full checkpoint snapshot. Each save replaces the
// whole snapshot; there are no deltas, so resumption from the last
// successfully written checkpoint is always consistent.
type ScanProgress struct {
	FoundSprites  []FoundSprite `json:"found_sprites"`
	CurrentOffset int64         `json:"current_offset"`
	Completed     bool          `json:"completed"`
	LastUpdated   int64         `json:"last_updated"` // unix seconds
	TotalFound    int           `json:"total_found"`
	Range         ScanRange     `json:"scan_range"`
}

// PreviewRecord is a cached preview tile for one offset. TileData holds
// the raw (decompressed) bytes in memory; on disk it is zlib-compressed.
type PreviewRecord struct {
	Offset           int64             `json:"offset"`
	TileData         []byte            `json:"tile_data"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	Params           map[string]string `json:"params,omitempty"`
	CompressionRatio float64           `json:"compression_ratio"`
}

// previewPayload is the on-disk payload for preview files. TileData here
// is the compressed form.
type previewPayload struct {
	Offset           int64             `json:"offset"`
	TileData         []byte            `json:"tile_data"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	Params           map[string]string `json:"params,omitempty"`
	CompressionRatio float64           `json:"compression_ratio"`
}

// previewBatchPayload stores many compressed previews in one file to
// amortize file-system overhead. Keys are decimal offsets.
type previewBatchPayload struct {
	Entries          map[string]previewPayload `json:"entries"`
	CompressionRatio float64                   `json:"compression_ratio"`
}

// Suggestion source type names reported in Suggestion.Sources.
const (
	SourceScanResult   = "scan_result"
	SourcePreview      = "preview"
	SourcePreviewBatch = "preview_batch"
)

// Suggestion is one confidence-ranked offset candidate mined from the
// cache. Confidence is normalized to [0, 1].
type Suggestion struct {
	Offset     int64
	Confidence float64
	Sources    []string
	Metadata   map[string]any
}

// Stats summarizes the cache directory contents by file naming
// convention.
type Stats struct {
	Dir                string
	Enabled            bool
	DirExists          bool
	TotalFiles         int
	TotalBytes         int64
	LocationCaches     int
	SourceInfoCaches   int
	ScanProgressCaches int
	PreviewCaches      int
	PreviewBatchCaches int
}
