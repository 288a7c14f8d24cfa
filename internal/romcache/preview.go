package romcache

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"
)

// PreviewInput is one offset's raw preview data for a batch save.
type PreviewInput struct {
	TileData []byte
	Width    int
	Height   int
	Params   map[string]string
}

// compressTile compresses raw tile bytes for storage and reports the
// achieved ratio (compressed size over raw size; lower is better).
func compressTile(raw []byte) ([]byte, float64, error) {
	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)

	_, err := writer.Write(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("compress tile: %w", err)
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, 0, fmt.Errorf("compress tile: %w", closeErr)
	}

	ratio := 0.0
	if len(raw) > 0 {
		ratio = float64(buf.Len()) / float64(len(raw))
	}

	return buf.Bytes(), ratio, nil
}

// decompressTile reverses compressTile.
func decompressTile(compressed []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress tile: %w", err)
	}

	defer func() { _ = reader.Close() }()

	raw, readErr := io.ReadAll(reader)
	if readErr != nil {
		return nil, fmt.Errorf("decompress tile: %w", readErr)
	}

	return raw, nil
}

// SavePreview caches one offset's preview tile, compressed. The cache key
// includes a short hash of params so differing render settings for the
// same offset do not collide.
func (c *Cache) SavePreview(sourcePath string, offset int64, tileData []byte, width, height int, params map[string]string) bool {
	if !c.Enabled() {
		return false
	}

	compressed, ratio, err := compressTile(tileData)
	if err != nil {
		c.log.Warn().Err(err).Int64("offset", offset).Msg("preview compression failed")

		return false
	}

	cacheType := typePreview + "_" + previewKey(offset, params)

	ok := saveEntry(c, sourcePath, cacheType, previewPayload{
		Offset:           offset,
		TileData:         compressed,
		Width:            width,
		Height:           height,
		Params:           params,
		CompressionRatio: ratio,
	})
	if !ok {
		return false
	}

	c.previewHot.Add(c.hotKey(sourcePath, cacheType), PreviewRecord{
		Offset:           offset,
		TileData:         tileData,
		Width:            width,
		Height:           height,
		Params:           params,
		CompressionRatio: ratio,
	})

	return true
}

// Preview returns the cached preview for (offset, params), decompressed.
// A failed decompression is a miss, never an error; the entry is left to
// be overwritten by the next save.
func (c *Cache) Preview(sourcePath string, offset int64, params map[string]string) (PreviewRecord, bool) {
	if !c.Enabled() {
		return PreviewRecord{}, false
	}

	cacheType := typePreview + "_" + previewKey(offset, params)

	if record, ok := c.previewHot.Get(c.hotKey(sourcePath, cacheType)); ok {
		return record, true
	}

	payload, ok := loadEntry[previewPayload](c, sourcePath, cacheType)
	if !ok {
		return PreviewRecord{}, false
	}

	raw, err := decompressTile(payload.TileData)
	if err != nil {
		c.log.Debug().Err(err).Int64("offset", offset).Msg("preview decompression failed, treating as miss")

		return PreviewRecord{}, false
	}

	record := PreviewRecord{
		Offset:           payload.Offset,
		TileData:         raw,
		Width:            payload.Width,
		Height:           payload.Height,
		Params:           payload.Params,
		CompressionRatio: payload.CompressionRatio,
	}

	c.previewHot.Add(c.hotKey(sourcePath, cacheType), record)

	return record, true
}

// SavePreviewBatch stores many offset previews in one cache file to
// amortize file-system overhead. The stored record reports the aggregate
// compression ratio across all entries.
func (c *Cache) SavePreviewBatch(sourcePath string, entries map[int64]PreviewInput) bool {
	if !c.Enabled() || len(entries) == 0 {
		return false
	}

	payload := previewBatchPayload{
		Entries: make(map[string]previewPayload, len(entries)),
	}

	var rawTotal, compressedTotal int

	for offset, input := range entries {
		compressed, ratio, err := compressTile(input.TileData)
		if err != nil {
			c.log.Warn().Err(err).Int64("offset", offset).Msg("batch preview compression failed")

			return false
		}

		rawTotal += len(input.TileData)
		compressedTotal += len(compressed)

		payload.Entries[strconv.FormatInt(offset, 10)] = previewPayload{
			Offset:           offset,
			TileData:         compressed,
			Width:            input.Width,
			Height:           input.Height,
			Params:           input.Params,
			CompressionRatio: ratio,
		}
	}

	if rawTotal > 0 {
		payload.CompressionRatio = float64(compressedTotal) / float64(rawTotal)
	}

	return saveEntry(c, sourcePath, typePreviewBatch, payload)
}

// PreviewBatch returns all previews from the batch file for a source,
// decompressed. Entries that fail to decompress are skipped.
func (c *Cache) PreviewBatch(sourcePath string) (map[int64]PreviewRecord, bool) {
	payload, ok := loadEntry[previewBatchPayload](c, sourcePath, typePreviewBatch)
	if !ok {
		return nil, false
	}

	records := make(map[int64]PreviewRecord, len(payload.Entries))

	for key, entry := range payload.Entries {
		offset, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}

		raw, decErr := decompressTile(entry.TileData)
		if decErr != nil {
			c.log.Debug().Err(decErr).Int64("offset", offset).Msg("batch entry decompression failed, skipping")

			continue
		}

		records[offset] = PreviewRecord{
			Offset:           entry.Offset,
			TileData:         raw,
			Width:            entry.Width,
			Height:           entry.Height,
			Params:           entry.Params,
			CompressionRatio: entry.CompressionRatio,
		}
	}

	return records, true
}

// hotKey namespaces the in-memory preview layer by source hash and cache
// type.
func (c *Cache) hotKey(sourcePath, cacheType string) string {
	return SourceHash(sourcePath) + "/" + cacheType
}
