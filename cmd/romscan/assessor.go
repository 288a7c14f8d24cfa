package main

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// maxDecompressedSize caps unbounded decompression attempts so a stray
// valid-looking stream cannot balloon memory.
const maxDecompressedSize = 1 << 20

// zlibAssessor probes candidate offsets for embedded zlib streams and
// scores the result with a byte-distribution heuristic. It stands in for
// a game-specific codec; the scan controller only sees the Assessor
// contract.
type zlibAssessor struct{}

// Decompress attempts to read a zlib stream starting at offset.
func (zlibAssessor) Decompress(data []byte, offset int64, sizeLimit int) (int, []byte, error) {
	if offset < 0 || offset >= int64(len(data)) {
		return 0, nil, fmt.Errorf("offset 0x%X out of range", offset)
	}

	counting := &countingReader{reader: bytes.NewReader(data[offset:])}

	reader, err := zlib.NewReader(counting)
	if err != nil {
		return 0, nil, fmt.Errorf("no stream at 0x%X: %w", offset, err)
	}

	defer func() { _ = reader.Close() }()

	limit := sizeLimit
	if limit <= 0 || limit > maxDecompressedSize {
		limit = maxDecompressedSize
	}

	decompressed, readErr := io.ReadAll(io.LimitReader(reader, int64(limit)))
	if readErr != nil {
		return 0, nil, fmt.Errorf("truncated stream at 0x%X: %w", offset, readErr)
	}

	return counting.count, decompressed, nil
}

// Quality scores decompressed bytes by how evenly their values are
// distributed: flat runs and near-random noise both score low, tile-like
// structure scores high.
func (zlibAssessor) Quality(decompressed []byte) float64 {
	if len(decompressed) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range decompressed {
		counts[b]++
	}

	distinct := 0

	for _, n := range counts {
		if n > 0 {
			distinct++
		}
	}

	// A plausible 4bpp tile region uses a modest spread of byte values;
	// scale distinct-value count into [0, 1] with a peak around 64.
	spread := float64(distinct) / 64.0
	if spread > 1 {
		spread = 2 - spread
	}

	if spread < 0 {
		spread = 0
	}

	return spread
}

// countingReader counts bytes consumed from the underlying reader, which
// approximates the compressed size of a parsed stream.
type countingReader struct {
	reader io.Reader
	count  int
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.count += n

	return n, err //nolint:wrapcheck // io.Reader passthrough
}
