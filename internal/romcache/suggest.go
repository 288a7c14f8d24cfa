package romcache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// candidate accumulates evidence for one offset while mining the cache.
type candidate struct {
	confidence float64
	sources    map[string]bool
	metadata   map[string]any
}

// SuggestedOffsets mines every cache type that can reference an offset
// and returns confidence-ranked candidates for a source. The current
// offset is excluded from its own suggestions. Corroboration by more than
// one distinct source type earns a bounded multiplicative boost;
// confidence is always clamped to 1.0.
func (c *Cache) SuggestedOffsets(sourcePath string, currentOffset int64, limit int) []Suggestion {
	if !c.Enabled() || limit <= 0 {
		return nil
	}

	weights := c.suggestWeights()
	hash := SourceHash(sourcePath)
	candidates := make(map[int64]*candidate)

	add := func(offset int64, weight float64, source string, metadata map[string]any) {
		if offset == currentOffset {
			return
		}

		cand, ok := candidates[offset]
		if !ok {
			cand = &candidate{
				sources:  make(map[string]bool),
				metadata: make(map[string]any),
			}
			candidates[offset] = cand
		}

		cand.confidence += weight
		cand.sources[source] = true

		for key, value := range metadata {
			cand.metadata[key] = value
		}
	}

	c.mineScanResults(sourcePath, hash, weights.ScanResult, add)
	c.minePreviews(sourcePath, hash, weights.Preview, add)
	c.minePreviewBatch(sourcePath, weights.PreviewBatch, add)

	suggestions := make([]Suggestion, 0, len(candidates))

	for offset, cand := range candidates {
		confidence := cand.confidence
		if len(cand.sources) > 1 {
			// Independent-evidence corroboration counts more than
			// repeated evidence of one kind.
			confidence *= weights.Corroboration
		}

		if confidence > 1.0 {
			confidence = 1.0
		}

		sources := make([]string, 0, len(cand.sources))
		for source := range cand.sources {
			sources = append(sources, source)
		}

		sort.Strings(sources)

		suggestions = append(suggestions, Suggestion{
			Offset:     offset,
			Confidence: confidence,
			Sources:    sources,
			Metadata:   cand.metadata,
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}

		return suggestions[i].Offset < suggestions[j].Offset
	})

	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}

	return suggestions
}

type addFunc func(offset int64, weight float64, source string, metadata map[string]any)

// mineScanResults walks every checkpoint file for the source hash and
// reports each found sprite as evidence.
func (c *Cache) mineScanResults(sourcePath, hash string, weight float64, add addFunc) {
	entries, err := os.ReadDir(c.dir())
	if err != nil {
		return
	}

	prefix := hash + "_" + typeScanProgress + "_"

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(c.dir(), name)

		validErr := c.entryValid(path, sourcePath)
		if validErr != nil {
			continue
		}

		env, readErr := readEnvelope[ScanProgress](path)
		if readErr != nil {
			continue
		}

		for _, sprite := range env.Payload.FoundSprites {
			add(sprite.Offset, weight, SourceScanResult, map[string]any{
				"quality":         sprite.Quality,
				"compressed_size": sprite.CompressedSize,
			})
		}
	}
}

// minePreviews walks every individual preview file for the source hash.
func (c *Cache) minePreviews(sourcePath, hash string, weight float64, add addFunc) {
	entries, err := os.ReadDir(c.dir())
	if err != nil {
		return
	}

	prefix := hash + "_" + typePreview + "_"
	batchName := entryFileName(hash, typePreviewBatch)

	for _, entry := range entries {
		name := entry.Name()
		if name == batchName || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(c.dir(), name)

		validErr := c.entryValid(path, sourcePath)
		if validErr != nil {
			continue
		}

		env, readErr := readEnvelope[previewPayload](path)
		if readErr != nil {
			continue
		}

		add(env.Payload.Offset, weight, SourcePreview, map[string]any{
			"width":  env.Payload.Width,
			"height": env.Payload.Height,
		})
	}
}

// minePreviewBatch reports every entry of the batch preview file.
func (c *Cache) minePreviewBatch(sourcePath string, weight float64, add addFunc) {
	payload, ok := loadEntry[previewBatchPayload](c, sourcePath, typePreviewBatch)
	if !ok {
		return
	}

	for _, entry := range payload.Entries {
		add(entry.Offset, weight, SourcePreviewBatch, map[string]any{
			"width":  entry.Width,
			"height": entry.Height,
		})
	}
}
