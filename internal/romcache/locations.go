package romcache

// SaveSpriteLocations caches the named sprite-location records for a
// source, with optional free-form source-header metadata attached.
func (c *Cache) SaveSpriteLocations(sourcePath string, locations map[string]SpriteLocationRecord, header map[string]string) bool {
	return saveEntry(c, sourcePath, typeResultLocations, spriteLocationsPayload{
		Locations: locations,
		Header:    header,
	})
}

// SpriteLocations returns the cached sprite-location records and header
// for a source, or a miss.
func (c *Cache) SpriteLocations(sourcePath string) (map[string]SpriteLocationRecord, map[string]string, bool) {
	payload, ok := loadEntry[spriteLocationsPayload](c, sourcePath, typeResultLocations)
	if !ok {
		return nil, nil, false
	}

	if payload.Locations == nil {
		payload.Locations = make(map[string]SpriteLocationRecord)
	}

	return payload.Locations, payload.Header, true
}

// SaveSourceInfo caches arbitrary source metadata (header fields, size,
// mapper details) for a source.
func (c *Cache) SaveSourceInfo(sourcePath string, info map[string]any) bool {
	return saveEntry(c, sourcePath, typeSourceInfo, info)
}

// SourceInfo returns the cached source metadata, or a miss.
func (c *Cache) SourceInfo(sourcePath string) (map[string]any, bool) {
	return loadEntry[map[string]any](c, sourcePath, typeSourceInfo)
}
