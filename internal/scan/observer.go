package scan

import "romscan/internal/romcache"

// Observer receives scan lifecycle events. Callbacks are invoked from the
// scan worker goroutine; implementations must not block for long.
type Observer interface {
	// Progress reports the current position and total number of offsets.
	Progress(position, total int)

	// SpriteFound fires for every accepted result, including results
	// re-emitted from a checkpoint on resume.
	SpriteFound(sprite romcache.FoundSprite)

	// StatusChanged carries human-readable status text.
	StatusChanged(status string)

	// CheckpointSaved reports the scan percentage covered by the last
	// persisted checkpoint.
	CheckpointSaved(percent int)

	// Terminal and transition events. Exactly one of Finished, Stopped,
	// or Failed is delivered per run.
	Finished(results []romcache.FoundSprite)
	Paused()
	Resumed()
	Stopped()
	Failed(err error)
}

// nopObserver is the default when no observer is registered.
type nopObserver struct{}

func (nopObserver) Progress(int, int)                {}
func (nopObserver) SpriteFound(romcache.FoundSprite) {}
func (nopObserver) StatusChanged(string)             {}
func (nopObserver) CheckpointSaved(int)              {}
func (nopObserver) Finished([]romcache.FoundSprite)  {}
func (nopObserver) Paused()                          {}
func (nopObserver) Resumed()                         {}
func (nopObserver) Stopped()                         {}
func (nopObserver) Failed(error)                     {}
