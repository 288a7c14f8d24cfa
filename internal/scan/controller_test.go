package scan

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"romscan/internal/config"
	"romscan/internal/romcache"
)

var errNotSpriteData = errors.New("not sprite data")

// variant is one fake decompression outcome for an (offset, sizeLimit)
// pair.
type variant struct {
	compressedSize int
	data           []byte
	quality        float64
}

// spriteAt builds a variant with data unique to (offset, quality) so the
// fake Quality lookup can identify it by content.
func spriteAt(offset int64, quality float64, size int) variant {
	data := make([]byte, size)
	binary.LittleEndian.PutUint64(data, uint64(offset)) //nolint:gosec // test data
	data[8] = byte(quality * 100)

	return variant{compressedSize: size / 2, data: data, quality: quality}
}

// fakeAssessor serves canned results per offset and size limit. With a
// non-nil gate every Decompress call first receives from it, which lets
// tests control loop pacing.
type fakeAssessor struct {
	mu       sync.Mutex
	variants map[int64]map[int]variant
	visited  []int64
	gate     chan struct{}
}

func (f *fakeAssessor) Decompress(_ []byte, offset int64, sizeLimit int) (int, []byte, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.visited = append(f.visited, offset)
	byLimit := f.variants[offset]
	f.mu.Unlock()

	v, ok := byLimit[sizeLimit]
	if !ok {
		return 0, nil, errNotSpriteData
	}

	return v.compressedSize, v.data, nil
}

func (f *fakeAssessor) Quality(decompressed []byte) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, byLimit := range f.variants {
		for _, v := range byLimit {
			if bytes.Equal(v.data, decompressed) {
				return v.quality
			}
		}
	}

	return 0
}

func (f *fakeAssessor) visitedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.visited...)
}

// recordingObserver captures every event for later assertions.
type recordingObserver struct {
	mu          sync.Mutex
	found       []romcache.FoundSprite
	statuses    []string
	checkpoints []int
	finished    int
	stopped     int
	failedErr   error
	failed      int
	paused      int
	resumed     int
}

func (r *recordingObserver) Progress(int, int) {}

func (r *recordingObserver) SpriteFound(sprite romcache.FoundSprite) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.found = append(r.found, sprite)
}

func (r *recordingObserver) StatusChanged(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, status)
}

func (r *recordingObserver) CheckpointSaved(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkpoints = append(r.checkpoints, percent)
}

func (r *recordingObserver) Finished([]romcache.FoundSprite) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished++
}

func (r *recordingObserver) Paused() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused++
}

func (r *recordingObserver) Resumed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resumed++
}

func (r *recordingObserver) Stopped() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped++
}

func (r *recordingObserver) Failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failed++
	r.failedErr = err
}

func (r *recordingObserver) terminalEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.finished + r.stopped + r.failed
}

func (r *recordingObserver) foundOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	offsets := make([]int64, 0, len(r.found))
	for _, sprite := range r.found {
		offsets = append(offsets, sprite.Offset)
	}

	return offsets
}

func newScanCache(t *testing.T) *romcache.Cache {
	t.Helper()

	cfg := config.DefaultSettings()
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")

	return romcache.New(config.Static{Settings: cfg}, zerolog.Nop())
}

func writeScanSource(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	path := filepath.Join(t.TempDir(), "game.sfc")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func singleLimit(offset int64, v variant) map[int64]map[int]variant {
	return map[int64]map[int]variant{offset: {0: v}}
}

func TestFullScanFindsAndRanksResults(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x1000)

	assessor := &fakeAssessor{variants: map[int64]map[int]variant{
		0x200: {0: spriteAt(0x200, 0.7, 64)},
		0x500: {0: spriteAt(0x500, 0.9, 128)},
	}}
	obs := &recordingObserver{}
	ctrl := New(cache, assessor, obs, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x1000, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))

	<-ctrl.Done()

	assert.Equal(t, StateCompleted, ctrl.State())
	require.NoError(t, ctrl.Err())

	results := ctrl.Results()
	require.Len(t, results, 2)
	assert.Equal(t, int64(0x500), results[0].Offset, "best quality ranks first after completion")
	assert.Equal(t, int64(0x200), results[1].Offset)

	assert.Equal(t, 1, obs.terminalEvents())
	assert.Equal(t, 1, obs.finished)

	progress, ok := cache.ScanProgressFor(source, params)
	require.True(t, ok)
	assert.True(t, progress.Completed)
	assert.Equal(t, 2, progress.TotalFound)
	assert.Equal(t, romcache.ScanRange{Start: 0, End: 0x1000, Step: 0x100}, progress.Range)
}

func TestStartValidatesParameters(t *testing.T) {
	t.Parallel()

	ctrl := New(newScanCache(t), &fakeAssessor{}, nil, zerolog.Nop(), Options{})

	err := ctrl.Start(context.Background(), "unused", romcache.ScanParameters{EndOffset: 0x100, Step: 0})
	assert.ErrorIs(t, err, errStepNotPositive)

	err = ctrl.Start(context.Background(), "unused", romcache.ScanParameters{StartOffset: 0x200, EndOffset: 0x100, Step: 0x10})
	assert.ErrorIs(t, err, errRangeInverted)
}

func TestSecondStartWhileActiveIsRejected(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x1000)

	gate := make(chan struct{})
	assessor := &fakeAssessor{variants: map[int64]map[int]variant{}, gate: gate}
	ctrl := New(cache, assessor, nil, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x1000, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))

	assert.ErrorIs(t, ctrl.Start(context.Background(), source, params), errScanActive)

	close(gate)
	<-ctrl.Done()

	// A finished controller accepts a new run.
	assert.NoError(t, ctrl.Start(context.Background(), source, params))
	<-ctrl.Done()
}

func TestResumeFromCheckpointSkipsProcessedOffsets(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0xC1000)

	params := romcache.ScanParameters{StartOffset: 0xC0000, EndOffset: 0xC1000, Step: 0x100}
	restored := []romcache.FoundSprite{
		{Offset: 0xC0100, CompressedSize: 32, DecompressedSize: 64, Quality: 0.8},
		{Offset: 0xC0300, CompressedSize: 32, DecompressedSize: 64, Quality: 0.7},
		{Offset: 0xC0500, CompressedSize: 32, DecompressedSize: 64, Quality: 0.6},
	}
	require.True(t, cache.SaveScanProgress(source, params, restored, 0xC0900, false))

	assessor := &fakeAssessor{variants: singleLimit(0xC0B00, spriteAt(0xC0B00, 0.9, 64))}
	obs := &recordingObserver{}
	ctrl := New(cache, assessor, obs, zerolog.Nop(), Options{})

	require.NoError(t, ctrl.Start(context.Background(), source, params))
	<-ctrl.Done()

	assert.Equal(t, StateCompleted, ctrl.State())

	visited := assessor.visitedOffsets()
	require.NotEmpty(t, visited)
	assert.Equal(t, int64(0xC0A00), visited[0], "scan resumes one step past the checkpoint offset")

	for _, offset := range visited {
		assert.GreaterOrEqual(t, offset, int64(0xC0A00), "no offset at or before the checkpoint is reprocessed")
	}

	// The three restored results are re-emitted before any new find.
	found := obs.foundOffsets()
	require.GreaterOrEqual(t, len(found), 4)
	assert.Equal(t, []int64{0xC0100, 0xC0300, 0xC0500}, found[:3])
	assert.Contains(t, found, int64(0xC0B00))

	results := ctrl.Results()
	assert.Len(t, results, 4)
}

func TestSplitScanMatchesUninterruptedScan(t *testing.T) {
	t.Parallel()

	variants := map[int64]map[int]variant{
		0x200: {0: spriteAt(0x200, 0.6, 64)},
		0x700: {0: spriteAt(0x700, 0.9, 64)},
		0xd00: {0: spriteAt(0xd00, 0.7, 64)},
	}
	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x1000, Step: 0x100}

	// Reference run with no interruption.
	refCache := newScanCache(t)
	refSource := writeScanSource(t, 0x1000)
	refCtrl := New(refCache, &fakeAssessor{variants: variants}, nil, zerolog.Nop(), Options{})
	require.NoError(t, refCtrl.Start(context.Background(), refSource, params))
	<-refCtrl.Done()

	// Interrupted run: stop partway, then a fresh controller resumes
	// against the same cache.
	cache := newScanCache(t)
	source := writeScanSource(t, 0x1000)

	gate := make(chan struct{})
	first := New(cache, &fakeAssessor{variants: variants, gate: gate}, nil, zerolog.Nop(), Options{})
	require.NoError(t, first.Start(context.Background(), source, params))

	for i := 0; i < 5; i++ {
		gate <- struct{}{}
	}

	first.Stop()
	close(gate)
	<-first.Done()
	require.Equal(t, StateStopped, first.State())

	progress, ok := cache.ScanProgressFor(source, params)
	require.True(t, ok)
	require.False(t, progress.Completed)

	second := New(cache, &fakeAssessor{variants: variants}, nil, zerolog.Nop(), Options{})
	require.NoError(t, second.Start(context.Background(), source, params))
	<-second.Done()
	require.Equal(t, StateCompleted, second.State())

	assert.Equal(t, refCtrl.Results(), second.Results(),
		"a stop/resume split produces the same results as one uninterrupted scan")
}

func TestCompletedScanIsServedFromCache(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x1000)

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x1000, Step: 0x100}
	cached := []romcache.FoundSprite{
		{Offset: 0x500, Quality: 0.9},
		{Offset: 0x200, Quality: 0.7},
	}
	require.True(t, cache.SaveScanProgress(source, params, cached, 0x1000, true))

	assessor := &fakeAssessor{variants: map[int64]map[int]variant{}}
	obs := &recordingObserver{}
	ctrl := New(cache, assessor, obs, zerolog.Nop(), Options{})

	require.NoError(t, ctrl.Start(context.Background(), source, params))
	<-ctrl.Done()

	assert.Equal(t, StateCompleted, ctrl.State())
	assert.Empty(t, assessor.visitedOffsets(), "no offset is rescanned when the cached scan already completed")
	assert.Equal(t, cached, ctrl.Results())
	assert.Equal(t, []int64{0x500, 0x200}, obs.foundOffsets())
}

func TestStopCheckpointsAndReportsStopped(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x1000)

	gate := make(chan struct{})
	assessor := &fakeAssessor{variants: singleLimit(0x100, spriteAt(0x100, 0.9, 64)), gate: gate}
	obs := &recordingObserver{}
	ctrl := New(cache, assessor, obs, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x1000, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}

	ctrl.Stop()
	close(gate)
	<-ctrl.Done()

	assert.Equal(t, StateStopped, ctrl.State())
	assert.NoError(t, ctrl.Err())
	assert.Equal(t, 1, obs.terminalEvents())
	assert.Equal(t, 1, obs.stopped)

	// The interruption checkpoint preserves everything found so far.
	progress, ok := cache.ScanProgressFor(source, params)
	require.True(t, ok)
	assert.False(t, progress.Completed)
	assert.Less(t, progress.CurrentOffset, params.EndOffset)
	require.Len(t, progress.FoundSprites, 1)
	assert.Equal(t, int64(0x100), progress.FoundSprites[0].Offset)
}

func TestPauseIdlesUntilResume(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x400)

	gate := make(chan struct{})
	assessor := &fakeAssessor{variants: singleLimit(0x200, spriteAt(0x200, 0.9, 64)), gate: gate}
	obs := &recordingObserver{}
	ctrl := New(cache, assessor, obs, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x400, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))

	gate <- struct{}{}
	ctrl.Pause()
	close(gate)

	select {
	case <-ctrl.Done():
		t.Fatal("scan finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, StatePaused, ctrl.State())

	ctrl.Resume()
	<-ctrl.Done()

	assert.Equal(t, StateCompleted, ctrl.State())
	assert.Equal(t, 1, obs.paused)
	assert.Equal(t, 1, obs.resumed)

	results := ctrl.Results()
	require.Len(t, results, 1)
	assert.Equal(t, int64(0x200), results[0].Offset)
}

func TestStopWhilePausedUnblocks(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x1000)

	gate := make(chan struct{})
	assessor := &fakeAssessor{variants: map[int64]map[int]variant{}, gate: gate}
	ctrl := New(cache, assessor, nil, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x1000, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))

	gate <- struct{}{}
	ctrl.Pause()
	close(gate)

	ctrl.Stop()
	<-ctrl.Done()

	assert.Equal(t, StateStopped, ctrl.State())
}

func TestPanicBecomesSingleFailure(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x400)

	obs := &recordingObserver{}
	ctrl := New(cache, panicAssessor{}, obs, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x400, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))

	<-ctrl.Done()

	assert.Equal(t, StateFailed, ctrl.State())
	require.Error(t, ctrl.Err())
	assert.Equal(t, 1, obs.terminalEvents())
	assert.Equal(t, 1, obs.failed)
	assert.Error(t, obs.failedErr)
}

func TestUnreadableSourceFails(t *testing.T) {
	t.Parallel()

	ctrl := New(newScanCache(t), &fakeAssessor{}, nil, zerolog.Nop(), Options{})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x400, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), filepath.Join(t.TempDir(), "missing.sfc"), params))

	<-ctrl.Done()

	assert.Equal(t, StateFailed, ctrl.State())
	assert.Error(t, ctrl.Err())
}

func TestSizeLimitVariantsKeepBestQuality(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x400)

	small := spriteAt(0x100, 0.5, 64)
	large := spriteAt(0x100, 0.9, 512)
	assessor := &fakeAssessor{variants: map[int64]map[int]variant{
		0x100: {64: small, 0: large},
	}}
	ctrl := New(cache, assessor, nil, zerolog.Nop(), Options{SizeLimits: []int{64, 0}})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x400, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))
	<-ctrl.Done()

	results := ctrl.Results()
	require.Len(t, results, 1, "one offset yields at most one result regardless of variant count")
	assert.Equal(t, 0.9, results[0].Quality)
	assert.Equal(t, 512, results[0].DecompressedSize)
}

func TestAcceptanceFiltersApply(t *testing.T) {
	t.Parallel()

	cache := newScanCache(t)
	source := writeScanSource(t, 0x400)

	// 0x100 falls below the quality floor, 0x200 below the size floor.
	assessor := &fakeAssessor{variants: map[int64]map[int]variant{
		0x100: {0: spriteAt(0x100, 0.2, 256)},
		0x200: {0: spriteAt(0x200, 0.9, 16)},
		0x300: {0: spriteAt(0x300, 0.9, 256)},
	}}
	ctrl := New(cache, assessor, nil, zerolog.Nop(), Options{
		MinDecompressedSize: 32,
		MinQuality:          0.5,
	})

	params := romcache.ScanParameters{StartOffset: 0, EndOffset: 0x400, Step: 0x100}
	require.NoError(t, ctrl.Start(context.Background(), source, params))
	<-ctrl.Done()

	results := ctrl.Results()
	require.Len(t, results, 1)
	assert.Equal(t, int64(0x300), results[0].Offset)
}

func TestDoneBeforeStartIsClosed(t *testing.T) {
	t.Parallel()

	ctrl := New(newScanCache(t), &fakeAssessor{}, nil, zerolog.Nop(), Options{})

	select {
	case <-ctrl.Done():
	default:
		t.Fatal("Done must be closed before any run starts")
	}
}

// panicAssessor simulates an assessor bug.
type panicAssessor struct{}

func (panicAssessor) Decompress([]byte, int64, int) (int, []byte, error) {
	panic("assessor exploded")
}

func (panicAssessor) Quality([]byte) float64 { return 0 }
