// Package scan drives the offset-by-offset sprite scan over a source
// image, checkpointing progress through the cache so an interrupted scan
// resumes exactly where it stopped, across process restarts.
package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"romscan/internal/romcache"
)

// State is the controller lifecycle state.
type State int

// Controller states. Transitions: Idle → Running ⇄ Paused →
// {Completed | Stopped | Failed}.
const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateStopped
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Assessor is the external decompression and quality-assessment
// collaborator. The controller depends only on this contract.
type Assessor interface {
	// Decompress attempts decompression at offset, bounded by sizeLimit
	// (0 means unbounded). An error means "not sprite data here", which
	// is expected at most offsets.
	Decompress(data []byte, offset int64, sizeLimit int) (compressedSize int, decompressed []byte, err error)

	// Quality estimates how likely decompressed bytes are genuine sprite
	// data, in [0, 1].
	Quality(decompressed []byte) float64
}

// Options tune result acceptance.
type Options struct {
	// MinDecompressedSize rejects results smaller than this many bytes.
	MinDecompressedSize int

	// MinQuality rejects results below this quality score.
	MinQuality float64

	// SizeLimits are the decompression size-limit variants tried at each
	// offset; only the single best-quality match is kept. Empty means
	// one unbounded attempt.
	SizeLimits []int
}

// checkpointFraction is the progress share between checkpoints: persist
// at most once per 10% of total range progress.
const checkpointFraction = 10

// Scan errors.
var (
	errScanActive      = errors.New("scan already running")
	errStepNotPositive = errors.New("scan step must be positive")
	errRangeInverted   = errors.New("scan end must be after start")
)

// Controller runs the scan loop on one dedicated goroutine and exposes
// cooperative pause/resume/stop. All cache I/O is ordinary synchronous
// work on that goroutine.
type Controller struct {
	cache    *romcache.Cache
	assessor Assessor
	opts     Options
	obs      Observer
	log      zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	paused  bool
	cancel  context.CancelFunc
	done    chan struct{}
	results []romcache.FoundSprite
	err     error
}

// New builds a controller. A nil observer is replaced with a no-op one.
func New(cache *romcache.Cache, assessor Assessor, obs Observer, log zerolog.Logger, opts Options) *Controller {
	if obs == nil {
		obs = nopObserver{}
	}

	if len(opts.SizeLimits) == 0 {
		opts.SizeLimits = []int{0}
	}

	c := &Controller{
		cache:    cache,
		assessor: assessor,
		opts:     opts,
		obs:      obs,
		log:      log.With().Str("component", "scan").Logger(),
		state:    StateIdle,
	}

	c.cond = sync.NewCond(&c.mu)

	return c
}

// Start launches the scan worker. If a valid, incomplete checkpoint
// exists for exactly (sourcePath, params), the in-memory result set is
// seeded from it, every previously found result is re-emitted to the
// observer, and scanning resumes at checkpointOffset + step.
func (c *Controller) Start(ctx context.Context, sourcePath string, params romcache.ScanParameters) error {
	if params.Step <= 0 {
		return errStepNotPositive
	}

	if params.EndOffset <= params.StartOffset {
		return errRangeInverted
	}

	c.mu.Lock()

	if c.state == StateRunning || c.state == StatePaused {
		c.mu.Unlock()

		return errScanActive
	}

	ctx, cancel := context.WithCancel(ctx)

	c.state = StateRunning
	c.paused = false
	c.cancel = cancel
	c.done = make(chan struct{})
	c.results = nil
	c.err = nil

	c.mu.Unlock()

	go c.run(ctx, sourcePath, params)

	return nil
}

// run is the worker goroutine body. It guarantees that exactly one
// terminal event reaches the observer and that Done is always closed,
// even on an unexpected panic in the loop.
func (c *Controller) run(ctx context.Context, sourcePath string, params romcache.ScanParameters) {
	done := c.doneChan()
	defer close(done)

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	// Releases the context waker goroutine below on a normal finish.
	defer cancel()

	// Wake the pause wait if the parent context is canceled externally.
	go func() {
		<-ctx.Done()
		c.cond.Broadcast()
	}()

	defer func() {
		if r := recover(); r != nil {
			c.finish(StateFailed, fmt.Errorf("unexpected scan failure: %v", r))
		}
	}()

	completed, err := c.scan(ctx, sourcePath, params)

	switch {
	case err != nil:
		c.finish(StateFailed, err)
	case completed:
		c.finish(StateCompleted, nil)
	default:
		c.finish(StateStopped, nil)
	}
}

// scan runs the loop. It returns completed=true only if the full range
// was traversed.
func (c *Controller) scan(ctx context.Context, sourcePath string, params romcache.ScanParameters) (bool, error) {
	data, err := os.ReadFile(sourcePath) //nolint:gosec // scanning the caller's file
	if err != nil {
		return false, fmt.Errorf("read source: %w", err)
	}

	start, end, step := params.StartOffset, params.EndOffset, params.Step
	if end > int64(len(data)) {
		c.log.Warn().Int64("end", end).Int("size", len(data)).Msg("end offset exceeds source size, clamping")

		end = int64(len(data))
	}

	resume := start

	if progress, ok := c.cache.ScanProgressFor(sourcePath, params); ok {
		if progress.Completed {
			c.log.Info().Int("found", len(progress.FoundSprites)).Msg("returning completed scan from cache")
			c.seedResults(progress.FoundSprites)

			return true, nil
		}

		c.seedResults(progress.FoundSprites)

		resume = progress.CurrentOffset + step

		c.obs.StatusChanged(fmt.Sprintf("resuming scan at 0x%X (%d results restored)", resume, len(progress.FoundSprites)))
		c.log.Info().
			Int64("resume", resume).
			Int("restored", len(progress.FoundSprites)).
			Msg("resuming from checkpoint")
	}

	total := int((end - start + step - 1) / step)

	checkpointEvery := total / checkpointFraction
	if checkpointEvery < 1 {
		checkpointEvery = 1
	}

	sinceCheckpoint := 0
	lastProcessed := resume - step

	for offset := resume; offset < end; offset += step {
		if stopErr := c.waitIfPaused(ctx); stopErr != nil {
			c.checkpoint(sourcePath, params, lastProcessed, false, start, end, step)

			return false, nil
		}

		c.scanOffset(data, offset)

		position := int((offset-start)/step) + 1
		c.obs.Progress(position, total)

		lastProcessed = offset
		sinceCheckpoint++

		if sinceCheckpoint >= checkpointEvery {
			c.checkpoint(sourcePath, params, lastProcessed, false, start, end, step)

			sinceCheckpoint = 0
		}
	}

	// Full range traversed: sort by quality and record completion.
	c.mu.Lock()
	sort.SliceStable(c.results, func(i, j int) bool {
		return c.results[i].Quality > c.results[j].Quality
	})
	c.mu.Unlock()

	c.checkpoint(sourcePath, params, end, true, start, end, step)

	return true, nil
}

// scanOffset tries every size-limit variant at one offset and keeps only
// the single best-quality match. Decompression failures are expected and
// silently skipped.
func (c *Controller) scanOffset(data []byte, offset int64) {
	var (
		best  romcache.FoundSprite
		found bool
	)

	for _, limit := range c.opts.SizeLimits {
		compressedSize, decompressed, err := c.assessor.Decompress(data, offset, limit)
		if err != nil {
			continue
		}

		if len(decompressed) < c.opts.MinDecompressedSize {
			continue
		}

		quality := c.assessor.Quality(decompressed)
		if quality < c.opts.MinQuality {
			continue
		}

		if !found || quality > best.Quality {
			best = romcache.FoundSprite{
				Offset:           offset,
				CompressedSize:   compressedSize,
				DecompressedSize: len(decompressed),
				Quality:          quality,
			}
			found = true
		}
	}

	if !found {
		return
	}

	c.mu.Lock()
	c.results = append(c.results, best)
	c.mu.Unlock()

	c.log.Debug().Int64("offset", best.Offset).Float64("quality", best.Quality).Msg("sprite found")
	c.obs.SpriteFound(best)
}

// checkpoint persists the full snapshot and reports progress percentage
// to the observer. Write failures degrade silently; the scan goes on.
func (c *Controller) checkpoint(sourcePath string, params romcache.ScanParameters, currentOffset int64, completed bool, start, end, step int64) {
	results := c.Results()

	if !c.cache.SaveScanProgress(sourcePath, params, results, currentOffset, completed) {
		return
	}

	percent := 100
	if !completed && end > start {
		percent = int((currentOffset - start + step) * 100 / (end - start))
	}

	c.obs.CheckpointSaved(percent)
}

// waitIfPaused blocks while the controller is paused and reports whether
// the scan should stop. Stop is level-triggered and takes effect within
// one loop iteration.
func (c *Controller) waitIfPaused(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.paused && ctx.Err() == nil {
		c.cond.Wait()
	}

	return ctx.Err()
}

// seedResults installs checkpoint results and re-emits each one so
// observer-level state is fully restored without re-scanning.
func (c *Controller) seedResults(results []romcache.FoundSprite) {
	c.mu.Lock()
	c.results = append([]romcache.FoundSprite(nil), results...)
	c.mu.Unlock()

	for _, sprite := range results {
		c.obs.SpriteFound(sprite)
	}
}

// finish records the terminal state and delivers exactly one terminal
// observer event.
func (c *Controller) finish(state State, err error) {
	c.mu.Lock()

	if c.state == StateFailed || c.state == StateCompleted || c.state == StateStopped {
		// Terminal event already delivered (panic after a normal
		// finish, or vice versa).
		c.mu.Unlock()

		return
	}

	c.state = state
	c.err = err
	results := append([]romcache.FoundSprite(nil), c.results...)

	c.mu.Unlock()

	switch state {
	case StateCompleted:
		c.log.Info().Int("found", len(results)).Msg("scan completed")
		c.obs.Finished(results)
	case StateStopped:
		c.log.Info().Int("found", len(results)).Msg("scan stopped")
		c.obs.Stopped()
	case StateFailed:
		c.log.Error().Err(err).Msg("scan failed")
		c.obs.Failed(err)
	case StateIdle, StateRunning, StatePaused:
		// Not terminal states; unreachable.
	}
}

// Pause idles the scan loop without losing accumulated results. Nothing
// committed is lost, so pausing writes no checkpoint.
func (c *Controller) Pause() {
	c.mu.Lock()

	if c.state != StateRunning {
		c.mu.Unlock()

		return
	}

	c.state = StatePaused
	c.paused = true

	c.mu.Unlock()

	c.obs.Paused()
}

// Resume wakes a paused scan.
func (c *Controller) Resume() {
	c.mu.Lock()

	if c.state != StatePaused {
		c.mu.Unlock()

		return
	}

	c.state = StateRunning
	c.paused = false

	c.mu.Unlock()

	c.cond.Broadcast()
	c.obs.Resumed()
}

// Stop requests a cooperative stop; it takes effect within one loop
// iteration. There is no timeout: the request is a level-triggered flag,
// not a deadline.
func (c *Controller) Stop() {
	c.mu.Lock()

	cancel := c.cancel
	c.paused = false

	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.cond.Broadcast()
}

// Done returns a channel closed when the current run has fully finished,
// whatever the terminal state. Returns a closed channel if no run was
// started.
func (c *Controller) Done() <-chan struct{} {
	ch := c.doneChan()

	c.mu.Lock()
	started := c.state != StateIdle
	c.mu.Unlock()

	if !started {
		closed := make(chan struct{})
		close(closed)

		return closed
	}

	return ch
}

func (c *Controller) doneChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.done
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Err returns the terminal error after a failed run, nil otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Results returns a copy of the accumulated results so far.
func (c *Controller) Results() []romcache.FoundSprite {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]romcache.FoundSprite(nil), c.results...)
}
