// Package main provides romscan, a resumable ROM sprite-scan tool backed
// by a content-addressed result cache.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"romscan/internal/config"
	"romscan/internal/romcache"
	"romscan/internal/scan"
)

const usage = `Usage: romscan [--config FILE] [--log-level LEVEL] COMMAND [ARGS]

Commands:
  scan ROM        scan a ROM for compressed sprite data (resumable)
  suggest ROM     rank cached offsets worth inspecting next
  stats           show cache statistics
  clear           remove cache files
  help            show this help

Run 'romscan COMMAND --help' for command flags.`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("romscan", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)

	configPath := global.String("config", "", "config file path")
	logLevel := global.String("log-level", "warn", "log level (debug, info, warn, error)")

	err := global.Parse(args)
	if err != nil {
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage)

		return 2
	}

	log := setupLogger(stderr, *logLevel)

	source := config.FileSource{ConfigPath: *configPath, Env: os.Environ()}
	cache := romcache.New(source, log)

	switch rest[0] {
	case "scan":
		return runScan(cache, log, rest[1:], stdout, stderr)
	case "suggest":
		return runSuggest(cache, rest[1:], stdout, stderr)
	case "stats":
		return runStats(cache, stdout)
	case "clear":
		return runClear(cache, rest[1:], stdout, stderr)
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, usage)

		return 0
	default:
		fmt.Fprintf(stderr, "romscan: unknown command %q\n%s\n", rest[0], usage)

		return 2
	}
}

// setupLogger configures the zerolog logger.
func setupLogger(w io.Writer, level string) zerolog.Logger {
	var logLevel zerolog.Level

	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.WarnLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(logLevel).With().Timestamp().Logger()
}

func runScan(cache *romcache.Cache, log zerolog.Logger, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("scan", flag.ContinueOnError)
	flags.SetOutput(stderr)

	start := flags.Int64("start", 0, "start offset")
	end := flags.Int64("end", 0, "end offset (0 = end of file)")
	step := flags.Int64("step", 0x100, "step between candidate offsets")
	minSize := flags.Int("min-size", 512, "minimum decompressed size in bytes")
	minQuality := flags.Float64("min-quality", 0.0, "minimum quality score in [0,1]")

	err := flags.Parse(args)
	if err != nil {
		return 2
	}

	if flags.NArg() != 1 {
		fmt.Fprintln(stderr, "romscan scan: exactly one ROM path required")

		return 2
	}

	romPath := flags.Arg(0)

	if *end == 0 {
		info, statErr := os.Stat(romPath)
		if statErr != nil {
			fmt.Fprintf(stderr, "romscan scan: %v\n", statErr)

			return 1
		}

		*end = info.Size()
	}

	params := romcache.ScanParameters{
		StartOffset: *start,
		EndOffset:   *end,
		Step:        *step,
	}

	controller := scan.New(cache, zlibAssessor{}, &printObserver{out: stdout}, log, scan.Options{
		MinDecompressedSize: *minSize,
		MinQuality:          *minQuality,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startErr := controller.Start(ctx, romPath, params)
	if startErr != nil {
		fmt.Fprintf(stderr, "romscan scan: %v\n", startErr)

		return 1
	}

	<-controller.Done()

	if controller.State() == scan.StateFailed {
		fmt.Fprintf(stderr, "romscan scan: %v\n", controller.Err())

		return 1
	}

	fmt.Fprintf(stdout, "%s: %d results\n", controller.State(), len(controller.Results()))

	return 0
}

func runSuggest(cache *romcache.Cache, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("suggest", flag.ContinueOnError)
	flags.SetOutput(stderr)

	limit := flags.Int("limit", 10, "maximum number of suggestions")
	current := flags.Int64("current", -1, "current offset to exclude")

	err := flags.Parse(args)
	if err != nil {
		return 2
	}

	if flags.NArg() != 1 {
		fmt.Fprintln(stderr, "romscan suggest: exactly one ROM path required")

		return 2
	}

	suggestions := cache.SuggestedOffsets(flags.Arg(0), *current, *limit)
	if len(suggestions) == 0 {
		fmt.Fprintln(stdout, "no suggestions (cache empty or disabled)")

		return 0
	}

	for _, s := range suggestions {
		fmt.Fprintf(stdout, "0x%06X  confidence=%.2f  sources=%v\n", s.Offset, s.Confidence, s.Sources)
	}

	return 0
}

func runStats(cache *romcache.Cache, stdout io.Writer) int {
	stats := cache.CacheStats()

	fmt.Fprintf(stdout, "directory:      %s\n", stats.Dir)
	fmt.Fprintf(stdout, "enabled:        %v\n", stats.Enabled)
	fmt.Fprintf(stdout, "exists:         %v\n", stats.DirExists)
	fmt.Fprintf(stdout, "total files:    %d\n", stats.TotalFiles)
	fmt.Fprintf(stdout, "total bytes:    %d\n", stats.TotalBytes)
	fmt.Fprintf(stdout, "locations:      %d\n", stats.LocationCaches)
	fmt.Fprintf(stdout, "source info:    %d\n", stats.SourceInfoCaches)
	fmt.Fprintf(stdout, "scan progress:  %d\n", stats.ScanProgressCaches)
	fmt.Fprintf(stdout, "previews:       %d\n", stats.PreviewCaches)
	fmt.Fprintf(stdout, "preview batches: %d\n", stats.PreviewBatchCaches)

	return 0
}

func runClear(cache *romcache.Cache, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("clear", flag.ContinueOnError)
	flags.SetOutput(stderr)

	olderThan := flags.Int("older-than", 0, "only remove files older than this many days")
	progressOnly := flags.Bool("progress", false, "only remove scan checkpoints")

	err := flags.Parse(args)
	if err != nil {
		return 2
	}

	var removed int
	if *progressOnly {
		removed = cache.ClearScanProgress("", nil)
	} else {
		removed = cache.Clear(*olderThan)
	}

	fmt.Fprintf(stdout, "removed %d cache files\n", removed)

	return 0
}

// printObserver writes scan events to stdout.
type printObserver struct {
	out io.Writer
}

func (o *printObserver) Progress(position, total int) {
	if total > 0 && position%64 == 0 {
		fmt.Fprintf(o.out, "progress %d/%d\n", position, total)
	}
}

func (o *printObserver) SpriteFound(sprite romcache.FoundSprite) {
	fmt.Fprintf(o.out, "found 0x%06X  compressed=%d  size=%d  quality=%.2f\n",
		sprite.Offset, sprite.CompressedSize, sprite.DecompressedSize, sprite.Quality)
}

func (o *printObserver) StatusChanged(status string) {
	fmt.Fprintln(o.out, status)
}

func (o *printObserver) CheckpointSaved(percent int) {
	fmt.Fprintf(o.out, "checkpoint saved (%d%%)\n", percent)
}

func (o *printObserver) Finished([]romcache.FoundSprite) {}
func (o *printObserver) Paused()                         {}
func (o *printObserver) Resumed()                        {}
func (o *printObserver) Stopped()                        {}

func (o *printObserver) Failed(err error) {
	fmt.Fprintf(o.out, "scan failed: %v\n", err)
}
