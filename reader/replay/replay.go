// Package replay feeds recorded ticks from a JSON-lines file, one frame per
// line, for offline runs.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/reader"
)

const maxLine = 4 << 20

type Feed struct {
	path     string
	interval time.Duration

	out  chan models.RawTickBatch
	errs chan error

	mu      sync.Mutex
	file    *os.File
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool

	log *logger.Log
}

func New(cfg appconfig.FeedConfig) *Feed {
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 1024
	}
	return &Feed{
		path:     cfg.ReplayFile,
		interval: cfg.ReplayInterval,
		out:      make(chan models.RawTickBatch, buf),
		errs:     make(chan error, 16),
		log:      logger.GetLogger(),
	}
}

func (f *Feed) Ticks() <-chan models.RawTickBatch { return f.out }
func (f *Feed) Errors() <-chan error              { return f.errs }

func (f *Feed) Authenticate(context.Context) error { return nil }

// Connect opens the recording.
func (f *Feed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		return nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	f.file = file
	return nil
}

// Subscribe starts playback. Filtering by token is left to the ingestor, so
// the token list only matters for logging.
func (f *Feed) Subscribe(_ context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("replay feed closed")
	}
	if f.file == nil {
		return fmt.Errorf("replay feed not connected")
	}
	if f.started {
		return nil
	}
	f.started = true

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go f.play(ctx, f.file)

	f.log.WithComponent("feed").WithFields(logger.Fields{
		"file":   f.path,
		"tokens": len(tokens),
	}).Info("replay started")
	return nil
}

func (f *Feed) play(ctx context.Context, file *os.File) {
	defer f.wg.Done()
	defer close(f.out)

	var tick *time.Ticker
	if f.interval > 0 {
		tick = time.NewTicker(f.interval)
		defer tick.Stop()
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	lines := 0
	for scanner.Scan() {
		lines++
		batch, err := reader.Decode(scanner.Bytes(), time.Now())
		if err != nil {
			f.log.WithComponent("feed").WithError(err).WithField("line", lines).Warn("skipping bad replay line")
			reader.ReportError(f.errs, fmt.Errorf("line %d: %w", lines, err))
			continue
		}
		if len(batch.Ticks) == 0 {
			continue
		}
		if tick != nil {
			select {
			case <-tick.C:
			case <-ctx.Done():
				return
			}
		}
		if !reader.Emit(ctx, f.out, batch) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		reader.ReportError(f.errs, err)
	}
	f.log.WithComponent("feed").WithField("lines", lines).Info("replay finished")
}

// Close stops playback. The tick channel is closed once playback exits.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cancel, started, file := f.cancel, f.started, f.file
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
	if !started {
		close(f.out)
	}
	if file != nil {
		return file.Close()
	}
	return nil
}
