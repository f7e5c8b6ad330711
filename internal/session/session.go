// Package session runs one collection day: it connects the feed, streams
// ticks into the ingestor, writes snapshots, publishes them and drains
// everything on shutdown or at market close.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/publish"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/reader"
	"tickflow/writer"
)

var ErrConnectFailed = errors.New("feed connection failed")

const drainTimeout = 30 * time.Second

// FileLister reports tick files written so far.
type FileLister interface {
	Files() []string
}

// Deps are the components a session drives. Files may be nil.
type Deps struct {
	ID        string
	Feed      reader.Feed
	Ingestor  *processor.Ingestor
	Snapshots *writer.SnapshotWriter
	Publisher publish.Publisher
	Files     FileLister
}

type Option func(*Session)

// WithClock replaces the wall clock used for intervals and market hours.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithStateHook calls fn on every state change.
func WithStateHook(fn func(State)) Option {
	return func(s *Session) { s.hook = fn }
}

type Session struct {
	id        string
	cfg       *appconfig.Config
	feed      reader.Feed
	ingestor  *processor.Ingestor
	snapshots *writer.SnapshotWriter
	publisher publish.Publisher
	files     FileLister

	now  func() time.Time
	hook func(State)

	mu    sync.Mutex
	state State

	lastSnapshot   string
	lastSnapshotAt time.Time
	lastPublishAt  time.Time

	log *logger.Log
}

func New(cfg *appconfig.Config, deps Deps, opts ...Option) *Session {
	s := &Session{
		id:        deps.ID,
		cfg:       cfg,
		feed:      deps.Feed,
		ingestor:  deps.Ingestor,
		snapshots: deps.Snapshots,
		publisher: deps.Publisher,
		files:     deps.Files,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.publisher == nil {
		s.publisher = publish.Noop{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSnapshot is the path of the newest snapshot, or "" before the first.
func (s *Session) LastSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	metrics.SetState(st.String(), StateNames())
	s.entry().WithField("state", st.String()).Info("session state changed")
	if s.hook != nil {
		s.hook(st)
	}
}

func (s *Session) entry() *logger.Entry {
	return s.log.WithComponent("session").WithField("session_id", s.id)
}

// Run drives the session to completion. It returns nil when the session
// ended by interrupt, market close or end of feed, and an error when the
// feed could not be brought up.
func (s *Session) Run(ctx context.Context) error {
	s.setState(Starting)
	defer s.setState(Stopped)

	if s.cfg.Market.WaitForOpen && !s.waitForOpen(ctx) {
		_ = s.feed.Close()
		return nil
	}

	s.setState(Authenticating)
	if err := s.feed.Authenticate(ctx); err != nil {
		_ = s.feed.Close()
		return fmt.Errorf("authenticate: %w", err)
	}

	s.setState(Connecting)
	if err := s.connect(ctx); err != nil {
		_ = s.feed.Close()
		return err
	}

	if err := s.ingestor.Start(context.Background(), s.feed.Ticks()); err != nil {
		_ = s.feed.Close()
		return err
	}

	tokens := make([]string, 0, len(s.ingestor.Entries()))
	for _, e := range s.ingestor.Entries() {
		tokens = append(tokens, e.Token)
	}
	if err := s.feed.Subscribe(ctx, tokens); err != nil {
		s.setState(Draining)
		s.drain()
		return fmt.Errorf("subscribe: %w", err)
	}
	s.setState(Subscribed)

	s.setState(Streaming)
	reason := s.stream(ctx)
	s.entry().WithField("reason", reason).Info("streaming ended")

	s.setState(Draining)
	s.drain()
	return nil
}

func (s *Session) waitForOpen(ctx context.Context) bool {
	now := s.now()
	openAt := s.cfg.Market.OpenAt(now)
	if !now.Before(openAt) {
		return true
	}
	s.entry().WithField("open_at", openAt.Format(time.RFC3339)).Info("waiting for market open")
	return wait(ctx, openAt.Sub(now))
}

func (s *Session) connect(ctx context.Context) error {
	attempts := s.cfg.Feed.ConnectRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.feed.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		s.entry().WithError(lastErr).WithFields(logger.Fields{
			"attempt":      attempt,
			"max_attempts": attempts,
		}).Warn("feed connection attempt failed")
		if attempt < attempts && !wait(ctx, s.cfg.Feed.RetryBackoff) {
			break
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, attempts, lastErr)
}

// stream runs the poll loop and reports why it stopped.
func (s *Session) stream(ctx context.Context) string {
	start := s.now()
	s.lastSnapshotAt = start
	s.lastPublishAt = start

	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	errs := s.feed.Errors()
	for {
		select {
		case <-ctx.Done():
			return "interrupted"
		case <-s.ingestor.Done():
			return "feed ended"
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.entry().WithError(err).Warn("feed error")
		case <-ticker.C:
			now := s.now()
			if !now.Before(s.cfg.Market.CloseAt(now)) {
				return "market closed"
			}
			s.poll(ctx, now)
		}
	}
}

func (s *Session) poll(ctx context.Context, now time.Time) {
	if now.Sub(s.lastSnapshotAt) >= s.cfg.Snapshot.Interval {
		s.snapshot(now)
		s.lastSnapshotAt = now
	}
	if s.lastSnapshot != "" && now.Sub(s.lastPublishAt) >= s.cfg.Publish.Interval {
		s.publish(ctx, now)
		s.lastPublishAt = now
	}
}

func (s *Session) snapshot(now time.Time) {
	path, snap, err := s.snapshots.Take(now, s.ingestor)
	if err != nil {
		s.entry().WithError(err).Warn("snapshot failed")
		return
	}
	s.mu.Lock()
	s.lastSnapshot = path
	s.mu.Unlock()
	metrics.IncrementSnapshot()
	logger.IncrementSnapshot()
	for _, st := range s.ingestor.Stats() {
		metrics.SetBuffered(st.Symbol, st.Buffered)
	}
	s.entry().WithFields(logger.Fields{
		"path":         path,
		"total_stocks": snap.Metadata.TotalStocks,
		"processed":    s.ingestor.Processed(),
	}).Debug("snapshot taken")
}

func (s *Session) publish(ctx context.Context, now time.Time) {
	paths := []string{s.lastSnapshot, s.snapshots.LatestPath()}
	if s.cfg.Publish.IncludeCSV && s.files != nil {
		paths = append(paths, s.files.Files()...)
	}
	msg := fmt.Sprintf("Auto-snapshot %s %s", filepath.Base(s.lastSnapshot), now.Format(models.TimestampLayout))

	started := time.Now()
	res, err := s.publisher.Publish(ctx, paths, msg)
	if err != nil {
		metrics.IncrementPublish(metrics.PublishFailed)
		logger.IncrementPublish(false)
		s.entry().WithError(err).Warn("publish failed, retrying next interval")
		return
	}

	result := metrics.PublishCommitted
	if res.Unchanged {
		result = metrics.PublishUnchanged
	}
	metrics.IncrementPublish(result)
	logger.IncrementPublish(true)
	logger.LogPerformanceEntry(s.entry(), "publisher", "publish", time.Since(started), logger.Fields{
		"files":  len(paths),
		"result": result,
		"url":    res.URL,
	})
}

// drain stops the feed, lets the ingestor finish what is queued, flushes
// partial batches and writes and publishes a final snapshot.
func (s *Session) drain() {
	if err := s.feed.Close(); err != nil {
		s.entry().WithError(err).Warn("feed close failed")
	}
	s.ingestor.Stop()

	now := s.now()
	if s.ingestor.Processed() > 0 {
		s.snapshot(now)
	}
	if s.lastSnapshot != "" {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		s.publish(ctx, now)
	}

	s.entry().WithFields(logger.Fields{
		"processed": s.ingestor.Processed(),
		"unknown":   s.ingestor.Unknown(),
		"dropped":   s.ingestor.Dropped(),
		"snapshot":  s.lastSnapshot,
	}).Info("session drained")
}

// wait sleeps for d and reports false when ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
