package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tickflow/config"
	"tickflow/internal/publish"
	"tickflow/internal/watchlist"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/writer"
)

type fakeFeed struct {
	mu         sync.Mutex
	authErr    error
	connectErr error
	connects   int32
	subscribed []string
	emit       []models.RawTickBatch
	endOnEmit  bool

	ticks     chan models.RawTickBatch
	errs      chan error
	closeOnce sync.Once
	closed    int32
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ticks: make(chan models.RawTickBatch, 256), errs: make(chan error, 4)}
}

func (f *fakeFeed) Authenticate(context.Context) error { return f.authErr }

func (f *fakeFeed) Connect(context.Context) error {
	atomic.AddInt32(&f.connects, 1)
	return f.connectErr
}

func (f *fakeFeed) Subscribe(_ context.Context, tokens []string) error {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, tokens...)
	f.mu.Unlock()
	for _, b := range f.emit {
		f.ticks <- b
	}
	if f.endOnEmit {
		f.end()
	}
	return nil
}

func (f *fakeFeed) Ticks() <-chan models.RawTickBatch { return f.ticks }
func (f *fakeFeed) Errors() <-chan error              { return f.errs }

func (f *fakeFeed) end() { f.closeOnce.Do(func() { close(f.ticks) }) }

func (f *fakeFeed) Close() error {
	atomic.AddInt32(&f.closed, 1)
	f.end()
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls [][]string
	msgs  []string
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, paths []string, msg string) (publish.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, paths)
	p.msgs = append(p.msgs, msg)
	if p.err != nil {
		return publish.Result{}, p.err
	}
	return publish.Result{Committed: true}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	cfg       *appconfig.Config
	feed      *fakeFeed
	publisher *fakePublisher
	csv       *writer.CSVWriter
	session   *Session
	states    []State
}

var ist = time.FixedZone("IST", 5*3600+1800)

// steppingClock starts at base and moves with real time.
func steppingClock(base time.Time) func() time.Time {
	start := time.Now()
	return func() time.Time { return base.Add(time.Since(start)) }
}

func newFixture(t *testing.T, clock func() time.Time, tune func(*appconfig.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := appconfig.Default()
	cfg.Storage.CSVDir = filepath.Join(dir, "ticks")
	cfg.Snapshot.Dir = filepath.Join(dir, "snapshots")
	cfg.PollInterval = 2 * time.Millisecond
	cfg.Feed.RetryBackoff = time.Millisecond
	if tune != nil {
		tune(&cfg)
	}

	wl := watchlist.New([]models.WatchEntry{
		{Token: "1001", Symbol: "RELIANCE"},
		{Token: "1002", Symbol: "TCS"},
	})
	csv, err := writer.NewCSVWriter(cfg.Storage)
	require.NoError(t, err)
	snaps, err := writer.NewSnapshotWriter(cfg.Snapshot, "test-session")
	require.NoError(t, err)

	fx := &fixture{cfg: &cfg, feed: newFakeFeed(), publisher: &fakePublisher{}, csv: csv}
	var mu sync.Mutex
	fx.session = New(&cfg, Deps{
		ID:        "test-session",
		Feed:      fx.feed,
		Ingestor:  processor.NewIngestor(cfg.Ingest, wl, csv),
		Snapshots: snaps,
		Publisher: fx.publisher,
		Files:     csv,
	}, WithClock(clock), WithStateHook(func(s State) {
		mu.Lock()
		fx.states = append(fx.states, s)
		mu.Unlock()
	}))
	return fx
}

func ticksFor(token string, n int) []models.RawTickBatch {
	out := make([]models.RawTickBatch, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.RawTickBatch{
			ReceivedAt: time.Now(),
			Ticks: []models.RawTick{{
				"token":  token,
				"ltp":    json.Number(fmt.Sprintf("%d.5", 100+i)),
				"bPrice": []any{json.Number("99")},
				"sPrice": []any{json.Number("101")},
			}},
		})
	}
	return out
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func runSession(t *testing.T, ctx context.Context, s *Session) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestSessionStreamsToEndOfFeed(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 10, 0, 0, 0, ist)), nil)
	fx.feed.emit = ticksFor("1001", 65)
	fx.feed.emit = append(fx.feed.emit, models.RawTickBatch{Ticks: []models.RawTick{{"token": "9999", "ltp": 1}}})
	fx.feed.endOnEmit = true

	require.NoError(t, runSession(t, context.Background(), fx.session))

	assert.Equal(t, []State{Starting, Authenticating, Connecting, Subscribed, Streaming, Draining, Stopped}, fx.states)
	assert.Equal(t, Stopped, fx.session.State())
	assert.Equal(t, []string{"1001", "1002"}, fx.feed.subscribed)

	csvPath := fx.csv.Path("1001", "RELIANCE")
	assert.Equal(t, 66, countLines(t, csvPath))
	assert.NoFileExists(t, fx.csv.Path("1002", "TCS"))

	latest, err := os.ReadFile(filepath.Join(fx.cfg.Snapshot.Dir, "latest.json"))
	require.NoError(t, err)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(latest, &snap))
	require.Len(t, snap.Quotes, 1)
	assert.Equal(t, "RELIANCE", snap.Quotes[0].Symbol)
	assert.Equal(t, 164.5, snap.Quotes[0].LTP)
	assert.Equal(t, 2.0, snap.Quotes[0].Spread)
	assert.Equal(t, "test-session", snap.Metadata.SessionID)

	require.Equal(t, 1, fx.publisher.count())
	assert.Equal(t, fx.session.LastSnapshot(), fx.publisher.calls[0][0])
	assert.Contains(t, fx.publisher.msgs[0], "Auto-snapshot "+filepath.Base(fx.session.LastSnapshot()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.feed.closed))
}

func TestSessionStopsAtMarketClose(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 15, 29, 59, 950_000_000, ist)), nil)
	fx.feed.emit = ticksFor("1002", 3)

	require.NoError(t, runSession(t, context.Background(), fx.session))
	assert.Equal(t, Stopped, fx.session.State())
	assert.Equal(t, 4, countLines(t, fx.csv.Path("1002", "TCS")))
	assert.Equal(t, 1, fx.publisher.count())
}

func TestSessionStopsOnInterrupt(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 10, 0, 0, 0, ist)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	require.NoError(t, runSession(t, ctx, fx.session))
	assert.Equal(t, Stopped, fx.session.State())
	assert.Empty(t, fx.session.LastSnapshot())
	assert.Zero(t, fx.publisher.count())
}

func TestSessionPeriodicSnapshotAndPublish(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 10, 0, 0, 0, ist)), func(c *appconfig.Config) {
		c.Snapshot.Interval = 10 * time.Millisecond
		c.Publish.Interval = 30 * time.Millisecond
		c.Publish.IncludeCSV = true
	})
	fx.feed.emit = ticksFor("1001", 5)
	fx.publisher.err = errors.New("remote rejected")
	fx.feed.errs <- errors.New("transient read error")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	require.NoError(t, runSession(t, ctx, fx.session))

	snaps, err := filepath.Glob(filepath.Join(fx.cfg.Snapshot.Dir, "fut_snapshot_*.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
	assert.GreaterOrEqual(t, fx.publisher.count(), 2)

	last := fx.publisher.calls[fx.publisher.count()-1]
	assert.Contains(t, last, fx.csv.Path("1001", "RELIANCE"))
}

func TestLastSnapshotReadableWhileRunning(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 10, 0, 0, 0, ist)), func(c *appconfig.Config) {
		c.Snapshot.Interval = 5 * time.Millisecond
	})
	fx.feed.emit = ticksFor("1001", 3)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	seen := make(chan string, 1)
	stop := make(chan struct{})
	go func() {
		var last string
		for {
			select {
			case <-stop:
				seen <- last
				return
			default:
				if p := fx.session.LastSnapshot(); p != "" {
					last = p
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	require.NoError(t, runSession(t, ctx, fx.session))
	close(stop)
	got := <-seen
	assert.NotEmpty(t, got)
	assert.FileExists(t, got)
}

func TestSessionConnectFailsAfterRetries(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 10, 0, 0, 0, ist)), nil)
	fx.feed.connectErr = errors.New("connection refused")

	err := runSession(t, context.Background(), fx.session)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.EqualValues(t, 3, atomic.LoadInt32(&fx.feed.connects))
	assert.Equal(t, []State{Starting, Authenticating, Connecting, Stopped}, fx.states)
}

func TestSessionAuthenticationFailure(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 10, 0, 0, 0, ist)), nil)
	fx.feed.authErr = errors.New("invalid api key")

	err := fx.session.Run(context.Background())
	require.ErrorContains(t, err, "invalid api key")
	assert.Zero(t, atomic.LoadInt32(&fx.feed.connects))
}

func TestSessionWaitsForOpen(t *testing.T) {
	fx := newFixture(t, steppingClock(time.Date(2025, 1, 2, 9, 14, 0, 0, ist)), func(c *appconfig.Config) {
		c.Market.WaitForOpen = true
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	require.NoError(t, runSession(t, ctx, fx.session))
	assert.Zero(t, atomic.LoadInt32(&fx.feed.connects))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STREAMING", Streaming.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.Len(t, StateNames(), 7)
}
