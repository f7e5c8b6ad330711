package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/watchlist"
	"tickflow/logger"
	"tickflow/models"
)

// BatchWriter persists one token's batch of ticks in a single append.
type BatchWriter interface {
	WriteBatch(token, symbol string, ticks []models.Tick) error
}

// BatchSink receives flushed batches after they were written. Offer must
// not block.
type BatchSink interface {
	Offer(batch models.TickBatch) bool
}

// tokenState is the per-token ring buffer and pending-write queue. mu also
// serialises CSV appends for the token so rows keep arrival order.
type tokenState struct {
	mu      sync.Mutex
	token   string
	symbol  string
	ring    *tickRing
	pending []models.Tick
	total   int64
}

// Ingestor normalises raw feed batches into per-token buffers and flushes
// them to the batch writer.
type Ingestor struct {
	cfg       appconfig.IngestConfig
	entries   []models.WatchEntry
	states    map[string]*tokenState
	writer    BatchWriter
	sinks     []namedSink
	now       func() time.Time
	startedAt time.Time

	processed int64
	unknown   int64
	dropped   int64

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	done    chan struct{}
	log     *logger.Log
}

type namedSink struct {
	name string
	BatchSink
}

type Option func(*Ingestor)

// WithSink forwards every successfully written batch to sink. Sinks are
// offered batches in the order they were added.
func WithSink(name string, sink BatchSink) Option {
	return func(in *Ingestor) { in.sinks = append(in.sinks, namedSink{name: name, BatchSink: sink}) }
}

// WithArchive is WithSink for the parquet archive.
func WithArchive(sink BatchSink) Option {
	return WithSink("archive", sink)
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

func NewIngestor(cfg appconfig.IngestConfig, wl *watchlist.Watchlist, w BatchWriter, opts ...Option) *Ingestor {
	in := &Ingestor{
		cfg:     cfg,
		entries: wl.Entries(),
		states:  make(map[string]*tokenState, wl.Len()),
		writer:  w,
		now:     time.Now,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
	for _, e := range in.entries {
		in.states[e.Token] = &tokenState{
			token:   e.Token,
			symbol:  e.Symbol,
			ring:    newTickRing(cfg.MaxBufferSize),
			pending: make([]models.Tick, 0, cfg.BatchWriteSize),
		}
	}
	for _, opt := range opts {
		opt(in)
	}
	in.startedAt = in.now()
	return in
}

// Start consumes batches from in until ctx is done or the channel closes.
func (in *Ingestor) Start(ctx context.Context, batches <-chan models.RawTickBatch) error {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return fmt.Errorf("ingestor already running")
	}
	in.running = true
	in.ctx = ctx
	in.done = make(chan struct{})
	in.mu.Unlock()

	in.wg.Add(1)
	go in.worker(batches)

	in.log.WithComponent("ingestor").WithFields(logger.Fields{
		"tokens":           len(in.entries),
		"max_buffer_size":  in.cfg.MaxBufferSize,
		"batch_write_size": in.cfg.BatchWriteSize,
	}).Info("ingestor started")
	return nil
}

// Stop waits for the worker to exit and writes every partial batch.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	in.mu.Unlock()

	in.wg.Wait()
	in.FlushAll()
	in.log.WithComponent("ingestor").WithField("processed", atomic.LoadInt64(&in.processed)).Info("ingestor stopped")
}

// Done is closed once the worker has exited, which happens early when the
// feed closes its channel.
func (in *Ingestor) Done() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.done
}

func (in *Ingestor) worker(batches <-chan models.RawTickBatch) {
	defer in.wg.Done()
	defer close(in.done)
	for {
		select {
		case <-in.ctx.Done():
			in.drain(batches)
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			in.Process(batch)
		}
	}
}

// drain processes whatever is already queued without waiting for more.
func (in *Ingestor) drain(batches <-chan models.RawTickBatch) {
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			in.Process(batch)
		default:
			return
		}
	}
}

// Process ingests one feed delivery. All ticks in it share the receipt time.
func (in *Ingestor) Process(batch models.RawTickBatch) {
	ts := batch.ReceivedAt
	if ts.IsZero() {
		ts = in.now()
	}

	unknown := 0
	accepted := make(map[*tokenState]int)
	for _, raw := range batch.Ticks {
		token := TokenOf(raw)
		st, ok := in.states[token]
		if !ok {
			unknown++
			continue
		}
		in.add(st, Normalize(raw, token, st.symbol, ts))
		accepted[st]++

		if n := atomic.AddInt64(&in.processed, 1); n%int64(in.cfg.StatusEvery) == 0 {
			in.logStatus(n)
		}
	}

	if unknown > 0 {
		atomic.AddInt64(&in.unknown, int64(unknown))
		metrics.IncrementUnknown(unknown)
		in.log.WithComponent("ingestor").WithField("records", unknown).Debug("ignored ticks for tokens outside the watchlist")
	}
	total := 0
	for st, n := range accepted {
		total += n
		metrics.IncrementTicks(st.symbol, n)
	}
	logger.IncrementTicks(total)
}

func (in *Ingestor) add(st *tokenState, t models.Tick) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.ring.push(t)
	st.pending = append(st.pending, t)
	st.total++
	if len(st.pending) >= in.cfg.BatchWriteSize {
		in.flushLocked(st)
	}
}

// flushLocked writes st.pending as one batch and clears it. A failed write
// drops the batch. Caller holds st.mu.
func (in *Ingestor) flushLocked(st *tokenState) {
	if len(st.pending) == 0 {
		return
	}
	ticks := st.pending
	st.pending = make([]models.Tick, 0, in.cfg.BatchWriteSize)

	start := time.Now()
	if err := in.writer.WriteBatch(st.token, st.symbol, ticks); err != nil {
		atomic.AddInt64(&in.dropped, int64(len(ticks)))
		logger.IncrementFlushError()
		metrics.IncrementFlushError(st.symbol)
		in.log.WithComponent("ingestor").WithError(err).WithFields(logger.Fields{
			"symbol": st.symbol,
			"rows":   len(ticks),
		}).Error("batch write failed; rows dropped")
		return
	}

	logger.IncrementFlush(len(ticks))
	metrics.IncrementRowsWritten(st.symbol, len(ticks))
	metrics.SetBuffered(st.symbol, st.ring.len())
	logger.LogPerformanceEntry(in.log.WithComponent("ingestor"), "ingestor", "csv_flush", time.Since(start), logger.Fields{
		"symbol": st.symbol,
		"rows":   len(ticks),
	})

	if len(in.sinks) == 0 {
		return
	}
	batch := models.TickBatch{
		BatchID:   uuid.NewString(),
		Token:     st.token,
		Symbol:    st.symbol,
		Ticks:     ticks,
		FlushedAt: in.now(),
	}
	for _, sink := range in.sinks {
		if !sink.Offer(batch) {
			in.log.WithComponent("ingestor").WithFields(logger.Fields{
				"symbol": st.symbol,
				"sink":   sink.name,
			}).Warn("sink queue full; batch not forwarded")
		}
	}
}

// FlushAll writes every token's partial batch.
func (in *Ingestor) FlushAll() {
	for _, e := range in.entries {
		st := in.states[e.Token]
		st.mu.Lock()
		in.flushLocked(st)
		st.mu.Unlock()
	}
}

func (in *Ingestor) logStatus(processed int64) {
	buffered := 0
	for _, st := range in.states {
		st.mu.Lock()
		buffered += st.ring.len()
		st.mu.Unlock()
	}
	runtime := in.now().Sub(in.startedAt).Truncate(time.Second)
	in.log.WithComponent("ingestor").WithFields(logger.Fields{
		"processed": processed,
		"buffered":  buffered,
		"tokens":    len(in.states),
		"runtime":   runtime.String(),
	}).Info("ingest progress")
}

// Entries returns the watchlist order the ingestor was built with.
func (in *Ingestor) Entries() []models.WatchEntry {
	out := make([]models.WatchEntry, len(in.entries))
	copy(out, in.entries)
	return out
}

// Window copies the buffered ticks of token, oldest first.
func (in *Ingestor) Window(token string) []models.Tick {
	st, ok := in.states[token]
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.items()
}

// Latest returns the newest buffered tick of token.
func (in *Ingestor) Latest(token string) (models.Tick, bool) {
	st, ok := in.states[token]
	if !ok {
		return models.Tick{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.last()
}

// Stats reports per-token counters.
type Stats struct {
	Token    string
	Symbol   string
	Total    int64
	Buffered int
	Pending  int
}

func (in *Ingestor) Stats() []Stats {
	out := make([]Stats, 0, len(in.entries))
	for _, e := range in.entries {
		st := in.states[e.Token]
		st.mu.Lock()
		out = append(out, Stats{
			Token:    st.token,
			Symbol:   st.symbol,
			Total:    st.total,
			Buffered: st.ring.len(),
			Pending:  len(st.pending),
		})
		st.mu.Unlock()
	}
	return out
}

// Processed is the number of ticks accepted so far.
func (in *Ingestor) Processed() int64 { return atomic.LoadInt64(&in.processed) }

// Unknown is the number of records ignored for tokens outside the watchlist.
func (in *Ingestor) Unknown() int64 { return atomic.LoadInt64(&in.unknown) }

// Dropped is the number of ticks lost to failed batch writes.
func (in *Ingestor) Dropped() int64 { return atomic.LoadInt64(&in.dropped) }
