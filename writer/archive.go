package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/internal/metadata"
	"tickflow/logger"
	"tickflow/models"
)

// tickRecord is the parquet schema of an archived tick.
type tickRecord struct {
	Token         string    `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string    `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedTime  int64     `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	LastPrice     float64   `parquet:"name=last_price, type=DOUBLE"`
	Volume        int64     `parquet:"name=volume_traded, type=INT64"`
	LastTradedQty int64     `parquet:"name=last_traded_quantity, type=INT64"`
	OpenInterest  int64     `parquet:"name=open_interest, type=INT64"`
	ChangeInOI    int64     `parquet:"name=change_in_oi, type=INT64"`
	BidPrice      []float64 `parquet:"name=bid_price, type=DOUBLE, repetitiontype=REPEATED"`
	BidQty        []int64   `parquet:"name=bid_qty, type=INT64, repetitiontype=REPEATED"`
	AskPrice      []float64 `parquet:"name=ask_price, type=DOUBLE, repetitiontype=REPEATED"`
	AskQty        []int64   `parquet:"name=ask_qty, type=INT64, repetitiontype=REPEATED"`
	TotalBuyQty   int64     `parquet:"name=total_buy_qty, type=INT64"`
	TotalSellQty  int64     `parquet:"name=total_sell_qty, type=INT64"`
	BatchID       string    `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memFile collects parquet output in memory.
type memFile struct{ buf *bytes.Buffer }

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }

// ArchiveWriter stores every flushed tick batch as a snappy parquet object,
// in S3 when a client is configured and under the archive dir otherwise.
// Batches are queued by Offer and written by a single background worker.
type ArchiveWriter struct {
	cfg   appconfig.StorageConfig
	store ObjectPutter
	queue chan models.TickBatch
	table FileRecorder

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// FileRecorder is told about every archived file.
type FileRecorder interface {
	AddFile(df metadata.DataFile) error
}

type ArchiveOption func(*ArchiveWriter)

// WithTable records every archived file in table metadata.
func WithTable(rec FileRecorder) ArchiveOption {
	return func(w *ArchiveWriter) { w.table = rec }
}

// NewArchiveTable builds the metadata table describing the archive. Metadata
// always lives under the local archive dir; the table location follows the
// data.
func NewArchiveTable(cfg appconfig.StorageConfig, remote bool) *metadata.Table {
	rel := path.Join(cfg.S3.Prefix, "ticks")
	location := filepath.Join(cfg.Archive.Dir, filepath.FromSlash(rel))
	if remote {
		location = "s3://" + path.Join(cfg.S3.Bucket, rel)
	}
	return metadata.NewTable(filepath.Join(cfg.Archive.Dir, filepath.FromSlash(rel)), location, "ticks")
}

// NewArchiveWriter uses store for uploads; a nil store writes local files.
func NewArchiveWriter(cfg appconfig.StorageConfig, store ObjectPutter, opts ...ArchiveOption) (*ArchiveWriter, error) {
	if store == nil {
		if err := os.MkdirAll(cfg.Archive.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	size := cfg.Archive.Buffer
	if size <= 0 {
		size = 64
	}
	w := &ArchiveWriter{
		cfg:   cfg,
		store: store,
		queue: make(chan models.TickBatch, size),
		wg:    &sync.WaitGroup{},
		log:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx

	w.wg.Add(1)
	go w.worker()
	w.log.WithComponent("archive_writer").WithField("s3", w.store != nil).Info("archive writer started")
	return nil
}

// Stop closes the queue and waits until every queued batch is written.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

// Offer queues batch without blocking. It reports false when the writer is
// stopped or its queue is full.
func (w *ArchiveWriter) Offer(batch models.TickBatch) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return false
	}
	select {
	case w.queue <- batch:
		return true
	default:
		return false
	}
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	for batch := range w.queue {
		if err := w.writeBatch(batch); err != nil {
			w.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{
				"symbol":   batch.Symbol,
				"batch_id": batch.BatchID,
			}).Error("archive write failed")
		}
	}
}

func (w *ArchiveWriter) writeBatch(batch models.TickBatch) error {
	start := time.Now()
	data, err := encodeParquet(batch)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}
	key := archiveKey(w.cfg.S3.Prefix, batch)
	location := "s3://" + path.Join(w.cfg.S3.Bucket, key)

	if w.store != nil {
		_, err = w.store.PutObject(context.WithoutCancel(w.ctx), &s3.PutObjectInput{
			Bucket: aws.String(w.cfg.S3.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	} else {
		dst := filepath.Join(w.cfg.Archive.Dir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
		location = dst
	}

	if w.table != nil {
		err := w.table.AddFile(metadata.DataFile{
			Path:        location,
			FileSize:    int64(len(data)),
			RecordCount: int64(len(batch.Ticks)),
			Partition:   archivePartition(batch),
			Timestamp:   batch.FlushedAt,
		})
		if err != nil {
			w.log.WithComponent("archive_writer").WithError(err).WithField("key", key).Warn("failed to record archive metadata")
		}
	}

	duration := time.Since(start)
	fields := logger.Fields{
		"key":         key,
		"records":     len(batch.Ticks),
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	w.log.WithComponent("archive_writer").WithFields(fields).Info("tick batch archived")
	return nil
}

func encodeParquet(batch models.TickBatch) ([]byte, error) {
	mf := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mf, new(tickRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, t := range batch.Ticks {
		rec := tickRecord{
			Token:         t.Token,
			Symbol:        t.Symbol,
			ReceivedTime:  t.Timestamp.UnixMilli(),
			LastPrice:     t.LastPrice,
			Volume:        t.Volume,
			LastTradedQty: t.LastTradedQty,
			OpenInterest:  t.OpenInterest,
			ChangeInOI:    t.ChangeInOI,
			BidPrice:      t.BidPrice[:],
			BidQty:        t.BidQty[:],
			AskPrice:      t.AskPrice[:],
			AskQty:        t.AskQty[:],
			TotalBuyQty:   t.TotalBuyQty,
			TotalSellQty:  t.TotalSellQty,
			BatchID:       batch.BatchID,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.buf.Bytes(), nil
}

func batchTime(batch models.TickBatch) time.Time {
	if batch.FlushedAt.IsZero() && len(batch.Ticks) > 0 {
		return batch.Ticks[0].Timestamp
	}
	return batch.FlushedAt
}

func archivePartition(batch models.TickBatch) map[string]any {
	return map[string]any{
		"symbol": batch.Symbol,
		"date":   batchTime(batch).Format("2006-01-02"),
	}
}

// archiveKey partitions by symbol and trading date.
func archiveKey(prefix string, batch models.TickBatch) string {
	ts := batchTime(batch)
	name := fmt.Sprintf("%s_%s.parquet", ts.Format("150405"), batch.BatchID)
	return path.Join(prefix, "ticks",
		"symbol="+unsafeName.ReplaceAllString(batch.Symbol, "_"),
		"date="+ts.Format("2006-01-02"),
		name)
}
