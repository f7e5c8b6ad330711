package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// MessageWriter is the part of kafka.Writer the stream sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaTick struct {
	Token         string    `json:"token"`
	Symbol        string    `json:"symbol"`
	ReceivedTime  time.Time `json:"received_time"`
	LastPrice     float64   `json:"last_price"`
	Volume        int64     `json:"volume_traded"`
	LastTradedQty int64     `json:"last_traded_quantity"`
	OpenInterest  int64     `json:"open_interest"`
	ChangeInOI    int64     `json:"change_in_oi"`
	BidPrice      []float64 `json:"bid_price"`
	BidQty        []int64   `json:"bid_qty"`
	AskPrice      []float64 `json:"ask_price"`
	AskQty        []int64   `json:"ask_qty"`
	TotalBuyQty   int64     `json:"total_buy_qty"`
	TotalSellQty  int64     `json:"total_sell_qty"`
}

type kafkaBatch struct {
	BatchID   string      `json:"batch_id"`
	Token     string      `json:"token"`
	Symbol    string      `json:"symbol"`
	FlushedAt time.Time   `json:"flushed_at"`
	Records   int         `json:"records"`
	Ticks     []kafkaTick `json:"ticks"`
}

// KafkaWriter publishes every flushed batch as one message keyed by symbol,
// so a partition sees each contract's batches in flush order.
type KafkaWriter struct {
	cfg     appconfig.KafkaConfig
	writer  MessageWriter
	queue   chan models.TickBatch
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewKafkaWriter dials nothing; kafka-go connects lazily on the first write.
func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaWriterWith(cfg, kw), nil
}

// NewKafkaWriterWith wraps an existing message writer.
func NewKafkaWriterWith(cfg appconfig.KafkaConfig, mw MessageWriter) *KafkaWriter {
	size := cfg.Buffer
	if size <= 0 {
		size = 64
	}
	w := &KafkaWriter{
		cfg:    cfg,
		writer: mw,
		queue:  make(chan models.TickBatch, size),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
	w.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return w
}

func (w *KafkaWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("kafka writer already running")
	}
	w.running = true
	w.ctx = ctx

	w.wg.Add(1)
	go w.run()
	w.log.WithComponent("kafka_writer").Info("kafka writer started")
	return nil
}

// Offer queues batch without blocking.
func (w *KafkaWriter) Offer(batch models.TickBatch) bool {
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

func (w *KafkaWriter) run() {
	defer w.wg.Done()
	for batch := range w.queue {
		if err := w.write(batch); err != nil {
			w.log.WithComponent("kafka_writer").WithError(err).WithFields(logger.Fields{
				"symbol":   batch.Symbol,
				"batch_id": batch.BatchID,
			}).Warn("failed to write message")
		}
	}
}

func (w *KafkaWriter) write(batch models.TickBatch) error {
	value, err := json.Marshal(toKafkaBatch(batch))
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	ctx := context.WithoutCancel(w.ctx)
	if w.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
	}
	msg := kafka.Message{
		Key:   []byte(batch.Symbol),
		Value: value,
		Time:  batchTime(batch),
		Headers: []kafka.Header{
			{Key: "batch_id", Value: []byte(batch.BatchID)},
			{Key: "token", Value: []byte(batch.Token)},
		},
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	w.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  len(batch.Ticks),
	}).Debug("batch written to kafka")
	return nil
}

// Stop drains the queue and closes the underlying writer.
func (w *KafkaWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.writer.Close(); err != nil {
		w.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	w.log.WithComponent("kafka_writer").Info("kafka writer stopped")
}

func toKafkaBatch(batch models.TickBatch) kafkaBatch {
	out := kafkaBatch{
		BatchID:   batch.BatchID,
		Token:     batch.Token,
		Symbol:    batch.Symbol,
		FlushedAt: batch.FlushedAt,
		Records:   len(batch.Ticks),
		Ticks:     make([]kafkaTick, 0, len(batch.Ticks)),
	}
	for _, t := range batch.Ticks {
		out.Ticks = append(out.Ticks, kafkaTick{
			Token:         t.Token,
			Symbol:        t.Symbol,
			ReceivedTime:  t.Timestamp,
			LastPrice:     t.LastPrice,
			Volume:        t.Volume,
			LastTradedQty: t.LastTradedQty,
			OpenInterest:  t.OpenInterest,
			ChangeInOI:    t.ChangeInOI,
			BidPrice:      append([]float64(nil), t.BidPrice[:]...),
			BidQty:        append([]int64(nil), t.BidQty[:]...),
			AskPrice:      append([]float64(nil), t.AskPrice[:]...),
			AskQty:        append([]int64(nil), t.AskQty[:]...),
			TotalBuyQty:   t.TotalBuyQty,
			TotalSellQty:  t.TotalSellQty,
		})
	}
	return out
}
