package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tickflow/config"
)

type fakeMessageWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaWriterPublishesBatches(t *testing.T) {
	fake := &fakeMessageWriter{fail: 1}
	w := NewKafkaWriterWith(appconfig.KafkaConfig{Topic: "ticks", Buffer: 4}, fake)
	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))

	require.True(t, w.Offer(batch("RELIND", 2)), "first write fails and is logged")
	require.True(t, w.Offer(batch("TATSTE", 3)))
	w.Stop()

	assert.True(t, fake.closed)
	require.Len(t, fake.msgs, 1)
	msg := fake.msgs[0]
	assert.Equal(t, "TATSTE", string(msg.Key))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "b-1", string(msg.Headers[0].Value))

	var got struct {
		BatchID string `json:"batch_id"`
		Symbol  string `json:"symbol"`
		Records int    `json:"records"`
		Ticks   []struct {
			LastPrice float64   `json:"last_price"`
			BidPrice  []float64 `json:"bid_price"`
		} `json:"ticks"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "b-1", got.BatchID)
	assert.Equal(t, 3, got.Records)
	require.Len(t, got.Ticks, 3)
	assert.Equal(t, 102.0, got.Ticks[2].LastPrice)
	assert.Len(t, got.Ticks[0].BidPrice, 5)
	assert.Equal(t, 99.0, got.Ticks[0].BidPrice[0])

	assert.False(t, w.Offer(batch("RELIND", 1)), "stopped writer rejects batches")
}

func TestKafkaWriterQueueFull(t *testing.T) {
	w := NewKafkaWriterWith(appconfig.KafkaConfig{Buffer: 1}, &fakeMessageWriter{})
	assert.False(t, w.Offer(batch("RELIND", 1)), "not started")

	w.running = true
	assert.True(t, w.Offer(batch("RELIND", 1)))
	assert.False(t, w.Offer(batch("RELIND", 1)), "queue of one is full")
}

func TestNewKafkaWriterNeedsBrokers(t *testing.T) {
	_, err := NewKafkaWriter(appconfig.KafkaConfig{Topic: "ticks"})
	require.Error(t, err)

	w, err := NewKafkaWriter(appconfig.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "ticks"})
	require.NoError(t, err)
	assert.NotNil(t, w)
}
