package reader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/models"
)

func TestDecodeObjectAndArray(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	batch, err := Decode([]byte(`{"token":"35001","ltp":2450.5}`), now)
	require.NoError(t, err)
	require.Len(t, batch.Ticks, 1)
	assert.Equal(t, now, batch.ReceivedAt)
	assert.Equal(t, json.Number("2450.5"), batch.Ticks[0]["ltp"])

	batch, err = Decode([]byte(` [{"symbol":"1"},{"type":"heartbeat"},null,{"token":"2"}] `), now)
	require.NoError(t, err)
	assert.Len(t, batch.Ticks, 2)
}

func TestDecodeSkipsControlFrames(t *testing.T) {
	batch, err := Decode([]byte(`{"type":"ack","status":"ok"}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, batch.Ticks)

	batch, err = Decode([]byte("   "), time.Now())
	require.NoError(t, err)
	assert.Empty(t, batch.Ticks)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, frame := range []string{`"text"`, `{"token":`, `[1,2`, `42`} {
		_, err := Decode([]byte(frame), time.Now())
		assert.Error(t, err, frame)
	}
}

func TestEmit(t *testing.T) {
	out := make(chan models.RawTickBatch, 1)
	ctx, cancel := context.WithCancel(context.Background())

	assert.True(t, Emit(ctx, out, models.RawTickBatch{}))
	assert.Empty(t, out)

	one := models.RawTickBatch{Ticks: []models.RawTick{{"token": "1"}}}
	assert.True(t, Emit(ctx, out, one))

	cancel()
	assert.False(t, Emit(ctx, out, one))
}

func TestReportErrorNeverBlocks(t *testing.T) {
	errs := make(chan error, 1)
	ReportError(errs, errors.New("a"))
	ReportError(errs, errors.New("b"))
	assert.EqualError(t, <-errs, "a")
}
