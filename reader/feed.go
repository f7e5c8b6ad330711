package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tickflow/models"
	"tickflow/processor"
)

// Feed is a market-data source. Calls are made in order: Authenticate,
// Connect, Subscribe. Ticks stays open until Close, or until a finite
// source runs out.
type Feed interface {
	Authenticate(ctx context.Context) error
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, tokens []string) error
	Ticks() <-chan models.RawTickBatch
	Errors() <-chan error
	Close() error
}

// Decode turns one feed frame into a batch. A frame is either a single JSON
// object or an array of them. Records without a token are dropped, which
// filters out acks and heartbeats.
func Decode(frame []byte, receivedAt time.Time) (models.RawTickBatch, error) {
	batch := models.RawTickBatch{ReceivedAt: receivedAt}
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return batch, nil
	}

	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()

	switch frame[0] {
	case '{':
		var one models.RawTick
		if err := dec.Decode(&one); err != nil {
			return batch, fmt.Errorf("decode tick: %w", err)
		}
		if processor.TokenOf(one) != "" {
			batch.Ticks = append(batch.Ticks, one)
		}
	case '[':
		var many []models.RawTick
		if err := dec.Decode(&many); err != nil {
			return batch, fmt.Errorf("decode tick list: %w", err)
		}
		for _, t := range many {
			if t != nil && processor.TokenOf(t) != "" {
				batch.Ticks = append(batch.Ticks, t)
			}
		}
	default:
		return batch, fmt.Errorf("unexpected frame starting with %q", frame[0])
	}
	return batch, nil
}

// Emit hands a batch to out, giving up when ctx is done.
func Emit(ctx context.Context, out chan<- models.RawTickBatch, batch models.RawTickBatch) bool {
	if len(batch.Ticks) == 0 {
		return true
	}
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReportError forwards err without blocking the caller.
func ReportError(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
