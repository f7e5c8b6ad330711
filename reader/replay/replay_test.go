package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tickflow/config"
	"tickflow/models"
)

func writeRecording(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func collect(t *testing.T, ch <-chan models.RawTickBatch) []models.RawTickBatch {
	t.Helper()
	var out []models.RawTickBatch
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, b)
		case <-timeout:
			t.Fatal("replay did not finish")
		}
	}
}

func TestReplayDeliversObjectsAndArrays(t *testing.T) {
	path := writeRecording(t,
		`{"token":"1","ltp":10}`,
		`not json`,
		`[{"token":"1","ltp":11},{"token":"2","ltp":20}]`,
		`{"type":"heartbeat"}`,
		``,
	)
	feed := New(appconfig.FeedConfig{ReplayFile: path, ReplayInterval: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, feed.Authenticate(ctx))
	require.NoError(t, feed.Connect(ctx))
	require.NoError(t, feed.Subscribe(ctx, []string{"1", "2"}))

	batches := collect(t, feed.Ticks())
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Ticks, 1)
	assert.Len(t, batches[1].Ticks, 2)

	select {
	case err := <-feed.Errors():
		assert.Contains(t, err.Error(), "line 2")
	default:
		t.Fatal("expected an error for the bad line")
	}
	require.NoError(t, feed.Close())
}

func TestReplayMissingFile(t *testing.T) {
	feed := New(appconfig.FeedConfig{ReplayFile: filepath.Join(t.TempDir(), "missing.jsonl")})
	require.Error(t, feed.Connect(context.Background()))
	require.Error(t, feed.Subscribe(context.Background(), nil))
	require.NoError(t, feed.Close())

	_, ok := <-feed.Ticks()
	assert.False(t, ok)
}

func TestReplayCloseStopsPlayback(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = `{"token":"1","ltp":1}`
	}
	feed := New(appconfig.FeedConfig{ReplayFile: writeRecording(t, lines...), ReplayInterval: time.Hour, Buffer: 1})
	ctx := context.Background()
	require.NoError(t, feed.Connect(ctx))
	require.NoError(t, feed.Subscribe(ctx, []string{"1"}))

	require.NoError(t, feed.Close())
	batches := collect(t, feed.Ticks())
	assert.Empty(t, batches)
}
