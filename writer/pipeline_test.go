package writer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tickflow/config"
	"tickflow/internal/watchlist"
	"tickflow/models"
	"tickflow/processor"
)

func TestSixtyFiveTicksToCSVAndSnapshot(t *testing.T) {
	csvWriter, err := NewCSVWriter(appconfig.StorageConfig{CSVDir: t.TempDir(), CSVMode: ModePerToken})
	require.NoError(t, err)

	wl := watchlist.New([]models.WatchEntry{
		{Token: "101", Symbol: "FOO"},
		{Token: "102", Symbol: "BAR"},
	})
	in := processor.NewIngestor(appconfig.IngestConfig{MaxBufferSize: 600, BatchWriteSize: 60, StatusEvery: 10}, wl, csvWriter)

	raw := make([]models.RawTick, 0, 65)
	for i := 1; i <= 65; i++ {
		raw = append(raw, models.RawTick{"symbol": "101", "last": float64(i), "bPrice": []any{float64(i) - 0.5}, "sPrice": []any{float64(i) + 0.5}})
	}
	in.Process(models.RawTickBatch{Ticks: raw, ReceivedAt: time.Date(2025, 11, 14, 10, 0, 0, 0, time.UTC)})

	rows := readCSV(t, csvWriter.Path("101", "FOO"))
	require.Len(t, rows, 61, "header plus one batch of 60")
	assert.NoFileExists(t, csvWriter.Path("102", "BAR"))

	var pending int
	for _, s := range in.Stats() {
		if s.Token == "101" {
			pending = s.Pending
		}
	}
	assert.Equal(t, 5, pending)

	snaps, err := NewSnapshotWriter(appconfig.SnapshotConfig{Dir: t.TempDir(), Prefix: "fut_snapshot", LatestFile: "latest.json"}, "session-1")
	require.NoError(t, err)
	snap := snaps.Build(time.Date(2025, 11, 14, 10, 0, 1, 0, time.UTC), in)

	require.Len(t, snap.Quotes, 1)
	assert.Equal(t, "FOO", snap.Quotes[0].Symbol)
	assert.Equal(t, 65.0, snap.Quotes[0].LTP)
	assert.Equal(t, 1.0, snap.Quotes[0].Spread)
	assert.Equal(t, 1, snap.Metadata.TotalStocks)
	assert.NotContains(t, snap.Analytics, "BAR")
}
