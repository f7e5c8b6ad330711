package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRecordsFiles(t *testing.T) {
	dir := t.TempDir()
	table := NewTable(dir, "s3://ticks/nse/ticks", "ticks")
	ts := time.Date(2025, 1, 2, 10, 15, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		require.NoError(t, table.AddFile(DataFile{
			Path:        "s3://ticks/nse/ticks/symbol=RELIND/date=2025-01-02/101500_x.parquet",
			FileSize:    2048,
			RecordCount: 60,
			Partition:   map[string]any{"symbol": "RELIND", "date": "2025-01-02"},
			Timestamp:   ts,
		}))
	}
	assert.Equal(t, 2, table.Files())
	assert.EqualValues(t, 120, table.Rows())

	raw, err := os.ReadFile(filepath.Join(dir, "metadata", "metadata.json"))
	require.NoError(t, err)
	var tm TableMetadata
	require.NoError(t, json.Unmarshal(raw, &tm))
	require.Len(t, tm.Snapshots, 2)
	assert.Equal(t, 2, tm.FormatVersion)
	assert.Equal(t, "s3://ticks/nse/ticks", tm.Location)
	assert.Greater(t, tm.Snapshots[1].SnapshotID, tm.Snapshots[0].SnapshotID)
	assert.Equal(t, tm.Snapshots[1].SnapshotID, tm.CurrentSnapshotID)

	manifests, err := filepath.Glob(filepath.Join(dir, "metadata", "manifest-*.json"))
	require.NoError(t, err)
	assert.Len(t, manifests, 2)

	catalogDir := filepath.Join(dir, "catalog")
	require.NoError(t, table.WriteCatalogEntry(catalogDir))
	assert.FileExists(t, filepath.Join(catalogDir, "ticks.json"))
}
