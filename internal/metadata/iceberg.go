// Package metadata keeps Iceberg-style table metadata for the tick archive so
// query engines can discover archived parquet files without listing storage.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one archived parquet file.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
	AddedFiles  int    `json:"added-files"`
	AddedRows   int64  `json:"added-records"`
}

type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	LastUpdatedMs     int64      `json:"last-updated-ms"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Table records archived files for one table. Metadata is written under
// metaDir while location names where the data files live, which may be a
// bucket URL.
type Table struct {
	mu        sync.Mutex
	metaDir   string
	location  string
	name      string
	tableUUID string
	snapshots []Snapshot
	lastID    int64
	rows      int64
}

func NewTable(metaDir, location, name string) *Table {
	return &Table{
		metaDir:   metaDir,
		location:  location,
		name:      name,
		tableUUID: uuid.NewString(),
	}
}

// AddFile writes a manifest for df and a new table snapshot pointing at it.
func (t *Table) AddFile(df DataFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if df.Timestamp.IsZero() {
		df.Timestamp = time.Now()
	}
	id := df.Timestamp.UnixNano()
	if id <= t.lastID {
		id = t.lastID + 1
	}
	t.lastID = id

	manifestFile := fmt.Sprintf("manifest-%d.json", id)
	manifestPath := filepath.Join(t.metaDir, "metadata", manifestFile)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return err
	}

	t.rows += df.RecordCount
	t.snapshots = append(t.snapshots, Snapshot{
		SnapshotID:  id,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
		AddedFiles:  1,
		AddedRows:   df.RecordCount,
	})
	return t.writeTableMetadata(df.Timestamp)
}

// Files is the number of data files recorded so far.
func (t *Table) Files() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.snapshots)
}

// Rows is the total record count across recorded files.
func (t *Table) Rows() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

func (t *Table) metadataPath() string {
	return filepath.Join(t.metaDir, "metadata", "metadata.json")
}

func (t *Table) writeTableMetadata(now time.Time) error {
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         t.tableUUID,
		Location:          t.location,
		LastUpdatedMs:     now.UnixMilli(),
		CurrentSnapshotID: t.snapshots[len(t.snapshots)-1].SnapshotID,
		Snapshots:         t.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.metadataPath())
}

// WriteCatalogEntry points <catalogDir>/<name>.json at the table metadata.
func (t *Table) WriteCatalogEntry(catalogDir string) error {
	entry := map[string]string{
		"name":              t.name,
		"location":          t.location,
		"metadata_location": t.metadataPath(),
	}
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(catalogDir, t.name+".json"), b, 0o644)
}
