package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
)

// TickSource is the read side of the ingestor the snapshot is built from.
type TickSource interface {
	Entries() []models.WatchEntry
	Window(token string) []models.Tick
}

// SnapshotWriter writes timestamped snapshot documents and keeps a latest
// alias pointing at the newest content.
type SnapshotWriter struct {
	cfg       appconfig.SnapshotConfig
	sessionID string
	log       *logger.Log
}

func NewSnapshotWriter(cfg appconfig.SnapshotConfig, sessionID string) (*SnapshotWriter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotWriter{cfg: cfg, sessionID: sessionID, log: logger.GetLogger()}, nil
}

// Build collects the newest tick of every token that has one, in watchlist
// order, with window analytics per symbol.
func (w *SnapshotWriter) Build(now time.Time, src TickSource) models.Snapshot {
	snap := models.Snapshot{
		Quotes:    []models.Quote{},
		Analytics: map[string]models.Analytics{},
	}
	for _, e := range src.Entries() {
		window := src.Window(e.Token)
		if len(window) == 0 {
			continue
		}
		snap.Quotes = append(snap.Quotes, models.QuoteFromTick(window[len(window)-1]))
		snap.Analytics[e.Symbol] = processor.Analyze(window)
	}
	snap.Metadata = models.SnapshotMetadata{
		Timestamp:   now.Format(models.TimestampLayout),
		TotalStocks: len(snap.Quotes),
		SnapshotID:  uuid.NewString(),
		SessionID:   w.sessionID,
	}
	return snap
}

// Write stores snap under a timestamped name and replaces the latest alias.
// It returns the timestamped path.
func (w *SnapshotWriter) Write(now time.Time, snap models.Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", w.cfg.Prefix, now.Format("20060102_150405"))
	path := filepath.Join(w.cfg.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := replaceFile(w.LatestPath(), data); err != nil {
		return path, fmt.Errorf("update latest snapshot: %w", err)
	}

	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"path":         path,
		"total_stocks": snap.Metadata.TotalStocks,
		"snapshot_id":  snap.Metadata.SnapshotID,
	}).Info("snapshot written")
	return path, nil
}

// Take builds and writes a snapshot in one step.
func (w *SnapshotWriter) Take(now time.Time, src TickSource) (string, models.Snapshot, error) {
	snap := w.Build(now, src)
	path, err := w.Write(now, snap)
	return path, snap, err
}

func (w *SnapshotWriter) LatestPath() string {
	return filepath.Join(w.cfg.Dir, w.cfg.LatestFile)
}

// replaceFile writes data beside path and renames it into place so readers
// never see a partial document.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".latest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
