package writer

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

const (
	ModePerToken = "per_token"
	ModeGlobal   = "global"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CSVWriter appends tick batches to CSV files, one per token or one shared
// file with a leading Symbol column.
type CSVWriter struct {
	dir        string
	mode       string
	globalFile string

	mu      sync.Mutex
	written map[string]struct{}
	log     *logger.Log
}

func NewCSVWriter(cfg appconfig.StorageConfig) (*CSVWriter, error) {
	if err := os.MkdirAll(cfg.CSVDir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	mode := cfg.CSVMode
	if mode == "" {
		mode = ModePerToken
	}
	return &CSVWriter{
		dir:        cfg.CSVDir,
		mode:       mode,
		globalFile: cfg.GlobalCSVFile,
		written:    make(map[string]struct{}),
		log:        logger.GetLogger(),
	}, nil
}

// Path is the file a token's rows are appended to.
func (w *CSVWriter) Path(token, symbol string) string {
	if w.mode == ModeGlobal {
		return filepath.Join(w.dir, w.globalFile)
	}
	name := unsafeName.ReplaceAllString(token, "_")
	if symbol != "" {
		name = unsafeName.ReplaceAllString(symbol, "_") + "_" + name
	}
	return filepath.Join(w.dir, name+".csv")
}

// WriteBatch appends ticks in one write, adding the header to a new file.
func (w *CSVWriter) WriteBatch(token, symbol string, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	withSymbol := w.mode == ModeGlobal
	path := w.Path(token, symbol)

	if withSymbol {
		w.mu.Lock()
		defer w.mu.Unlock()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	bw := bufio.NewWriter(f)
	cw := csv.NewWriter(bw)
	if info.Size() == 0 {
		if err := cw.Write(models.CSVHeader(withSymbol)); err != nil {
			f.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, t := range ticks {
		if err := cw.Write(t.CSVRecord(withSymbol)); err != nil {
			f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if !withSymbol {
		w.mu.Lock()
		defer w.mu.Unlock()
	}
	w.written[path] = struct{}{}

	logger.LogDataFlowEntry(w.log.WithComponent("csv_writer"), "ingestor", path, len(ticks), "tick")
	return nil
}

// Files lists every CSV file appended to so far.
func (w *CSVWriter) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.written))
	for p := range w.written {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
