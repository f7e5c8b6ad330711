package watchlist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"tickflow/models"
)

// Watchlist is the ordered set of tokens streamed in one session.
type Watchlist struct {
	entries []models.WatchEntry
	symbols map[string]string
}

// Load reads token:symbol lines. Blank lines, # comments and lines without
// a colon are ignored. A missing file is an error.
func Load(path string) (*Watchlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open watchlist: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Watchlist, error) {
	var entries []models.WatchEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, symbol, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		token, symbol = strings.TrimSpace(token), strings.TrimSpace(symbol)
		if token == "" {
			continue
		}
		entries = append(entries, models.WatchEntry{Token: token, Symbol: symbol})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	return New(entries), nil
}

// New builds a watchlist from entries. A repeated token keeps its first
// position and its last symbol.
func New(entries []models.WatchEntry) *Watchlist {
	w := &Watchlist{symbols: make(map[string]string, len(entries))}
	for _, e := range entries {
		if _, dup := w.symbols[e.Token]; !dup {
			w.entries = append(w.entries, e)
		}
		w.symbols[e.Token] = e.Symbol
	}
	for i := range w.entries {
		w.entries[i].Symbol = w.symbols[w.entries[i].Token]
	}
	return w
}

// FromContracts builds a watchlist from resolved contracts, ordered by symbol.
func FromContracts(contracts map[string]models.Contract) *Watchlist {
	entries := make([]models.WatchEntry, 0, len(contracts))
	for _, c := range contracts {
		entries = append(entries, models.WatchEntry{Token: c.Token, Symbol: c.Symbol})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })
	return New(entries)
}

func (w *Watchlist) Entries() []models.WatchEntry {
	out := make([]models.WatchEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

func (w *Watchlist) Len() int { return len(w.entries) }

// Symbol returns the symbol for token.
func (w *Watchlist) Symbol(token string) (string, bool) {
	s, ok := w.symbols[token]
	return s, ok
}

// Write stores the watchlist in the format Load reads.
func (w *Watchlist) Write(path string) error {
	var b strings.Builder
	b.WriteString("# token:symbol\n")
	for _, e := range w.entries {
		fmt.Fprintf(&b, "%s:%s\n", e.Token, e.Symbol)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write watchlist: %w", err)
	}
	return nil
}
