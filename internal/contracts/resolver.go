package contracts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

var (
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrExpiryNotAvailable = errors.New("expiry not available for symbol")
	ErrNoActiveExpiry     = errors.New("no active expiry")
)

const (
	defaultLotSize  = 1
	defaultTickSize = 0.05
)

// Columns read from the instrument master header.
const (
	colToken      = "Token"
	colInstrument = "InstrumentName"
	colShortName  = "ShortName"
	colExpiry     = "ExpiryDate"
	colLotSize    = "LotSize"
	colTickSize   = "TickSize"
	colAssetName  = "AssetName"
)

// Resolver answers contract lookups over a loaded instrument master. It is
// read-only after Load and safe for concurrent use.
type Resolver struct {
	contracts    map[string]map[string]models.Contract // symbol -> expiry -> contract
	expiries     map[string]time.Time                  // expiry code -> date, zero when unparseable
	rolloverDays int
	skipped      int
	loc          *time.Location
	now          func() time.Time
	log          *logger.Log
}

type Option func(*Resolver)

// WithLocation sets the zone expiry days start in. The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock overrides the clock CurrentExpiry uses.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Load reads a tab-delimited instrument master and keeps the rows whose
// InstrumentName equals instrumentType. Malformed rows are skipped.
func Load(path, instrumentType string, rolloverDays int, opts ...Option) (*Resolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open contract file: %w", err)
	}
	defer f.Close()

	r, err := Parse(f, instrumentType, rolloverDays, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse contract file %s: %w", path, err)
	}
	return r, nil
}

// Parse is Load over an arbitrary reader.
func Parse(src io.Reader, instrumentType string, rolloverDays int, opts ...Option) (*Resolver, error) {
	log := logger.GetLogger()
	cr := csv.NewReader(src)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, required := range []string{colToken, colInstrument, colShortName, colExpiry} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	res := &Resolver{
		contracts:    make(map[string]map[string]models.Contract),
		expiries:     make(map[string]time.Time),
		rolloverDays: rolloverDays,
		loc:          time.UTC,
		now:          time.Now,
		log:          log,
	}
	for _, opt := range opts {
		opt(res)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.skipped++
			continue
		}
		if len(rec) != len(header) {
			res.skipped++
			continue
		}
		field := func(col string) string {
			if i, ok := idx[col]; ok {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if field(colInstrument) != instrumentType {
			continue
		}

		c := models.Contract{
			Symbol:    strings.ToUpper(field(colShortName)),
			Expiry:    field(colExpiry),
			Token:     field(colToken),
			LotSize:   defaultLotSize,
			TickSize:  defaultTickSize,
			AssetName: field(colAssetName),
		}
		if c.Symbol == "" || c.Expiry == "" || c.Token == "" {
			res.skipped++
			continue
		}
		if v, err := strconv.ParseFloat(field(colLotSize), 64); err == nil && v > 0 {
			c.LotSize = int64(v)
		}
		if v, err := strconv.ParseFloat(field(colTickSize), 64); err == nil && v > 0 {
			c.TickSize = v
		}
		if c.AssetName == "" {
			c.AssetName = c.Symbol
		}
		if _, seen := res.expiries[c.Expiry]; !seen {
			d, _ := ParseExpiry(c.Expiry)
			res.expiries[c.Expiry] = d
		}
		c.ExpiryDate = res.expiries[c.Expiry]

		if res.contracts[c.Symbol] == nil {
			res.contracts[c.Symbol] = make(map[string]models.Contract)
		}
		res.contracts[c.Symbol][c.Expiry] = c
	}

	log.WithComponent("contracts").WithFields(logger.Fields{
		"instrument_type": instrumentType,
		"symbols":         len(res.contracts),
		"expiries":        len(res.expiries),
		"skipped_rows":    res.skipped,
	}).Info("contract master loaded")
	return res, nil
}

// Skipped reports how many rows were dropped as malformed.
func (r *Resolver) Skipped() int { return r.skipped }

// CurrentExpiry picks the active expiry relative to the wall clock.
func (r *Resolver) CurrentExpiry() (string, error) {
	return r.CurrentExpiryAt(r.now(), r.rolloverDays)
}

// CurrentExpiryAt picks the earliest expiry whose day has not started yet
// at now. When fewer than rolloverDays whole days remain before it and a
// later expiry exists, the later one wins.
func (r *Resolver) CurrentExpiryAt(now time.Time, rolloverDays int) (string, error) {
	type candidate struct {
		code string
		date time.Time
	}
	var cands []candidate
	for code, d := range r.expiries {
		if d.IsZero() {
			continue
		}
		start := expiryStart(d, r.loc)
		if start.Before(now) {
			continue
		}
		cands = append(cands, candidate{code: code, date: start})
	}
	if len(cands) == 0 {
		return "", ErrNoActiveExpiry
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].date.Equal(cands[j].date) {
			return cands[i].code < cands[j].code
		}
		return cands[i].date.Before(cands[j].date)
	})

	front := cands[0]
	left := daysUntil(now, front.date)
	entry := r.log.WithComponent("contracts").WithFields(logger.Fields{
		"front_expiry": front.code,
		"days_left":    left,
		"rollover":     rolloverDays,
	})
	if left < rolloverDays {
		if len(cands) > 1 {
			entry.WithField("next_expiry", cands[1].code).Info("rolling over to next expiry")
			return cands[1].code, nil
		}
		entry.Warn("inside rollover window but no next expiry listed")
	}
	return front.code, nil
}

// TokenInfo returns the contract for symbol at expiry. An empty expiry
// resolves to CurrentExpiry.
func (r *Resolver) TokenInfo(symbol, expiry string) (models.Contract, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	byExpiry, ok := r.contracts[symbol]
	if !ok {
		return models.Contract{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	if expiry == "" {
		var err error
		if expiry, err = r.CurrentExpiry(); err != nil {
			return models.Contract{}, err
		}
	}
	c, ok := byExpiry[expiry]
	if !ok {
		return models.Contract{}, fmt.Errorf("%w: %s %s (available: %s)",
			ErrExpiryNotAvailable, symbol, expiry, strings.Join(r.ExpiriesFor(symbol), ","))
	}
	return c, nil
}

// TokensForSymbols resolves several symbols at once. Symbols that cannot be
// resolved are logged and left out of the result.
func (r *Resolver) TokensForSymbols(symbols []string, expiry string) map[string]models.Contract {
	out := make(map[string]models.Contract, len(symbols))
	for _, s := range symbols {
		c, err := r.TokenInfo(s, expiry)
		if err != nil {
			r.log.WithComponent("contracts").WithError(err).WithField("symbol", s).Warn("symbol not resolved")
			continue
		}
		out[c.Symbol] = c
	}
	return out
}

// SearchSymbol returns every symbol whose code or asset name contains
// partial, case-insensitively, sorted and unique.
func (r *Resolver) SearchSymbol(partial string) []string {
	needle := strings.ToUpper(strings.TrimSpace(partial))
	var out []string
	for symbol, byExpiry := range r.contracts {
		if strings.Contains(symbol, needle) {
			out = append(out, symbol)
			continue
		}
		for _, c := range byExpiry {
			if strings.Contains(strings.ToUpper(c.AssetName), needle) {
				out = append(out, symbol)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// SymbolForAsset finds the short code whose asset name matches name exactly,
// ignoring case.
func (r *Resolver) SymbolForAsset(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for symbol, byExpiry := range r.contracts {
		for _, c := range byExpiry {
			if strings.EqualFold(c.AssetName, name) {
				return symbol, true
			}
		}
	}
	return "", false
}

// Symbols lists every loaded symbol in order.
func (r *Resolver) Symbols() []string {
	out := make([]string, 0, len(r.contracts))
	for s := range r.contracts {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Expiries lists the known expiry codes in date order; unparseable codes last.
func (r *Resolver) Expiries() []string {
	out := make([]string, 0, len(r.expiries))
	for code := range r.expiries {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := r.expiries[out[i]], r.expiries[out[j]]
		switch {
		case di.IsZero() != dj.IsZero():
			return dj.IsZero()
		case !di.Equal(dj):
			return di.Before(dj)
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// ExpiriesFor lists the expiry codes listed for symbol.
func (r *Resolver) ExpiriesFor(symbol string) []string {
	byExpiry := r.contracts[strings.ToUpper(symbol)]
	out := make([]string, 0, len(byExpiry))
	for code := range byExpiry {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
