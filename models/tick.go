package models

import (
	"strconv"
	"time"
)

// DepthLevels is the number of order book levels carried per side.
const DepthLevels = 5

// TimestampLayout is used for tick timestamps in CSV rows and snapshots.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// RawTick is one decoded feed record before normalisation.
type RawTick map[string]any

// RawTickBatch is a single delivery from the feed.
type RawTickBatch struct {
	Ticks      []RawTick
	ReceivedAt time.Time
}

// Tick is a normalised quote for one watched token. Numeric fields are
// zero when the feed omitted or garbled them.
type Tick struct {
	Token         string
	Symbol        string
	Timestamp     time.Time
	LastPrice     float64
	Volume        int64
	LastTradedQty int64
	OpenInterest  int64
	ChangeInOI    int64
	BidPrice      [DepthLevels]float64
	BidQty        [DepthLevels]int64
	AskPrice      [DepthLevels]float64
	AskQty        [DepthLevels]int64
	TotalBuyQty   int64
	TotalSellQty  int64
}

// Spread is best ask minus best bid.
func (t Tick) Spread() float64 {
	return t.AskPrice[0] - t.BidPrice[0]
}

// CSVHeader returns the column names for tick rows. A leading Symbol column
// is added when rows from several tokens share one file.
func CSVHeader(withSymbol bool) []string {
	cols := make([]string, 0, 30)
	if withSymbol {
		cols = append(cols, "Symbol")
	}
	cols = append(cols, "exchange_timestamp", "last_price", "volume_traded",
		"last_traded_quantity", "open_interest", "change_in_oi")
	for i := 1; i <= DepthLevels; i++ {
		n := strconv.Itoa(i)
		cols = append(cols, "bid_price_"+n, "bid_qty_"+n)
	}
	for i := 1; i <= DepthLevels; i++ {
		n := strconv.Itoa(i)
		cols = append(cols, "ask_price_"+n, "ask_qty_"+n)
	}
	return append(cols, "total_buy_qty", "total_sell_qty")
}

// CSVRecord renders the tick in CSVHeader order.
func (t Tick) CSVRecord(withSymbol bool) []string {
	row := make([]string, 0, 30)
	if withSymbol {
		row = append(row, t.Symbol)
	}
	row = append(row,
		t.Timestamp.Format(TimestampLayout),
		formatFloat(t.LastPrice),
		formatInt(t.Volume),
		formatInt(t.LastTradedQty),
		formatInt(t.OpenInterest),
		formatInt(t.ChangeInOI),
	)
	for i := 0; i < DepthLevels; i++ {
		row = append(row, formatFloat(t.BidPrice[i]), formatInt(t.BidQty[i]))
	}
	for i := 0; i < DepthLevels; i++ {
		row = append(row, formatFloat(t.AskPrice[i]), formatInt(t.AskQty[i]))
	}
	return append(row, formatInt(t.TotalBuyQty), formatInt(t.TotalSellQty))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

// TickBatch is one flushed group of ticks for a single token.
type TickBatch struct {
	BatchID   string
	Token     string
	Symbol    string
	Ticks     []Tick
	FlushedAt time.Time
}
