package models

// Snapshot is the point-in-time document written every snapshot interval.
type Snapshot struct {
	Metadata  SnapshotMetadata     `json:"metadata"`
	Quotes    []Quote              `json:"quotes"`
	Analytics map[string]Analytics `json:"analytics,omitempty"`
}

type SnapshotMetadata struct {
	Timestamp   string `json:"timestamp"`
	TotalStocks int    `json:"total_stocks"`
	SnapshotID  string `json:"snapshot_id"`
	SessionID   string `json:"session_id,omitempty"`
}

// Quote is the latest tick of one token.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Token     string  `json:"token"`
	LTP       float64 `json:"ltp"`
	Volume    int64   `json:"volume"`
	OI        int64   `json:"oi"`
	ChangeOI  int64   `json:"change_oi"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Spread    float64 `json:"spread"`
	Timestamp string  `json:"timestamp"`
}

// Analytics summarises the buffered window of one token.
type Analytics struct {
	Ticks            int     `json:"ticks"`
	VWAP             float64 `json:"vwap"`
	WindowHigh       float64 `json:"window_high"`
	WindowLow        float64 `json:"window_low"`
	OIDelta          int64   `json:"oi_delta"`
	QtySpikeCount    int     `json:"qty_spike_count"`
	LastTradedQty    int64   `json:"last_traded_qty"`
	BuySellImbalance float64 `json:"buy_sell_imbalance"`
}

// QuoteFromTick projects the snapshot fields out of a tick.
func QuoteFromTick(t Tick) Quote {
	return Quote{
		Symbol:    t.Symbol,
		Token:     t.Token,
		LTP:       t.LastPrice,
		Volume:    t.Volume,
		OI:        t.OpenInterest,
		ChangeOI:  t.ChangeInOI,
		Bid:       t.BidPrice[0],
		Ask:       t.AskPrice[0],
		Spread:    t.Spread(),
		Timestamp: t.Timestamp.Format(TimestampLayout),
	}
}
