package models

import "time"

// Contract is one listed futures contract from the instrument master.
type Contract struct {
	Symbol    string  `json:"symbol"`
	Expiry    string  `json:"expiry"`
	Token     string  `json:"token"`
	LotSize   int64   `json:"lot_size"`
	TickSize  float64 `json:"tick_size"`
	AssetName string  `json:"asset_name"`
	// ExpiryDate is zero when the raw expiry string could not be parsed.
	ExpiryDate time.Time `json:"-"`
}

// WatchEntry pairs a feed token with its display symbol.
type WatchEntry struct {
	Token  string
	Symbol string
}
