package processor

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tickflow/models"
)

// Feed field names, most specific first.
var (
	tokenKeys     = []string{"symbol", "token"}
	lastPriceKeys = []string{"last", "ltp", "last_price"}
	volumeKeys    = []string{"ttq", "volume", "volume_traded"}
	ltqKeys       = []string{"ltq", "last_traded_quantity"}
	oiKeys        = []string{"OI", "open_interest"}
	changeOIKeys  = []string{"CHNGOI", "change_in_oi"}
	bidPriceKeys  = []string{"bPrice", "bid_price"}
	bidQtyKeys    = []string{"bQty", "bid_qty"}
	askPriceKeys  = []string{"sPrice", "ask_price"}
	askQtyKeys    = []string{"sQty", "ask_qty"}
	totalBuyKeys  = []string{"totalBuyQt", "total_buy_qty"}
	totalSellKeys = []string{"totalSellQ", "total_sell_qty"}
)

// SafeFloat coerces a decoded JSON value to float64. Anything missing,
// empty, non-numeric or non-finite becomes 0.
func SafeFloat(v any) float64 {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0
		}
		f = p
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = p
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// SafeInt coerces like SafeFloat and truncates toward zero, so "12.9" is 12.
func SafeInt(v any) int64 {
	f := SafeFloat(v)
	if f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int64(f)
}

func lookup(raw models.RawTick, keys []string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// depthAt reads level i of a depth field. Lists are indexed positionally;
// a bare number only counts as level 0.
func depthAt(raw models.RawTick, keys []string, i int) any {
	switch v := lookup(raw, keys).(type) {
	case []any:
		if i < len(v) {
			return v[i]
		}
		return nil
	case float64, float32, int, int64, int32, json.Number:
		if i == 0 {
			return v
		}
		return nil
	default:
		return nil
	}
}

// TokenOf extracts the feed token a raw tick belongs to.
func TokenOf(raw models.RawTick) string {
	switch v := lookup(raw, tokenKeys).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Normalize turns a raw feed record into a Tick. It never fails: bad or
// missing numeric fields are zero.
func Normalize(raw models.RawTick, token, symbol string, receivedAt time.Time) models.Tick {
	t := models.Tick{
		Token:         token,
		Symbol:        symbol,
		Timestamp:     receivedAt,
		LastPrice:     SafeFloat(lookup(raw, lastPriceKeys)),
		Volume:        SafeInt(lookup(raw, volumeKeys)),
		LastTradedQty: SafeInt(lookup(raw, ltqKeys)),
		OpenInterest:  SafeInt(lookup(raw, oiKeys)),
		ChangeInOI:    SafeInt(lookup(raw, changeOIKeys)),
		TotalBuyQty:   SafeInt(lookup(raw, totalBuyKeys)),
		TotalSellQty:  SafeInt(lookup(raw, totalSellKeys)),
	}
	for i := 0; i < models.DepthLevels; i++ {
		t.BidPrice[i] = SafeFloat(depthAt(raw, bidPriceKeys, i))
		t.BidQty[i] = SafeInt(depthAt(raw, bidQtyKeys, i))
		t.AskPrice[i] = SafeFloat(depthAt(raw, askPriceKeys, i))
		t.AskQty[i] = SafeInt(depthAt(raw, askQtyKeys, i))
	}
	return t
}
