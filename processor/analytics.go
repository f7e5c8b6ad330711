package processor

import "tickflow/models"

// spikeLookback is how many of the newest ticks are scanned for quantity spikes.
const spikeLookback = 50

// Analyze summarises a window of ticks, oldest first.
func Analyze(window []models.Tick) models.Analytics {
	a := models.Analytics{Ticks: len(window)}
	if len(window) == 0 {
		return a
	}

	var notional, qty float64
	for _, t := range window {
		notional += t.LastPrice * float64(t.LastTradedQty)
		qty += float64(t.LastTradedQty)
		if t.LastPrice <= 0 {
			continue
		}
		if a.WindowHigh == 0 || t.LastPrice > a.WindowHigh {
			a.WindowHigh = t.LastPrice
		}
		if a.WindowLow == 0 || t.LastPrice < a.WindowLow {
			a.WindowLow = t.LastPrice
		}
	}

	last := window[len(window)-1]
	if qty > 0 {
		a.VWAP = notional / qty
	} else {
		a.VWAP = last.LastPrice
	}
	if len(window) > 1 {
		a.OIDelta = last.OpenInterest - window[len(window)-2].OpenInterest
	}
	a.LastTradedQty = last.LastTradedQty
	if total := last.TotalBuyQty + last.TotalSellQty; total > 0 {
		a.BuySellImbalance = float64(last.TotalBuyQty-last.TotalSellQty) / float64(total)
	}

	from := len(window) - spikeLookback
	if from < 0 {
		from = 0
	}
	for i := from; i < len(window); i++ {
		var prev int64
		if i > 0 {
			prev = window[i-1].LastTradedQty
		}
		if window[i].LastTradedQty > 2*prev {
			a.QtySpikeCount++
		}
	}
	return a
}
