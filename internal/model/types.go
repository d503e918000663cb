// Package model defines the data types shared by the range bar pipeline.
//
// This package contains the trade record consumed by bar construction, the
// range bar it produces and the envelopes used to route both through the
// live service. Prices and volumes use fixed.Decimal so that every breach
// comparison is exact; turnover uses decimal.Decimal because price × volume
// does not fit the 8-digit fixed-point range.
package model

import (
	"fmt"
	"strings"
)

// Exchange represents a market data venue.
type Exchange int

const (
	// BinanceExchange represents the Binance cryptocurrency exchange
	BinanceExchange Exchange = iota

	// CoinbaseExchange represents the Coinbase cryptocurrency exchange
	CoinbaseExchange

	// OkxExchange represents the OKX cryptocurrency exchange
	OkxExchange

	// FileSource marks trades replayed from a local file rather than a live venue
	FileSource
)

var exchangeNames = map[Exchange]string{
	BinanceExchange:  "binance",
	CoinbaseExchange: "coinbase",
	OkxExchange:      "okx",
	FileSource:       "file",
}

// String returns the lowercase venue name used in keys, channels and table rows.
func (e Exchange) String() string {
	if name, ok := exchangeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("exchange(%d)", int(e))
}

// ParseExchange is the inverse of Exchange.String.
func ParseExchange(name string) (Exchange, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for e, n := range exchangeNames {
		if n == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown exchange %q", name)
}

// TradeEvent is a normalized trade as delivered by a live exchange connector.
//
// The embedded Trade is what bar construction consumes; Pair and Exchange
// route it to the engine responsible for that instrument.
type TradeEvent struct {
	Pair     string   // Trading pair symbol (e.g., "BTC-USDT")
	Exchange Exchange // Source exchange
	Trade    Trade    // Normalized trade record
}

// BarEvent is a range bar together with its routing information.
//
// Incomplete marks a snapshot of a bar that has not breached yet. Such
// snapshots are published for monitoring only and must never be persisted
// as completed bars.
type BarEvent struct {
	Pair           string   // Trading pair symbol (e.g., "BTC-USDT")
	Exchange       Exchange // Source exchange
	ThresholdUnits int      // Threshold in 0.1 basis point units
	Incomplete     bool     // True for an in-progress snapshot
	Bar            Bar      // Bar payload
}

// Key returns the stream identity "exchange:pair:threshold".
func (e BarEvent) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.Exchange, e.Pair, e.ThresholdUnits)
}
