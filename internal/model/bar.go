package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"rangebar/internal/fixed"
)

// ErrInvalidBar is wrapped by every error returned from Bar.Validate.
var ErrInvalidBar = errors.New("invalid bar")

// Bar is a range bar: an OHLCV aggregate closed by price movement rather than time.
//
// UpperThreshold and LowerThreshold are fixed when the bar opens and are
// never revised. A completed bar contains the trade that breached one of
// them, so Close always sits on or beyond a threshold.
//
// Fields:
//   - Open, High, Low, Close: price extremes and endpoints of the bar
//   - Volume: sum of trade volumes
//   - OpenTime, CloseTime: microsecond timestamps of the first and last trade
//   - TradeCount, FirstTradeID, LastTradeID: trade bookkeeping
//   - Turnover: exact sum of price × volume
//   - Buy*/Sell*: side-segregated volume, turnover and counts
//   - VWAP: Turnover / Volume, zero when Volume is zero
type Bar struct {
	Open   fixed.Decimal `json:"open"`
	High   fixed.Decimal `json:"high"`
	Low    fixed.Decimal `json:"low"`
	Close  fixed.Decimal `json:"close"`
	Volume fixed.Decimal `json:"volume"`

	OpenTime  int64 `json:"open_time"`
	CloseTime int64 `json:"close_time"`

	TradeCount   int64 `json:"trade_count"`
	FirstTradeID int64 `json:"first_trade_id"`
	LastTradeID  int64 `json:"last_trade_id"`

	Turnover decimal.Decimal `json:"turnover"`

	BuyVolume      fixed.Decimal   `json:"buy_volume"`
	SellVolume     fixed.Decimal   `json:"sell_volume"`
	BuyTurnover    decimal.Decimal `json:"buy_turnover"`
	SellTurnover   decimal.Decimal `json:"sell_turnover"`
	BuyTradeCount  int64           `json:"buy_trade_count"`
	SellTradeCount int64           `json:"sell_trade_count"`

	VWAP fixed.Decimal `json:"vwap"`

	UpperThreshold fixed.Decimal `json:"upper_threshold"`
	LowerThreshold fixed.Decimal `json:"lower_threshold"`
}

// DurationMicros is CloseTime - OpenTime. A bar opened and closed at the same
// timestamp has zero duration.
func (b Bar) DurationMicros() int64 {
	return b.CloseTime - b.OpenTime
}

// BreachedUpper reports whether the bar closed through its upper threshold.
func (b Bar) BreachedUpper() bool {
	return b.High.Cmp(b.UpperThreshold) >= 0
}

// BreachedLower reports whether the bar closed through its lower threshold.
func (b Bar) BreachedLower() bool {
	return b.Low.Cmp(b.LowerThreshold) <= 0
}

// Validate checks the structural invariants of a bar. When complete is true
// the bar must also have closed on exactly one breach.
func (b Bar) Validate(complete bool) error {
	if b.High.LessThan(fixed.Max(b.Open, b.Close)) {
		return fmt.Errorf("%w: high %s below open/close", ErrInvalidBar, b.High)
	}
	if b.Low.GreaterThan(fixed.Min(b.Open, b.Close)) {
		return fmt.Errorf("%w: low %s above open/close", ErrInvalidBar, b.Low)
	}
	if b.OpenTime > b.CloseTime {
		return fmt.Errorf("%w: open time %d after close time %d", ErrInvalidBar, b.OpenTime, b.CloseTime)
	}
	if b.TradeCount < 1 {
		return fmt.Errorf("%w: no trades", ErrInvalidBar)
	}
	if !complete {
		return nil
	}

	upper, lower := b.BreachedUpper(), b.BreachedLower()
	switch {
	case upper && lower:
		return fmt.Errorf("%w: both thresholds breached", ErrInvalidBar)
	case upper:
		if b.Close.LessThan(b.UpperThreshold) {
			return fmt.Errorf("%w: close %s below breached upper threshold %s", ErrInvalidBar, b.Close, b.UpperThreshold)
		}
	case lower:
		if b.Close.GreaterThan(b.LowerThreshold) {
			return fmt.Errorf("%w: close %s above breached lower threshold %s", ErrInvalidBar, b.Close, b.LowerThreshold)
		}
	default:
		return fmt.Errorf("%w: no threshold breached", ErrInvalidBar)
	}
	return nil
}
