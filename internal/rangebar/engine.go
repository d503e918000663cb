// Package rangebar builds range bars from an ordered stream of trades.
//
// A bar opens on the first trade after the previous bar closed. Its upper and
// lower breach thresholds are computed once from the open price and never
// revised. Every following trade is folded into the bar; the first trade whose
// price reaches either threshold is included in the bar and closes it.
//
// Engine is synchronous and holds no locks. One engine serves one instrument
// at one threshold; independent engines share nothing and may be driven from
// separate goroutines. The package never logs and never skips input: every
// error goes back to the caller, which decides whether to stop or to drop the
// offending trade and carry on.
package rangebar

import (
	"fmt"

	"github.com/shopspring/decimal"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
)

// Engine is the range bar state machine. The zero value is not usable; call NewEngine.
type Engine struct {
	threshold Threshold

	// state is nil while no bar is open.
	state *barState

	last    model.OrderKey
	hasLast bool

	// seen counts trades accepted since construction or the last Reset.
	seen int
}

// barState is the bar under construction.
type barState struct {
	open, high, low, close fixed.Decimal
	openTime, closeTime    int64

	upper, lower fixed.Decimal

	volume     fixed.Decimal
	turnover   decimal.Decimal
	tradeCount int64
	firstID    int64
	lastID     int64

	buyVolume, sellVolume     fixed.Decimal
	buyTurnover, sellTurnover decimal.Decimal
	buyCount, sellCount       int64
}

// NewEngine returns an engine for the given threshold in 0.1bp units.
func NewEngine(thresholdUnits int) (*Engine, error) {
	th, err := NewThreshold(thresholdUnits)
	if err != nil {
		return nil, err
	}
	return &Engine{threshold: th}, nil
}

// Threshold returns the engine's threshold.
func (e *Engine) Threshold() Threshold {
	return e.threshold
}

// HasOpenBar reports whether a bar is currently in progress.
func (e *Engine) HasOpenBar() bool {
	return e.state != nil
}

// LastKey returns the ordering key of the last accepted trade, if any.
func (e *Engine) LastKey() (model.OrderKey, bool) {
	return e.last, e.hasLast
}

// Accept folds one trade into the engine and returns the bar it completed, if any.
//
// The trade must order strictly after the previously accepted one. On error
// the engine is left exactly as it was before the call, so the caller may
// drop the trade and continue with the next one.
func (e *Engine) Accept(t model.Trade) (model.Bar, bool, error) {
	if e.hasLast && !e.last.Less(t.Key()) {
		return model.Bar{}, false, &UnsortedInputError{Index: e.seen, Prev: e.last, Curr: t.Key()}
	}

	if e.state == nil {
		s, err := e.openBar(t)
		if err != nil {
			return model.Bar{}, false, err
		}
		e.state = &s
		e.advance(t)
		return model.Bar{}, false, nil
	}

	next, err := e.state.apply(t)
	if err != nil {
		return model.Bar{}, false, err
	}

	highBreach := next.high.Cmp(next.upper) >= 0
	lowBreach := next.low.Cmp(next.lower) <= 0
	if highBreach && lowBreach {
		panic(fmt.Sprintf("rangebar: trade %s breached both %s and %s", t.Key(), next.upper, next.lower))
	}

	if !highBreach && !lowBreach {
		*e.state = next
		e.advance(t)
		return model.Bar{}, false, nil
	}

	bar, err := next.toBar()
	if err != nil {
		return model.Bar{}, false, err
	}
	e.state = nil
	e.advance(t)
	return bar, true, nil
}

// PeekIncompleteBar returns a snapshot of the bar in progress without
// changing it. The snapshot has not breached and is for diagnostics only.
func (e *Engine) PeekIncompleteBar() (model.Bar, bool) {
	if e.state == nil {
		return model.Bar{}, false
	}
	bar, err := e.state.toBar()
	if err != nil {
		// only the VWAP can fail here and it is informational
		bar.VWAP = 0
	}
	return bar, true
}

// Reset discards the bar in progress and the ordering history.
func (e *Engine) Reset() {
	e.state = nil
	e.last = model.OrderKey{}
	e.hasLast = false
	e.seen = 0
}

func (e *Engine) advance(t model.Trade) {
	e.last = t.Key()
	e.hasLast = true
	e.seen++
}

func (e *Engine) openBar(t model.Trade) (barState, error) {
	upper, lower, err := e.threshold.Bounds(t.Price)
	if err != nil {
		return barState{}, err
	}

	s := barState{
		open:         t.Price,
		high:         t.Price,
		low:          t.Price,
		close:        t.Price,
		openTime:     t.Timestamp,
		closeTime:    t.Timestamp,
		upper:        upper,
		lower:        lower,
		turnover:     decimal.Zero,
		buyTurnover:  decimal.Zero,
		sellTurnover: decimal.Zero,
		firstID:      t.SequenceID,
	}
	return s.apply(t)
}

// apply returns s with t folded in. s itself is not modified.
func (s barState) apply(t model.Trade) (barState, error) {
	var err error

	s.high = fixed.Max(s.high, t.Price)
	s.low = fixed.Min(s.low, t.Price)
	s.close = t.Price
	s.closeTime = t.Timestamp
	s.lastID = t.SequenceID
	s.tradeCount++

	if s.volume, err = add(s.volume, t.Volume, "volume"); err != nil {
		return barState{}, err
	}
	notional := t.Price.Decimal().Mul(t.Volume.Decimal())
	s.turnover = s.turnover.Add(notional)

	switch t.Side {
	case model.SideBuy:
		if s.buyVolume, err = add(s.buyVolume, t.Volume, "buy volume"); err != nil {
			return barState{}, err
		}
		s.buyTurnover = s.buyTurnover.Add(notional)
		s.buyCount++
	case model.SideSell:
		if s.sellVolume, err = add(s.sellVolume, t.Volume, "sell volume"); err != nil {
			return barState{}, err
		}
		s.sellTurnover = s.sellTurnover.Add(notional)
		s.sellCount++
	}

	return s, nil
}

func (s *barState) toBar() (model.Bar, error) {
	bar := model.Bar{
		Open:           s.open,
		High:           s.high,
		Low:            s.low,
		Close:          s.close,
		Volume:         s.volume,
		OpenTime:       s.openTime,
		CloseTime:      s.closeTime,
		TradeCount:     s.tradeCount,
		FirstTradeID:   s.firstID,
		LastTradeID:    s.lastID,
		Turnover:       s.turnover,
		BuyVolume:      s.buyVolume,
		SellVolume:     s.sellVolume,
		BuyTurnover:    s.buyTurnover,
		SellTurnover:   s.sellTurnover,
		BuyTradeCount:  s.buyCount,
		SellTradeCount: s.sellCount,
		UpperThreshold: s.upper,
		LowerThreshold: s.lower,
	}

	if s.volume.IsZero() {
		return bar, nil
	}
	vwap, err := fixed.FromDecimal(s.turnover.Div(s.volume.Decimal()).Truncate(fixed.Digits))
	if err != nil {
		return bar, saturation("vwap %s / %s", s.turnover, s.volume)
	}
	bar.VWAP = vwap
	return bar, nil
}

func add(acc, v fixed.Decimal, what string) (fixed.Decimal, error) {
	sum, err := acc.AddChecked(v)
	if err != nil {
		return acc, saturation("%s %s + %s", what, acc, v)
	}
	return sum, nil
}
