package rangebar

import (
	"rangebar/internal/model"
)

// ValidateMonotonic checks that every trade orders strictly after its
// predecessor and reports the first one that does not.
func ValidateMonotonic(trades []model.Trade) error {
	return validateFrom(model.OrderKey{}, false, trades)
}

func validateFrom(prev model.OrderKey, hasPrev bool, trades []model.Trade) error {
	for i, t := range trades {
		k := t.Key()
		if hasPrev && !prev.Less(k) {
			return &UnsortedInputError{Index: i, Prev: prev, Curr: k}
		}
		prev, hasPrev = k, true
	}
	return nil
}

// ProcessTrades feeds trades through Accept and returns the completed bars.
//
// The slice is validated up front, including against the last trade the
// engine accepted, so an ordering error is reported before any state
// changes. A trailing bar that never breached is not returned. On success
// the engine is reset; on error it keeps every trade folded before the
// failing one.
func (e *Engine) ProcessTrades(trades []model.Trade) ([]model.Bar, error) {
	bars, err := e.process(trades)
	if err != nil {
		return nil, err
	}
	e.Reset()
	return bars, nil
}

// ProcessTradesWithIncomplete is ProcessTrades with the trailing incomplete
// bar, if any, appended. The last element then has not breached and must not
// be treated as a completed bar; use it for conservation checks.
func (e *Engine) ProcessTradesWithIncomplete(trades []model.Trade) ([]model.Bar, error) {
	bars, err := e.process(trades)
	if err != nil {
		return nil, err
	}
	if tail, ok := e.PeekIncompleteBar(); ok {
		bars = append(bars, tail)
	}
	e.Reset()
	return bars, nil
}

func (e *Engine) process(trades []model.Trade) ([]model.Bar, error) {
	if err := validateFrom(e.last, e.hasLast, trades); err != nil {
		return nil, err
	}

	bars := make([]model.Bar, 0, len(trades)/16+1)
	for _, t := range trades {
		bar, closed, err := e.Accept(t)
		if err != nil {
			return nil, err
		}
		if closed {
			bars = append(bars, bar)
		}
	}
	return bars, nil
}
