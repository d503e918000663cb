package rangebar

import (
	"rangebar/internal/fixed"
)

const (
	// MinThresholdUnits is 0.1bp (0.001%).
	MinThresholdUnits = 1

	// MaxThresholdUnits is 100%.
	MaxThresholdUnits = 100_000

	unitsPerWhole int64 = 100_000
)

// Threshold is a validated bar size in 0.1 basis point units (250 = 25bp = 0.25%).
type Threshold struct {
	units int
}

// NewThreshold validates units. Out-of-range values are rejected, never clamped.
func NewThreshold(units int) (Threshold, error) {
	if units < MinThresholdUnits || units > MaxThresholdUnits {
		return Threshold{}, &InvalidThresholdError{Value: units}
	}
	return Threshold{units: units}, nil
}

// Units returns the threshold in 0.1bp units.
func (t Threshold) Units() int {
	return t.units
}

// Distance returns open*units/100000, truncated toward zero.
//
// A distance that truncates to zero would put both thresholds on the open
// price, so the next trade would breach both sides at once; that case is
// reported as saturation along with genuine overflow.
func (t Threshold) Distance(open fixed.Decimal) (fixed.Decimal, error) {
	d, err := open.MulDiv(int64(t.units), unitsPerWhole)
	if err != nil {
		return 0, saturation("threshold distance for open %s: %v", open, err)
	}
	if d.Sign() <= 0 {
		return 0, saturation("threshold distance for open %s underflows to %s", open, d)
	}
	return d, nil
}

// Bounds returns the upper and lower breach thresholds for a bar opening at open.
func (t Threshold) Bounds(open fixed.Decimal) (upper, lower fixed.Decimal, err error) {
	d, err := t.Distance(open)
	if err != nil {
		return 0, 0, err
	}
	if upper, err = open.AddChecked(d); err != nil {
		return 0, 0, saturation("upper threshold %s + %s", open, d)
	}
	if lower, err = open.SubChecked(d); err != nil {
		return 0, 0, saturation("lower threshold %s - %s", open, d)
	}
	return upper, lower, nil
}
