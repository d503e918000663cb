package rangebar

import (
	"errors"
	"fmt"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
)

var (
	// ErrInvalidThreshold matches every *InvalidThresholdError.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrUnsortedInput matches every *UnsortedInputError.
	ErrUnsortedInput = errors.New("unsorted input")

	// ErrNumericSaturation is returned when a fixed-point operation feeding a
	// bar could not produce the exact result. It also matches fixed.ErrSaturation.
	ErrNumericSaturation = fmt.Errorf("range bar: %w", fixed.ErrSaturation)
)

// InvalidThresholdError reports a threshold outside [MinThresholdUnits, MaxThresholdUnits].
type InvalidThresholdError struct {
	Value int
}

func (e *InvalidThresholdError) Error() string {
	return fmt.Sprintf("invalid threshold %d: must be between %d and %d (0.1bp units)",
		e.Value, MinThresholdUnits, MaxThresholdUnits)
}

func (e *InvalidThresholdError) Is(target error) bool {
	return target == ErrInvalidThreshold
}

// UnsortedInputError reports the first trade whose (timestamp, sequence id)
// did not strictly increase. Index is the position of the offending trade in
// the slice for batch calls, or in the stream since the last reset for
// streaming calls.
type UnsortedInputError struct {
	Index int
	Prev  model.OrderKey
	Curr  model.OrderKey
}

func (e *UnsortedInputError) Error() string {
	return fmt.Sprintf("unsorted input at index %d: %s does not follow %s", e.Index, e.Curr, e.Prev)
}

func (e *UnsortedInputError) Is(target error) bool {
	return target == ErrUnsortedInput
}

func saturation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNumericSaturation, fmt.Sprintf(format, args...))
}
