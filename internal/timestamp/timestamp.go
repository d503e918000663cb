// Package timestamp normalizes source timestamps to microseconds since the Unix epoch.
//
// Exchanges and archive files disagree on precision: Binance reports
// milliseconds, archive dumps switched to microseconds, some feeds use
// nanoseconds. Normalize infers the unit from the magnitude, which is
// unambiguous for any instant between 2000 and 2100.
package timestamp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Unit is the precision of a raw timestamp.
type Unit int

const (
	Auto Unit = iota
	Seconds
	Milliseconds
	Microseconds
	Nanoseconds
)

var (
	// ErrOutOfRange indicates a timestamp outside [2000-01-01, 2100-01-01).
	ErrOutOfRange = errors.New("timestamp out of range")

	// ErrUnknownUnit is returned by ParseUnit for an unrecognised unit name.
	ErrUnknownUnit = errors.New("unknown timestamp unit")
)

var (
	minMicros = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	maxMicros = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
)

// Normalize converts a timestamp of unknown precision to microseconds.
func Normalize(raw int64) (int64, error) {
	return FromUnit(raw, Auto)
}

// FromUnit converts a timestamp of the given precision to microseconds.
func FromUnit(raw int64, unit Unit) (int64, error) {
	if unit == Auto {
		unit = detect(raw)
	}

	var micros int64
	switch unit {
	case Seconds:
		micros = raw * 1_000_000
	case Milliseconds:
		micros = raw * 1_000
	case Microseconds:
		micros = raw
	case Nanoseconds:
		micros = raw / 1_000
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownUnit, unit)
	}

	if micros < minMicros || micros >= maxMicros {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, raw)
	}
	return micros, nil
}

// detect picks the unit by digit count. Between 2000 and 2100 seconds have
// 10 digits, milliseconds 13, microseconds 16 and nanoseconds 19.
func detect(raw int64) Unit {
	switch {
	case raw < 100_000_000_000:
		return Seconds
	case raw < 100_000_000_000_000:
		return Milliseconds
	case raw < 100_000_000_000_000_000:
		return Microseconds
	default:
		return Nanoseconds
	}
}

// ParseUnit accepts "auto", "s", "ms", "us" and "ns" (and their long forms).
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "s", "sec", "seconds":
		return Seconds, nil
	case "ms", "millis", "milliseconds":
		return Milliseconds, nil
	case "us", "µs", "micros", "microseconds":
		return Microseconds, nil
	case "ns", "nanos", "nanoseconds":
		return Nanoseconds, nil
	default:
		return Auto, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
	}
}

// FromTime returns t in microseconds since the epoch.
func FromTime(t time.Time) int64 {
	return t.UnixMicro()
}

// ToTime converts microseconds since the epoch to a UTC time.
func ToTime(micros int64) time.Time {
	return time.UnixMicro(micros).UTC()
}
