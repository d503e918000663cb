package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Normalize(t *testing.T) {
	const want int64 = 1_700_000_000_123_000

	tests := []struct {
		name        string
		raw         int64
		expected    int64
		expectErr   error
		description string
	}{
		{name: "Seconds", raw: 1_700_000_000, expected: 1_700_000_000_000_000, description: "10 digit values are seconds"},
		{name: "Milliseconds", raw: 1_700_000_000_123, expected: want, description: "13 digit values are milliseconds"},
		{name: "Microseconds", raw: want, expected: want, description: "16 digit values are already microseconds"},
		{name: "Nanoseconds", raw: want*1_000 + 999, expected: want, description: "19 digit values are truncated nanoseconds"},
		{name: "Before 2000", raw: 800_000_000, expectErr: ErrOutOfRange, description: "1995 is outside the accepted window"},
		{name: "Zero", raw: 0, expectErr: ErrOutOfRange, description: "The epoch itself is rejected"},
		{name: "Negative", raw: -5, expectErr: ErrOutOfRange, description: "Negative timestamps are rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expected, got, tt.description)
		})
	}
}

func Test_FromUnit_Explicit(t *testing.T) {
	got, err := FromUnit(1_700_000_000_123, Milliseconds)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_123_000), got)

	_, err = FromUnit(1_700_000_000_123, Seconds)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = FromUnit(1, Unit(99))
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func Test_ParseUnit(t *testing.T) {
	for in, want := range map[string]Unit{
		"":     Auto,
		"auto": Auto,
		"S":    Seconds,
		"ms":   Milliseconds,
		"us":   Microseconds,
		"ns":   Nanoseconds,
	} {
		got, err := ParseUnit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseUnit("fortnights")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func Test_TimeConversions(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	micros := FromTime(ts)
	assert.Equal(t, ts, ToTime(micros))
}
