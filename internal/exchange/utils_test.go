package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
	"rangebar/internal/timestamp"
)

func TestValidateConfig(t *testing.T) {
	defaultCfg := &ExchangeConfig{
		BaseURL:    "wss://default.com",
		MaxSymbols: 10,
	}

	tests := []struct {
		name      string
		config    *ExchangeConfig
		expected  ExchangeConfig
		wantError bool
	}{
		{
			name:     "valid config",
			config:   &ExchangeConfig{BaseURL: "wss://test.com", MaxSymbols: 5},
			expected: ExchangeConfig{BaseURL: "wss://test.com", MaxSymbols: 5},
		},
		{
			name:     "empty BaseURL uses default",
			config:   &ExchangeConfig{MaxSymbols: 5},
			expected: ExchangeConfig{BaseURL: "wss://default.com", MaxSymbols: 5},
		},
		{
			name:     "zero MaxSymbols uses default",
			config:   &ExchangeConfig{BaseURL: "wss://test.com", Reconnect: true},
			expected: ExchangeConfig{BaseURL: "wss://test.com", MaxSymbols: 10, Reconnect: true},
		},
		{
			name:      "negative MaxSymbols is rejected",
			config:    &ExchangeConfig{BaseURL: "wss://test.com", MaxSymbols: -1},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config, defaultCfg)

			if tt.wantError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, *tt.config)
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	properWrapped := fmt.Errorf("%w: additional context", ErrInvalidConfig)
	assert.True(t, errors.Is(properWrapped, ErrInvalidConfig))

	_, err := withDefaults(&ExchangeConfig{MaxSymbols: -3}, defaultOkxConfig)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParsePriceVolume(t *testing.T) {
	tests := []struct {
		name        string
		price       string
		volume      string
		wantPrice   fixed.Decimal
		wantVolume  fixed.Decimal
		expectError bool
	}{
		{name: "plain", price: "50000.12", volume: "0.5", wantPrice: fixed.MustParse("50000.12"), wantVolume: fixed.MustParse("0.5")},
		{name: "zero volume", price: "1", volume: "0", wantPrice: fixed.MustParse("1"), wantVolume: fixed.Zero},
		{name: "negative price", price: "-1", volume: "1", expectError: true},
		{name: "negative volume", price: "1", volume: "-0.1", expectError: true},
		{name: "empty price", price: "", volume: "1", expectError: true},
		{name: "nine digits", price: "1.000000001", volume: "1", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, volume, err := parsePriceVolume(tt.price, tt.volume)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidTrade)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrice, price)
			assert.Equal(t, tt.wantVolume, volume)
		})
	}
}

func TestParseMillis(t *testing.T) {
	micros, err := parseMillis("1630048897897")
	require.NoError(t, err)
	assert.Equal(t, int64(1630048897897000), micros)

	_, err = parseMillis("16300x")
	assert.ErrorIs(t, err, ErrInvalidTrade)

	_, err = parseMillis("5")
	assert.ErrorIs(t, err, ErrInvalidTrade)
	assert.Contains(t, err.Error(), timestamp.ErrOutOfRange.Error())
}

func TestOppositeSide(t *testing.T) {
	assert.Equal(t, model.SideSell, oppositeSide(model.SideBuy))
	assert.Equal(t, model.SideBuy, oppositeSide(model.SideSell))
	assert.Equal(t, model.SideNone, oppositeSide(model.SideNone))
}
