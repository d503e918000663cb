// Package exchange provides live market data connectors that produce
// normalized trades for range bar construction.
//
// This file contains the configuration and the conversion helpers shared by
// all connectors: every connector turns venue strings into fixed.Decimal
// prices and volumes, venue timestamps into microseconds, and venue side
// conventions into the aggressor side.
package exchange

import (
	"errors"
	"fmt"
	"strconv"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
	"rangebar/internal/timestamp"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidTrade indicates a venue payload that cannot become a trade.
	ErrInvalidTrade = errors.New("invalid trade payload")
)

// ExchangeConfig provides common configuration parameters for all exchange connectors.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the exchange API.
	BaseURL string

	// MaxSymbols is the maximum number of trading pairs that can be subscribed to simultaneously.
	MaxSymbols int

	// Reconnect makes the underlying client redial after a dropped connection.
	Reconnect bool
}

// validateConfig applies defaults for missing fields and rejects values that
// cannot be defaulted.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}

	if cfg.MaxSymbols < 0 {
		return fmt.Errorf("max symbols must not be negative, got %d", cfg.MaxSymbols)
	}
	if cfg.MaxSymbols == 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}

	return nil
}

// withDefaults copies cfg (or the defaults when cfg is nil) and validates the copy.
func withDefaults(cfg *ExchangeConfig, defaultCfg ExchangeConfig) (ExchangeConfig, error) {
	out := defaultCfg
	if cfg != nil {
		out = *cfg
	}
	if err := validateConfig(&out, &defaultCfg); err != nil {
		return ExchangeConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return out, nil
}

// parsePriceVolume converts venue strings into a trade price and volume.
// Prices must be positive and volumes non-negative.
func parsePriceVolume(priceStr, volumeStr string) (fixed.Decimal, fixed.Decimal, error) {
	price, err := fixed.Parse(priceStr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: price: %v", ErrInvalidTrade, err)
	}
	if !price.IsPositive() {
		return 0, 0, fmt.Errorf("%w: non-positive price %s", ErrInvalidTrade, price)
	}

	volume, err := fixed.Parse(volumeStr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: volume: %v", ErrInvalidTrade, err)
	}
	if volume.Sign() < 0 {
		return 0, 0, fmt.Errorf("%w: negative volume %s", ErrInvalidTrade, volume)
	}
	return price, volume, nil
}

// parseMillis converts a decimal string of milliseconds to microseconds.
func parseMillis(ms string) (int64, error) {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidTrade, ms, err)
	}
	micros, err := timestamp.FromUnit(v, timestamp.Milliseconds)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	return micros, nil
}

// parseID converts a decimal string identifier.
func parseID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q: %v", ErrInvalidTrade, id, err)
	}
	return v, nil
}

// oppositeSide converts a maker side into the aggressor side.
func oppositeSide(maker model.Side) model.Side {
	switch maker {
	case model.SideBuy:
		return model.SideSell
	case model.SideSell:
		return model.SideBuy
	default:
		return model.SideNone
	}
}
