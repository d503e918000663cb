// Package utils provides validation and parsing helpers for instrument symbols
// and threshold lists supplied on the command line or in configuration.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"rangebar/internal/rangebar"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrNoThresholds   = errors.New("zero thresholds requested")
)

// QuoteAssetSet contains the supported quote assets for trading pairs.
var QuoteAssetSet = map[string]bool{
	"USDT": true, // Tether USD
	"USDC": true, // USD Coin
	"USD":  true, // US dollar (Coinbase)
	"EUR":  true, // Euro
	"BTC":  true, // Bitcoin
	"ETH":  true, // Ethereum
	"SOL":  true, // Solana
}

// supportedQuotesCache is a pre-computed, sorted list of supported quote
// assets used in error messages.
var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// quotesByLength lists the quote assets longest first, so that "BTCUSDT"
// resolves to USDT rather than USD.
var quotesByLength = sortedQuotes(QuoteAssetSet)

// ValidateSymbol validates that a trading pair symbol follows the "BASE-QUOTE"
// format with an alphanumeric base asset and a supported quote asset.
//
// The validation is case-insensitive.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid symbol format: expected BASE-QUOTE, got %q", symbol)
	}

	if len(parts[0]) == 0 {
		return errors.New("base asset cannot be empty")
	}

	if len(parts[1]) == 0 {
		return errors.New("quote asset cannot be empty")
	}

	base := strings.ToUpper(parts[0])
	if !isAlphanumeric(base) {
		return fmt.Errorf("invalid base asset: %q", parts[0])
	}

	quote := strings.ToUpper(parts[1])
	if !QuoteAssetSet[quote] {
		return fmt.Errorf("unsupported quote asset: %s (supported: %s)",
			quote, supportedQuotesCache)
	}

	return nil
}

// ValidatePairs validates a slice of trading pair symbols and enforces quantity limits.
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(pairs), maxAllowed)
	}

	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// NormalizeSymbol converts venue spellings such as "btcusdt", "BTC_USDT" or
// "btc/usdt" to the canonical "BTC-USDT". Symbols whose quote asset is not
// recognised are returned upper-cased and otherwise unchanged.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("_", "-", "/", "-").Replace(s)
	if strings.Contains(s, "-") {
		return s
	}

	for _, quote := range quotesByLength {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

// ParsePairs splits a comma-separated list, normalizes every entry and
// validates the result.
func ParsePairs(list string, maxAllowed int) ([]string, error) {
	var pairs []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, NormalizeSymbol(p))
		}
	}
	if err := ValidatePairs(pairs, maxAllowed); err != nil {
		return nil, err
	}
	return pairs, nil
}

// ParseThresholds parses a comma-separated list of thresholds in 0.1bp units,
// e.g. "250,500,1000". Every value must be a valid range bar threshold;
// duplicates are removed and the result is sorted ascending.
func ParseThresholds(list string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		units, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", field, err)
		}
		if _, err := rangebar.NewThreshold(units); err != nil {
			return nil, err
		}
		if !seen[units] {
			seen[units] = true
			out = append(out, units)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoThresholds
	}
	sort.Ints(out)
	return out, nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// getSupportedQuotes builds a sorted, comma-separated string of supported quote assets.
func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func sortedQuotes(quoteAssetSet map[string]bool) []string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
