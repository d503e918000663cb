// Package batch builds range bars from trade and quote files.
//
// Files are read whole, validated for ordering by the engine, and turned into
// bars for every requested threshold. Runner processes many files in parallel
// and hands the results to the export, blob and sink packages.
package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rangebar/internal/exchange"
	"rangebar/internal/fixed"
	"rangebar/internal/model"
	"rangebar/internal/timestamp"
)

// Format names a supported input file layout.
type Format string

const (
	// FormatAggTrades is the Binance aggTrades dump:
	// agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker
	FormatAggTrades Format = "aggtrades"

	// FormatTrades is a plain trade list: id,price,qty,timestamp[,side]
	FormatTrades Format = "trades"

	// FormatQuotes is a top of book list: timestamp,bid,ask
	FormatQuotes Format = "quotes"
)

// ErrInvalidRow is wrapped by every row-level parse error.
var ErrInvalidRow = errors.New("invalid row")

// ParseFormat accepts the names of the Format constants.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAggTrades, FormatTrades, FormatQuotes:
		return f, nil
	default:
		return "", fmt.Errorf("unknown input format %q (use aggtrades, trades or quotes)", s)
	}
}

// Read dispatches to ReadTrades or ReadQuotes.
func Read(r io.Reader, format Format) ([]model.Trade, error) {
	if format == FormatQuotes {
		return ReadQuotes(r)
	}
	return ReadTrades(r, format)
}

// ReadTrades parses a trade file. A header row is detected and skipped.
// Timestamps may be in any unit timestamp.Normalize recognises.
func ReadTrades(r io.Reader, format Format) ([]model.Trade, error) {
	var (
		minFields int
		parse     func(rec []string) (model.Trade, error)
	)
	switch format {
	case FormatAggTrades:
		minFields, parse = 7, parseAggTrade
	case FormatTrades:
		minFields, parse = 4, parseTrade
	default:
		return nil, fmt.Errorf("unsupported trade format %q", format)
	}
	return readRows(r, minFields, parse)
}

// ReadQuotes parses a timestamp,bid,ask file into midpoint ticks. Quotes
// carry no identifier, so the row number becomes the sequence id.
func ReadQuotes(r io.Reader) ([]model.Trade, error) {
	row := int64(0)
	return readRows(r, 3, func(rec []string) (model.Trade, error) {
		row++
		ts, err := parseTimestamp(rec[0])
		if err != nil {
			return model.Trade{}, err
		}
		mid, err := exchange.Midpoint(strings.TrimSpace(rec[1]), strings.TrimSpace(rec[2]))
		if err != nil {
			return model.Trade{}, err
		}
		return model.Trade{SequenceID: row, Price: mid, Timestamp: ts, Side: model.SideNone}, nil
	})
}

func readRows(r io.Reader, minFields int, parse func([]string) (model.Trade, error)) ([]model.Trade, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.Comment = '#'

	var trades []model.Trade
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return trades, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		if len(rec) < minFields {
			return nil, fmt.Errorf("line %d: %w: want at least %d fields, got %d", line, ErrInvalidRow, minFields, len(rec))
		}

		t, err := parse(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, ErrInvalidRow, err)
		}
		trades = append(trades, t)
	}
}

// isHeader reports whether the first field is not a number.
func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	return err != nil
}

func parseAggTrade(rec []string) (model.Trade, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("id: %v", err)
	}
	price, volume, err := parsePriceVolume(rec[1], rec[2])
	if err != nil {
		return model.Trade{}, err
	}
	ts, err := parseTimestamp(rec[5])
	if err != nil {
		return model.Trade{}, err
	}
	buyerMaker, err := strconv.ParseBool(strings.TrimSpace(rec[6]))
	if err != nil {
		return model.Trade{}, fmt.Errorf("is_buyer_maker: %v", err)
	}

	side := model.SideBuy
	if buyerMaker {
		side = model.SideSell
	}
	return model.Trade{SequenceID: id, Price: price, Volume: volume, Timestamp: ts, Side: side}, nil
}

func parseTrade(rec []string) (model.Trade, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("id: %v", err)
	}
	price, volume, err := parsePriceVolume(rec[1], rec[2])
	if err != nil {
		return model.Trade{}, err
	}
	ts, err := parseTimestamp(rec[3])
	if err != nil {
		return model.Trade{}, err
	}

	side := model.SideNone
	if len(rec) > 4 {
		side = model.ParseSide(rec[4])
	}
	return model.Trade{SequenceID: id, Price: price, Volume: volume, Timestamp: ts, Side: side}, nil
}

func parsePriceVolume(priceStr, volumeStr string) (fixed.Decimal, fixed.Decimal, error) {
	price, err := fixed.Parse(strings.TrimSpace(priceStr))
	if err != nil {
		return 0, 0, fmt.Errorf("price: %v", err)
	}
	if !price.IsPositive() {
		return 0, 0, fmt.Errorf("non-positive price %s", price)
	}
	volume, err := fixed.Parse(strings.TrimSpace(volumeStr))
	if err != nil {
		return 0, 0, fmt.Errorf("volume: %v", err)
	}
	if volume.Sign() < 0 {
		return 0, 0, fmt.Errorf("negative volume %s", volume)
	}
	return price, volume, nil
}

func parseTimestamp(s string) (int64, error) {
	raw, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp: %v", err)
	}
	return timestamp.Normalize(raw)
}
