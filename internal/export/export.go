// Package export writes range bars to local files in CSV, JSON or Parquet.
//
// Bars are flattened into Record before writing. Exact values are kept as
// decimal strings; the float columns exist for tools that cannot parse them
// and are the only place a bar is ever converted to floating point.
package export

import (
	"fmt"
	"strings"

	"rangebar/internal/model"
)

// Record is one exported bar.
type Record struct {
	Exchange       string `json:"exchange" parquet:"exchange"`
	Pair           string `json:"pair" parquet:"pair"`
	ThresholdUnits int32  `json:"threshold_units" parquet:"threshold_units"`
	Index          int64  `json:"index" parquet:"index"`

	OpenTime  int64 `json:"open_time" parquet:"open_time"`
	CloseTime int64 `json:"close_time" parquet:"close_time"`

	Open     string `json:"open" parquet:"open"`
	High     string `json:"high" parquet:"high"`
	Low      string `json:"low" parquet:"low"`
	Close    string `json:"close" parquet:"close"`
	Volume   string `json:"volume" parquet:"volume"`
	Turnover string `json:"turnover" parquet:"turnover"`
	VWAP     string `json:"vwap" parquet:"vwap"`

	BuyVolume      string `json:"buy_volume" parquet:"buy_volume"`
	SellVolume     string `json:"sell_volume" parquet:"sell_volume"`
	TradeCount     int64  `json:"trade_count" parquet:"trade_count"`
	BuyTradeCount  int64  `json:"buy_trade_count" parquet:"buy_trade_count"`
	SellTradeCount int64  `json:"sell_trade_count" parquet:"sell_trade_count"`
	FirstTradeID   int64  `json:"first_trade_id" parquet:"first_trade_id"`
	LastTradeID    int64  `json:"last_trade_id" parquet:"last_trade_id"`

	UpperThreshold string `json:"upper_threshold" parquet:"upper_threshold"`
	LowerThreshold string `json:"lower_threshold" parquet:"lower_threshold"`

	OpenF   float64 `json:"open_f" parquet:"open_f"`
	HighF   float64 `json:"high_f" parquet:"high_f"`
	LowF    float64 `json:"low_f" parquet:"low_f"`
	CloseF  float64 `json:"close_f" parquet:"close_f"`
	VolumeF float64 `json:"volume_f" parquet:"volume_f"`
	VWAPF   float64 `json:"vwap_f" parquet:"vwap_f"`

	Incomplete bool `json:"incomplete" parquet:"incomplete"`
}

// NewRecord flattens one bar event. index is the bar's position in its stream.
func NewRecord(ev model.BarEvent, index int64) Record {
	b := ev.Bar
	return Record{
		Exchange:       ev.Exchange.String(),
		Pair:           ev.Pair,
		ThresholdUnits: int32(ev.ThresholdUnits),
		Index:          index,
		OpenTime:       b.OpenTime,
		CloseTime:      b.CloseTime,
		Open:           b.Open.String(),
		High:           b.High.String(),
		Low:            b.Low.String(),
		Close:          b.Close.String(),
		Volume:         b.Volume.String(),
		Turnover:       b.Turnover.String(),
		VWAP:           b.VWAP.String(),
		BuyVolume:      b.BuyVolume.String(),
		SellVolume:     b.SellVolume.String(),
		TradeCount:     b.TradeCount,
		BuyTradeCount:  b.BuyTradeCount,
		SellTradeCount: b.SellTradeCount,
		FirstTradeID:   b.FirstTradeID,
		LastTradeID:    b.LastTradeID,
		UpperThreshold: b.UpperThreshold.String(),
		LowerThreshold: b.LowerThreshold.String(),
		OpenF:          b.Open.Float64(),
		HighF:          b.High.Float64(),
		LowF:           b.Low.Float64(),
		CloseF:         b.Close.Float64(),
		VolumeF:        b.Volume.Float64(),
		VWAPF:          b.VWAP.Float64(),
		Incomplete:     ev.Incomplete,
	}
}

// Records flattens the bars of one stream. The last bar is marked
// incomplete when withIncomplete is set.
func Records(exchange model.Exchange, pair string, thresholdUnits int, bars []model.Bar, withIncomplete bool) []Record {
	out := make([]Record, 0, len(bars))
	for i, b := range bars {
		ev := model.BarEvent{
			Pair:           pair,
			Exchange:       exchange,
			ThresholdUnits: thresholdUnits,
			Incomplete:     withIncomplete && i == len(bars)-1,
			Bar:            b,
		}
		out = append(out, NewRecord(ev, int64(i)))
	}
	return out
}

// BarSaver writes a set of records to one file.
type BarSaver interface {
	Save(records []Record, path string) error
	Extension() string
}

// NewBarSaver returns the saver for format: csv, json or parquet.
func NewBarSaver(format string) (BarSaver, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}, nil
	case "json":
		return JSONSaver{}, nil
	case "parquet":
		return ParquetSaver{}, nil
	default:
		return nil, fmt.Errorf("export: unsupported format %q (use csv, json or parquet)", format)
	}
}
