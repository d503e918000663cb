package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

var csvHeader = []string{
	"exchange", "pair", "threshold_units", "index", "open_time", "close_time",
	"open", "high", "low", "close", "volume", "turnover", "vwap",
	"buy_volume", "sell_volume", "trade_count", "buy_trade_count", "sell_trade_count",
	"first_trade_id", "last_trade_id", "upper_threshold", "lower_threshold", "incomplete",
}

// CSVSaver writes one row per bar with exact decimal columns only.
type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(records []Record, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write([]string{
			r.Exchange,
			r.Pair,
			strconv.Itoa(int(r.ThresholdUnits)),
			strconv.FormatInt(r.Index, 10),
			strconv.FormatInt(r.OpenTime, 10),
			strconv.FormatInt(r.CloseTime, 10),
			r.Open,
			r.High,
			r.Low,
			r.Close,
			r.Volume,
			r.Turnover,
			r.VWAP,
			r.BuyVolume,
			r.SellVolume,
			strconv.FormatInt(r.TradeCount, 10),
			strconv.FormatInt(r.BuyTradeCount, 10),
			strconv.FormatInt(r.SellTradeCount, 10),
			strconv.FormatInt(r.FirstTradeID, 10),
			strconv.FormatInt(r.LastTradeID, 10),
			r.UpperThreshold,
			r.LowerThreshold,
			strconv.FormatBool(r.Incomplete),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return f.Close()
}
