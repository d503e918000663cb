// Package sink publishes and persists completed range bars.
//
// Sinks only ever see completed bars: snapshots of bars under construction
// are ignored, so every stored or published bar is final.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"rangebar/internal/model"
)

// BarSink receives completed bars.
type BarSink interface {
	Write(ctx context.Context, ev model.BarEvent) error
	Close() error
}

// payload is the JSON document published for one bar.
type payload struct {
	Exchange       string    `json:"exchange"`
	Pair           string    `json:"pair"`
	ThresholdUnits int       `json:"threshold_units"`
	Bar            model.Bar `json:"bar"`
}

func encode(ev model.BarEvent) ([]byte, error) {
	raw, err := json.Marshal(payload{
		Exchange:       ev.Exchange.String(),
		Pair:           ev.Pair,
		ThresholdUnits: ev.ThresholdUnits,
		Bar:            ev.Bar,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: encode %s: %w", ev.Key(), err)
	}
	return raw, nil
}

// Topic returns "<prefix>:<exchange>:<pair>:<threshold>".
func Topic(prefix string, ev model.BarEvent) string {
	return prefix + ":" + ev.Exchange.String() + ":" + ev.Pair + ":" + strconv.Itoa(ev.ThresholdUnits)
}

// Multi writes every bar to each sink in order and joins their errors.
type Multi []BarSink

func (m Multi) Write(ctx context.Context, ev model.BarEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
