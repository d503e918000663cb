// Package stream turns live trade feeds from several exchanges into range bars.
//
// Thread Safety:
//   - The engine map is owned by the single processing goroutine
//   - Connectors deliver through channels, merged by fanIn
//   - Counters exposed to other goroutines are atomic
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
	"rangebar/internal/rangebar"
)

// ExchangeConnector defines the interface for subscribing to trade events from exchanges.
//
// Each exchange connector handles its specific WebSocket protocol, message
// formats and data normalization, and delivers trades in venue order.
type ExchangeConnector interface {
	SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error)
}

// Config controls which bars the aggregator builds.
type Config struct {
	// Thresholds lists the bar thresholds in 0.1bp units. Every pair gets one
	// engine per threshold.
	Thresholds []int

	// SnapshotInterval, when positive, publishes the bar under construction of
	// every engine with Incomplete set at this period.
	SnapshotInterval time.Duration
}

// engineKey identifies one independent bar sequence.
type engineKey struct {
	exchange  model.Exchange
	pair      string
	threshold int
}

func (k engineKey) less(o engineKey) bool {
	if k.exchange != o.exchange {
		return k.exchange < o.exchange
	}
	if k.pair != o.pair {
		return k.pair < o.pair
	}
	return k.threshold < o.threshold
}

// Aggregator consumes trade events from multiple exchange connectors and
// produces completed range bars for every (exchange, pair, threshold).
type Aggregator struct {
	exchanges        []ExchangeConnector
	thresholds       []int
	snapshotInterval time.Duration

	// engines is touched only by the processing goroutine.
	engines map[engineKey]*rangebar.Engine

	accepted atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

// NewAggregator creates an aggregator. Every threshold is validated up front
// so that engine creation cannot fail once trades are flowing.
func NewAggregator(exchanges []ExchangeConnector, cfg Config) (*Aggregator, error) {
	if len(cfg.Thresholds) == 0 {
		return nil, errors.New("at least one threshold is required")
	}
	for _, units := range cfg.Thresholds {
		if _, err := rangebar.NewThreshold(units); err != nil {
			return nil, err
		}
	}
	if cfg.SnapshotInterval < 0 {
		return nil, fmt.Errorf("snapshot interval must not be negative, got %s", cfg.SnapshotInterval)
	}

	return &Aggregator{
		exchanges:        exchanges,
		thresholds:       append([]int(nil), cfg.Thresholds...),
		snapshotInterval: cfg.SnapshotInterval,
		engines:          make(map[engineKey]*rangebar.Engine),
	}, nil
}

// StartBarStream subscribes every connector to pairs and returns the bar channel.
//
// Any subscription failure cancels the subscriptions already made. The
// returned channel is closed when ctx is cancelled or every feed has ended.
func (agg *Aggregator) StartBarStream(ctx context.Context, pairs []string) (<-chan model.BarEvent, error) {
	ctx, cancel := context.WithCancel(ctx)

	tradeChannels := make([]<-chan model.TradeEvent, 0, len(agg.exchanges))
	for _, exchange := range agg.exchanges {
		tradeCh, err := exchange.SubscribeToTrades(ctx, pairs)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe to trades: %w", err)
		}
		tradeChannels = append(tradeChannels, tradeCh)
	}

	fanInCh := agg.fanIn(ctx, tradeChannels)

	return agg.processTrades(ctx, cancel, fanInCh), nil
}

// Stats reports how many trades were folded into engines, dropped for
// arriving out of order, and rejected for any other reason.
func (agg *Aggregator) Stats() (accepted, dropped, rejected int64) {
	return agg.accepted.Load(), agg.dropped.Load(), agg.rejected.Load()
}

// processTrades runs the main loop. It handles three event kinds:
//  1. Context cancellation: shutdown
//  2. Snapshot timer: publish bars under construction
//  3. Trade events: feed every engine of the trade's pair
func (agg *Aggregator) processTrades(ctx context.Context, cancel context.CancelFunc, input <-chan model.TradeEvent) <-chan model.BarEvent {
	output := make(chan model.BarEvent, 1000)

	go func() {
		defer close(output)
		defer cancel()

		var tick <-chan time.Time
		if agg.snapshotInterval > 0 {
			ticker := time.NewTicker(agg.snapshotInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Aggregator stopped")
				return
			case <-tick:
				if !agg.publishSnapshots(ctx, output) {
					return
				}
			case trade, ok := <-input:
				if !ok {
					log.Info().Msg("All trade feeds closed")
					return
				}
				if !agg.handleTrade(ctx, trade, output) {
					return
				}
			}
		}
	}()

	return output
}

// handleTrade offers the trade to the engine of every threshold and emits
// the bars it completes. It returns false once ctx is done.
func (agg *Aggregator) handleTrade(ctx context.Context, ev model.TradeEvent, out chan<- model.BarEvent) bool {
	for _, units := range agg.thresholds {
		key := engineKey{exchange: ev.Exchange, pair: ev.Pair, threshold: units}
		engine, err := agg.engine(key)
		if err != nil {
			log.Error().Err(err).Int("threshold", units).Msg("failed to create engine")
			continue
		}

		bar, completed, err := engine.Accept(ev.Trade)
		switch {
		case errors.Is(err, rangebar.ErrUnsortedInput):
			agg.dropped.Add(1)
			log.Warn().Err(err).
				Str("exchange", ev.Exchange.String()).
				Str("pair", ev.Pair).
				Int("threshold", units).
				Msg("dropping out-of-order trade")
			continue
		case err != nil:
			agg.rejected.Add(1)
			log.Error().Err(err).
				Str("exchange", ev.Exchange.String()).
				Str("pair", ev.Pair).
				Int("threshold", units).
				Msg("trade rejected")
			continue
		}

		agg.accepted.Add(1)
		if !completed {
			continue
		}

		event := model.BarEvent{
			Pair:           ev.Pair,
			Exchange:       ev.Exchange,
			ThresholdUnits: units,
			Bar:            bar,
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// engine returns the engine for key, creating it on first use.
func (agg *Aggregator) engine(key engineKey) (*rangebar.Engine, error) {
	if e, ok := agg.engines[key]; ok {
		return e, nil
	}
	e, err := rangebar.NewEngine(key.threshold)
	if err != nil {
		return nil, err
	}
	agg.engines[key] = e
	return e, nil
}

// publishSnapshots emits the bar under construction of every engine, in key
// order. Engines without an open bar are skipped.
func (agg *Aggregator) publishSnapshots(ctx context.Context, out chan<- model.BarEvent) bool {
	keys := make([]engineKey, 0, len(agg.engines))
	for k := range agg.engines {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	for _, k := range keys {
		bar, ok := agg.engines[k].PeekIncompleteBar()
		if !ok {
			continue
		}
		event := model.BarEvent{
			Pair:           k.pair,
			Exchange:       k.exchange,
			ThresholdUnits: k.threshold,
			Incomplete:     true,
			Bar:            bar,
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// fanIn merges multiple trade event channels into a single output channel.
//
// One goroutine per input; the output is closed once every input is closed
// or ctx is cancelled. Per-input order is preserved.
func (agg *Aggregator) fanIn(ctx context.Context, inputChannels []<-chan model.TradeEvent) <-chan model.TradeEvent {
	dest := make(chan model.TradeEvent, 1000)
	var wg sync.WaitGroup
	wg.Add(len(inputChannels))

	for _, ch := range inputChannels {
		go func(c <-chan model.TradeEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-c:
					if !ok {
						return
					}
					select {
					case dest <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(dest)
	}()

	return dest
}
