package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
)

// MockExchangeConnector is a mock implementation of ExchangeConnector for testing.
type MockExchangeConnector struct {
	mock.Mock

	// tradeChan delivers trade events to the aggregator
	tradeChan chan model.TradeEvent

	// name identifies this exchange for debugging
	name string

	closed bool
	mu     sync.RWMutex
}

// NewMockExchangeConnector creates a new mock exchange connector with specified name.
func NewMockExchangeConnector(name string) *MockExchangeConnector {
	return &MockExchangeConnector{
		tradeChan: make(chan model.TradeEvent, 100),
		name:      name,
	}
}

// SubscribeToTrades implements the ExchangeConnector interface for testing.
func (m *MockExchangeConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	args := m.Called(ctx, pairs)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		m.Close()
	}()

	return m.tradeChan, nil
}

// SendTrades sends trade events in sequence.
func (m *MockExchangeConnector) SendTrades(trades ...model.TradeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, trade := range trades {
		if m.closed {
			return
		}
		select {
		case m.tradeChan <- trade:
		default:
			panic(fmt.Sprintf("mock exchange %s channel full", m.name))
		}
	}
}

// Close closes the trade channel once, ending the feed.
func (m *MockExchangeConnector) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.tradeChan)
		m.closed = true
	}
}

// createTestTrade builds a trade event at base time + seq milliseconds.
func createTestTrade(exchange model.Exchange, pair string, seq int64, price string) model.TradeEvent {
	return model.TradeEvent{
		Pair:     pair,
		Exchange: exchange,
		Trade: model.Trade{
			SequenceID: seq,
			Price:      fixed.MustParse(price),
			Volume:     fixed.MustParse("1"),
			Timestamp:  1_700_000_000_000_000 + seq*1000,
			Side:       model.SideBuy,
		},
	}
}

// collect reads events until the channel closes or the timeout elapses.
func collect(t *testing.T, ch <-chan model.BarEvent, timeout time.Duration) []model.BarEvent {
	t.Helper()
	var out []model.BarEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func Test_NewAggregator(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectError bool
		description string
	}{
		{
			name:        "Single threshold",
			cfg:         Config{Thresholds: []int{250}},
			description: "Should create aggregator with one threshold",
		},
		{
			name:        "Several thresholds with snapshots",
			cfg:         Config{Thresholds: []int{250, 500, 1000}, SnapshotInterval: time.Second},
			description: "Should accept several thresholds",
		},
		{
			name:        "No thresholds",
			cfg:         Config{},
			expectError: true,
			description: "Should require at least one threshold",
		},
		{
			name:        "Threshold out of range",
			cfg:         Config{Thresholds: []int{250, 100_001}},
			expectError: true,
			description: "Should validate every threshold up front",
		},
		{
			name:        "Negative snapshot interval",
			cfg:         Config{Thresholds: []int{250}, SnapshotInterval: -time.Second},
			expectError: true,
			description: "Should reject negative intervals",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := NewAggregator([]ExchangeConnector{NewMockExchangeConnector("binance")}, tt.cfg)
			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.Nil(t, agg)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.cfg.Thresholds, agg.thresholds)
			assert.Empty(t, agg.engines, "Engines are created lazily")
		})
	}
}

func Test_StartBarStream_ExchangeFailure(t *testing.T) {
	exchange1 := NewMockExchangeConnector("binance")
	exchange2 := NewMockExchangeConnector("okx")

	pairs := []string{"BTC-USDT"}
	exchange1.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)
	exchange2.On("SubscribeToTrades", mock.Anything, pairs).Return(fmt.Errorf("connection failed"))

	agg, err := NewAggregator([]ExchangeConnector{exchange1, exchange2}, Config{Thresholds: []int{250}})
	require.NoError(t, err)

	barStream, err := agg.StartBarStream(context.Background(), pairs)

	assert.Error(t, err, "Should return error on exchange failure")
	assert.Nil(t, barStream, "Should not return channel on failure")
	assert.Contains(t, err.Error(), "failed to subscribe to trades")

	exchange1.AssertExpectations(t)
	exchange2.AssertExpectations(t)
}

func Test_CompletedBars(t *testing.T) {
	exchange := NewMockExchangeConnector("binance")
	pairs := []string{"BTC-USDT"}
	exchange.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)

	agg, err := NewAggregator([]ExchangeConnector{exchange}, Config{Thresholds: []int{250}})
	require.NoError(t, err)

	barStream, err := agg.StartBarStream(context.Background(), pairs)
	require.NoError(t, err)

	// 50000 at 0.25% gives bounds 50125 / 49875.
	exchange.SendTrades(
		createTestTrade(model.BinanceExchange, "BTC-USDT", 1, "50000"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 2, "50100"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 3, "50130"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 4, "50000"),
	)
	exchange.Close()

	events := collect(t, barStream, time.Second)
	require.Len(t, events, 1, "only the breached bar is emitted")

	ev := events[0]
	assert.Equal(t, "BTC-USDT", ev.Pair)
	assert.Equal(t, model.BinanceExchange, ev.Exchange)
	assert.Equal(t, 250, ev.ThresholdUnits)
	assert.False(t, ev.Incomplete)
	assert.Equal(t, fixed.MustParse("50000"), ev.Bar.Open)
	assert.Equal(t, fixed.MustParse("50130"), ev.Bar.Close)
	assert.Equal(t, int64(3), ev.Bar.TradeCount)
	assert.True(t, ev.Bar.BreachedUpper())

	accepted, dropped, rejected := agg.Stats()
	assert.Equal(t, int64(4), accepted)
	assert.Zero(t, dropped)
	assert.Zero(t, rejected)
}

func Test_EnginesAreIndependent(t *testing.T) {
	binance := NewMockExchangeConnector("binance")
	okx := NewMockExchangeConnector("okx")
	pairs := []string{"BTC-USDT", "ETH-USDT"}
	binance.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)
	okx.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)

	agg, err := NewAggregator([]ExchangeConnector{binance, okx}, Config{Thresholds: []int{100, 1000}})
	require.NoError(t, err)

	barStream, err := agg.StartBarStream(context.Background(), pairs)
	require.NoError(t, err)

	// A 0.5% move breaches 0.1% but not 1%.
	binance.SendTrades(
		createTestTrade(model.BinanceExchange, "BTC-USDT", 1, "100"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 2, "100.5"),
	)
	// The same sequence ids on another venue and pair do not collide.
	okx.SendTrades(
		createTestTrade(model.OkxExchange, "ETH-USDT", 1, "200"),
		createTestTrade(model.OkxExchange, "ETH-USDT", 2, "199"),
	)
	binance.Close()
	okx.Close()

	events := collect(t, barStream, time.Second)
	require.Len(t, events, 2)

	byKey := map[string]model.BarEvent{}
	for _, ev := range events {
		byKey[ev.Key()] = ev
	}
	require.Contains(t, byKey, "binance:BTC-USDT:100")
	require.Contains(t, byKey, "okx:ETH-USDT:100")
	assert.True(t, byKey["okx:ETH-USDT:100"].Bar.BreachedLower())

	accepted, dropped, _ := agg.Stats()
	assert.Equal(t, int64(8), accepted, "each trade reaches both thresholds")
	assert.Zero(t, dropped)
}

func Test_OutOfOrderTradesAreDropped(t *testing.T) {
	exchange := NewMockExchangeConnector("binance")
	pairs := []string{"BTC-USDT"}
	exchange.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)

	agg, err := NewAggregator([]ExchangeConnector{exchange}, Config{Thresholds: []int{250}})
	require.NoError(t, err)

	barStream, err := agg.StartBarStream(context.Background(), pairs)
	require.NoError(t, err)

	exchange.SendTrades(
		createTestTrade(model.BinanceExchange, "BTC-USDT", 1, "50000"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 5, "50010"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 3, "99999"), // stale, would breach
		createTestTrade(model.BinanceExchange, "BTC-USDT", 5, "50010"), // duplicate
		createTestTrade(model.BinanceExchange, "BTC-USDT", 6, "50200"),
	)
	exchange.Close()

	events := collect(t, barStream, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, fixed.MustParse("50200"), events[0].Bar.Close)
	assert.Equal(t, fixed.MustParse("50200"), events[0].Bar.High, "the dropped trade never touched the bar")
	assert.Equal(t, int64(3), events[0].Bar.TradeCount)

	accepted, dropped, rejected := agg.Stats()
	assert.Equal(t, int64(3), accepted)
	assert.Equal(t, int64(2), dropped)
	assert.Zero(t, rejected)
}

func Test_Snapshots(t *testing.T) {
	exchange := NewMockExchangeConnector("binance")
	pairs := []string{"BTC-USDT"}
	exchange.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)

	agg, err := NewAggregator([]ExchangeConnector{exchange}, Config{
		Thresholds:       []int{250},
		SnapshotInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	barStream, err := agg.StartBarStream(ctx, pairs)
	require.NoError(t, err)

	exchange.SendTrades(
		createTestTrade(model.BinanceExchange, "BTC-USDT", 1, "50000"),
		createTestTrade(model.BinanceExchange, "BTC-USDT", 2, "50050"),
	)

	select {
	case ev := <-barStream:
		assert.True(t, ev.Incomplete)
		assert.Equal(t, fixed.MustParse("50050"), ev.Bar.Close)
		assert.Equal(t, int64(2), ev.Bar.TradeCount)
		assert.NoError(t, ev.Bar.Validate(false))
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}
}

func Test_Context_Cancellation(t *testing.T) {
	exchange := NewMockExchangeConnector("binance")
	pairs := []string{"BTC-USDT"}
	exchange.On("SubscribeToTrades", mock.Anything, pairs).Return(nil)

	agg, err := NewAggregator([]ExchangeConnector{exchange}, Config{Thresholds: []int{250}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	barStream, err := agg.StartBarStream(ctx, pairs)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-barStream:
		assert.False(t, ok, "stream should close after cancellation")
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func Benchmark_HandleTrade(b *testing.B) {
	agg, err := NewAggregator(nil, Config{Thresholds: []int{250, 500, 1000}})
	require.NoError(b, err)

	out := make(chan model.BarEvent, b.N*3+1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		price := fmt.Sprintf("%d", 50000+(i%400)-200)
		agg.handleTrade(ctx, createTestTrade(model.BinanceExchange, "BTC-USDT", int64(i+1), price), out)
	}
}
