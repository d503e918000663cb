package rangebar

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
)

// createTestTrade creates a trade for testing purposes.
func createTestTrade(id int64, price, qty string, ts int64, side model.Side) model.Trade {
	return model.Trade{
		SequenceID: id,
		Price:      fixed.MustParse(price),
		Volume:     fixed.MustParse(qty),
		Timestamp:  ts,
		Side:       side,
	}
}

// randomWalk produces n ordered trades around 50000 with a deterministic seed.
func randomWalk(seed int64, n int) []model.Trade {
	rng := rand.New(rand.NewSource(seed))
	price := fixed.MustParse("50000")
	ts := int64(1_700_000_000_000_000)

	trades := make([]model.Trade, 0, n)
	for i := 0; i < n; i++ {
		step := fixed.FromUnits(int64(rng.Intn(4001)-2000) * 1_000_000) // ±20.00
		price = price.Add(step)
		if rng.Intn(4) != 0 {
			ts += int64(rng.Intn(5000))
		}
		side := model.Side(rng.Intn(3))
		trades = append(trades, model.Trade{
			SequenceID: int64(i + 1),
			Price:      price,
			Volume:     fixed.FromUnits(int64(rng.Intn(1_000_000_000) + 1)),
			Timestamp:  ts,
			Side:       side,
		})
	}
	return trades
}

func Test_NewThreshold(t *testing.T) {
	tests := []struct {
		name        string
		units       int
		expectError bool
		description string
	}{
		{name: "Zero", units: 0, expectError: true, description: "Zero is below the valid range"},
		{name: "Negative", units: -5, expectError: true, description: "Negative thresholds are rejected"},
		{name: "Above maximum", units: 100_001, expectError: true, description: "More than 100% is rejected"},
		{name: "Minimum", units: 1, description: "0.1bp is the smallest valid threshold"},
		{name: "Maximum", units: 100_000, description: "100% is the largest valid threshold"},
		{name: "Typical", units: 250, description: "25bp is valid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, err := NewThreshold(tt.units)
			engine, engineErr := NewEngine(tt.units)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidThreshold, tt.description)
				assert.ErrorIs(t, engineErr, ErrInvalidThreshold, tt.description)
				assert.Nil(t, engine)

				var ite *InvalidThresholdError
				require.True(t, errors.As(err, &ite))
				assert.Equal(t, tt.units, ite.Value)
				return
			}
			require.NoError(t, err, tt.description)
			require.NoError(t, engineErr, tt.description)
			assert.Equal(t, tt.units, th.Units())
			assert.Equal(t, tt.units, engine.Threshold().Units())
		})
	}
}

func Test_Threshold_Bounds(t *testing.T) {
	tests := []struct {
		name        string
		units       int
		open        string
		upper       string
		lower       string
		expectErr   error
		description string
	}{
		{
			name: "25bp of 50000", units: 250, open: "50000",
			upper: "50125", lower: "49875",
			description: "Reference example from the bar definition",
		},
		{
			name: "0.1bp of 50000", units: 1, open: "50000",
			upper: "50000.5", lower: "49999.5",
			description: "Smallest threshold on a large price",
		},
		{
			name: "100% of 1", units: 100_000, open: "1",
			upper: "2", lower: "0",
			description: "Largest threshold reaches zero on the lower side",
		},
		{
			name: "Truncated distance", units: 3, open: "0.00033334",
			upper: "0.00033335", lower: "0.00033333",
			description: "Distance truncates toward zero",
		},
		{
			name: "Distance underflow", units: 1, open: "0.00001",
			expectErr:   ErrNumericSaturation,
			description: "A zero distance cannot separate the thresholds",
		},
		{
			name: "Upper overflow", units: 100_000, open: "92233720368",
			expectErr:   ErrNumericSaturation,
			description: "Upper threshold beyond int64 saturates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, err := NewThreshold(tt.units)
			require.NoError(t, err)

			upper, lower, err := th.Bounds(fixed.MustParse(tt.open))
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr, tt.description)
				assert.ErrorIs(t, err, fixed.ErrSaturation, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, fixed.MustParse(tt.upper), upper, tt.description)
			assert.Equal(t, fixed.MustParse(tt.lower), lower, tt.description)
		})
	}
}

func Test_Engine_EndToEnd(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	_, closed, err := engine.Accept(createTestTrade(1, "50000", "1", 1000, model.SideBuy))
	require.NoError(t, err)
	assert.False(t, closed, "Opening trade never emits")

	_, closed, err = engine.Accept(createTestTrade(2, "50124.99999999", "2", 2000, model.SideSell))
	require.NoError(t, err)
	assert.False(t, closed, "Just below the upper threshold does not breach")

	bar, closed, err := engine.Accept(createTestTrade(3, "50130", "0.5", 3000, model.SideBuy))
	require.NoError(t, err)
	require.True(t, closed)

	assert.Equal(t, fixed.MustParse("50000"), bar.Open)
	assert.Equal(t, fixed.MustParse("50130"), bar.High)
	assert.Equal(t, fixed.MustParse("50000"), bar.Low)
	assert.Equal(t, fixed.MustParse("50130"), bar.Close)
	assert.Equal(t, "50130.00000000", bar.Close.String())
	assert.Equal(t, fixed.MustParse("3.5"), bar.Volume)
	assert.Equal(t, fixed.MustParse("50125"), bar.UpperThreshold)
	assert.Equal(t, fixed.MustParse("49875"), bar.LowerThreshold)
	assert.Equal(t, int64(1000), bar.OpenTime)
	assert.Equal(t, int64(3000), bar.CloseTime)
	assert.Equal(t, int64(3), bar.TradeCount)
	assert.Equal(t, int64(1), bar.FirstTradeID)
	assert.Equal(t, int64(3), bar.LastTradeID)
	assert.NoError(t, bar.Validate(true))

	assert.False(t, engine.HasOpenBar(), "Breach returns the engine to no open bar")

	_, closed, err = engine.Accept(createTestTrade(4, "50131", "1", 4000, model.SideNone))
	require.NoError(t, err)
	assert.False(t, closed)
	next, ok := engine.PeekIncompleteBar()
	require.True(t, ok)
	assert.Equal(t, fixed.MustParse("50131"), next.Open, "The trade after a breach opens the next bar")
}

func Test_Engine_Microstructure(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	trades := []model.Trade{
		createTestTrade(10, "100", "2", 1, model.SideBuy),
		createTestTrade(11, "100.1", "1", 2, model.SideSell),
		createTestTrade(12, "100.2", "3", 3, model.SideNone),
		createTestTrade(13, "100.25", "4", 4, model.SideBuy),
	}

	bars, err := engine.ProcessTrades(trades)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	bar := bars[0]

	expectedTurnover := decimal.RequireFromString("200").
		Add(decimal.RequireFromString("100.1")).
		Add(decimal.RequireFromString("300.6")).
		Add(decimal.RequireFromString("401"))
	assert.True(t, expectedTurnover.Equal(bar.Turnover), "turnover %s", bar.Turnover)
	assert.True(t, decimal.RequireFromString("601").Equal(bar.BuyTurnover))
	assert.True(t, decimal.RequireFromString("100.1").Equal(bar.SellTurnover))

	assert.Equal(t, fixed.MustParse("6"), bar.BuyVolume)
	assert.Equal(t, fixed.MustParse("1"), bar.SellVolume)
	assert.Equal(t, int64(2), bar.BuyTradeCount)
	assert.Equal(t, int64(1), bar.SellTradeCount)
	assert.Equal(t, int64(4), bar.TradeCount, "Trades without side still count toward the total")
	assert.Equal(t, fixed.MustParse("10"), bar.Volume)

	// 1001.7 / 10
	assert.Equal(t, fixed.MustParse("100.17"), bar.VWAP)
}

func Test_Engine_QuoteTicksWithoutVolume(t *testing.T) {
	engine, err := NewEngine(1000)
	require.NoError(t, err)

	bars, err := engine.ProcessTrades([]model.Trade{
		createTestTrade(1, "1.10000", "0", 1, model.SideNone),
		createTestTrade(2, "1.10500", "0", 2, model.SideNone),
		createTestTrade(3, "1.11100", "0", 3, model.SideNone),
	})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Volume.IsZero())
	assert.True(t, bars[0].VWAP.IsZero(), "VWAP is zero when no volume traded")
	assert.True(t, bars[0].Turnover.IsZero())
}

func Test_Engine_NonLookahead(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	trades := []model.Trade{
		createTestTrade(1, "50000", "1", 1, model.SideNone),
		createTestTrade(2, "50120", "1", 2, model.SideNone), // new high, thresholds stay
		createTestTrade(3, "49900", "1", 3, model.SideNone),
		createTestTrade(4, "49876", "1", 4, model.SideNone),
		createTestTrade(5, "49875", "1", 5, model.SideNone),
	}

	for i, tr := range trades[:4] {
		_, closed, err := engine.Accept(tr)
		require.NoError(t, err)
		require.False(t, closed, "trade %d must not close the bar", i)

		snap, ok := engine.PeekIncompleteBar()
		require.True(t, ok)
		assert.Equal(t, fixed.MustParse("50125"), snap.UpperThreshold)
		assert.Equal(t, fixed.MustParse("49875"), snap.LowerThreshold)
	}

	bar, closed, err := engine.Accept(trades[4])
	require.NoError(t, err)
	require.True(t, closed)
	assert.Equal(t, fixed.MustParse("49875"), bar.Close)
	assert.Equal(t, bar.Low, bar.Close)
	assert.Equal(t, fixed.MustParse("50120"), bar.High)
	assert.Equal(t, fixed.MustParse("50125"), bar.UpperThreshold)
}

func Test_Engine_Ordering(t *testing.T) {
	tests := []struct {
		name        string
		trades      []model.Trade
		expectIndex int
		expectError bool
		description string
	}{
		{
			name: "Timestamp goes backwards",
			trades: []model.Trade{
				createTestTrade(1, "100", "1", 100, model.SideNone),
				createTestTrade(2, "100", "1", 50, model.SideNone),
			},
			expectError: true,
			expectIndex: 1,
			description: "Earlier timestamp after a later one is rejected",
		},
		{
			name: "Equal timestamp increasing id",
			trades: []model.Trade{
				createTestTrade(1, "100", "1", 100, model.SideNone),
				createTestTrade(2, "100", "1", 100, model.SideNone),
			},
			description: "Sequence id breaks ties within a timestamp",
		},
		{
			name: "Duplicate key",
			trades: []model.Trade{
				createTestTrade(1, "100", "1", 100, model.SideNone),
				createTestTrade(2, "100", "1", 101, model.SideNone),
				createTestTrade(2, "100", "1", 101, model.SideNone),
			},
			expectError: true,
			expectIndex: 2,
			description: "A replayed trade is not strictly greater",
		},
		{
			name: "Equal timestamp decreasing id",
			trades: []model.Trade{
				createTestTrade(5, "100", "1", 100, model.SideNone),
				createTestTrade(4, "100", "1", 100, model.SideNone),
			},
			expectError: true,
			expectIndex: 1,
			description: "Sequence id must increase within a timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMonotonic(tt.trades)

			batch, _ := NewEngine(250)
			_, batchErr := batch.ProcessTrades(tt.trades)

			stream, _ := NewEngine(250)
			var streamErr error
			for _, tr := range tt.trades {
				if _, _, streamErr = stream.Accept(tr); streamErr != nil {
					break
				}
			}

			if !tt.expectError {
				assert.NoError(t, err, tt.description)
				assert.NoError(t, batchErr, tt.description)
				assert.NoError(t, streamErr, tt.description)
				return
			}

			for _, got := range []error{err, batchErr, streamErr} {
				var ue *UnsortedInputError
				require.True(t, errors.As(got, &ue), tt.description)
				assert.ErrorIs(t, got, ErrUnsortedInput)
				assert.Equal(t, tt.expectIndex, ue.Index, tt.description)
				assert.Equal(t, tt.trades[tt.expectIndex].Key(), ue.Curr)
				assert.Equal(t, tt.trades[tt.expectIndex-1].Key(), ue.Prev)
			}
			assert.False(t, batch.HasOpenBar(), "Eager validation fails before any trade is folded")
		})
	}
}

func Test_Engine_RejectedTradeLeavesStateIntact(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	_, _, err = engine.Accept(createTestTrade(1, "100", "1", 100, model.SideBuy))
	require.NoError(t, err)
	before, _ := engine.PeekIncompleteBar()

	_, _, err = engine.Accept(createTestTrade(2, "99", "1", 99, model.SideBuy))
	require.ErrorIs(t, err, ErrUnsortedInput)

	after, ok := engine.PeekIncompleteBar()
	require.True(t, ok)
	assert.Equal(t, before, after)

	key, ok := engine.LastKey()
	require.True(t, ok)
	assert.Equal(t, model.OrderKey{Timestamp: 100, SequenceID: 1}, key)

	_, _, err = engine.Accept(createTestTrade(3, "100.1", "1", 101, model.SideBuy))
	assert.NoError(t, err, "The engine keeps working after a rejected trade")
}

func Test_Engine_SaturationLeavesStateIntact(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	huge := model.Trade{SequenceID: 1, Price: fixed.MustParse("100"), Volume: fixed.FromUnits(math.MaxInt64 - 10), Timestamp: 1}
	_, _, err = engine.Accept(huge)
	require.NoError(t, err)
	before, _ := engine.PeekIncompleteBar()

	_, _, err = engine.Accept(createTestTrade(2, "100", "1", 2, model.SideNone))
	require.ErrorIs(t, err, ErrNumericSaturation)

	after, _ := engine.PeekIncompleteBar()
	assert.Equal(t, before, after)
	key, _ := engine.LastKey()
	assert.Equal(t, int64(1), key.SequenceID, "The failing trade is not recorded as accepted")

	_, _, err = engine.Accept(model.Trade{SequenceID: 3, Price: fixed.MustParse("100"), Timestamp: 3})
	assert.NoError(t, err)
}

func Test_Engine_SaturationAtOpen(t *testing.T) {
	engine, err := NewEngine(100_000)
	require.NoError(t, err)

	_, _, err = engine.Accept(model.Trade{SequenceID: 1, Price: fixed.FromUnits(math.MaxInt64), Volume: 1, Timestamp: 1})
	require.ErrorIs(t, err, ErrNumericSaturation)
	assert.False(t, engine.HasOpenBar())
	_, ok := engine.LastKey()
	assert.False(t, ok)
}

func Test_Engine_ZeroDurationBar(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	bars, err := engine.ProcessTrades([]model.Trade{
		createTestTrade(1, "50000", "1", 777, model.SideNone),
		createTestTrade(2, "50200", "1", 777, model.SideNone),
	})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, bars[0].OpenTime, bars[0].CloseTime)
	assert.Equal(t, int64(0), bars[0].DurationMicros())
	assert.NoError(t, bars[0].Validate(true))
}

func Test_Engine_DoubleBreachPanics(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	p := fixed.MustParse("100")
	engine.state = &barState{open: p, high: p, low: p, close: p, upper: p, lower: p, turnover: decimal.Zero, buyTurnover: decimal.Zero, sellTurnover: decimal.Zero}

	assert.Panics(t, func() {
		_, _, _ = engine.Accept(createTestTrade(1, "100", "1", 1, model.SideNone))
	})
}

func Test_Engine_PeekAndReset(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	_, ok := engine.PeekIncompleteBar()
	assert.False(t, ok, "No snapshot before the first trade")

	_, _, err = engine.Accept(createTestTrade(1, "10", "1", 1, model.SideNone))
	require.NoError(t, err)

	first, ok := engine.PeekIncompleteBar()
	require.True(t, ok)
	second, ok := engine.PeekIncompleteBar()
	require.True(t, ok)
	assert.Equal(t, first, second, "Peeking twice yields the same snapshot")
	assert.NoError(t, first.Validate(false))

	engine.Reset()
	assert.False(t, engine.HasOpenBar())
	_, ok = engine.LastKey()
	assert.False(t, ok)

	_, _, err = engine.Accept(createTestTrade(1, "10", "1", 1, model.SideNone))
	assert.NoError(t, err, "Ordering history is cleared by Reset")
}

func Test_Engine_BatchAgainstEngineHistory(t *testing.T) {
	engine, err := NewEngine(250)
	require.NoError(t, err)

	_, _, err = engine.Accept(createTestTrade(1, "100", "1", 200, model.SideNone))
	require.NoError(t, err)

	_, err = engine.ProcessTrades([]model.Trade{createTestTrade(2, "100", "1", 100, model.SideNone)})
	var ue *UnsortedInputError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 0, ue.Index)
	assert.True(t, engine.HasOpenBar(), "A failed batch leaves the engine untouched")

	bars, err := engine.ProcessTrades([]model.Trade{createTestTrade(2, "101", "1", 300, model.SideNone)})
	require.NoError(t, err)
	require.Len(t, bars, 1, "The batch continues the bar opened by streaming")
	assert.Equal(t, int64(2), bars[0].TradeCount)
	assert.False(t, engine.HasOpenBar(), "A successful batch resets the engine")
}

func Test_Engine_Properties(t *testing.T) {
	thresholds := []int{25, 100, 250, 1000}

	for _, seed := range []int64{1, 7, 42} {
		trades := randomWalk(seed, 20_000)

		var inputVolume fixed.Decimal
		for _, tr := range trades {
			inputVolume = inputVolume.Add(tr.Volume)
		}

		counts := make(map[int]int, len(thresholds))
		for _, units := range thresholds {
			batch, err := NewEngine(units)
			require.NoError(t, err)
			bars, err := batch.ProcessTrades(trades)
			require.NoError(t, err)
			counts[units] = len(bars)

			// breach consistency and non-lookahead
			for _, bar := range bars {
				require.NoError(t, bar.Validate(true))
				distance, err := bar.Open.MulDiv(int64(units), 100_000)
				require.NoError(t, err)
				assert.Equal(t, bar.Open.Add(distance), bar.UpperThreshold)
				assert.Equal(t, bar.Open.Sub(distance), bar.LowerThreshold)
				if bar.High.Sub(bar.Open).Cmp(distance) >= 0 {
					assert.Equal(t, bar.High, bar.Close)
				}
				if bar.Open.Sub(bar.Low).Cmp(distance) >= 0 {
					assert.Equal(t, bar.Low, bar.Close)
				}
			}

			// batch and streaming produce identical bars
			stream, err := NewEngine(units)
			require.NoError(t, err)
			var streamed []model.Bar
			for _, tr := range trades {
				bar, closed, err := stream.Accept(tr)
				require.NoError(t, err)
				if closed {
					streamed = append(streamed, bar)
				}
			}
			assert.Equal(t, bars, streamed)

			// exact volume conservation including the trailing bar
			analysis, err := NewEngine(units)
			require.NoError(t, err)
			all, err := analysis.ProcessTradesWithIncomplete(trades)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(all), len(bars))
			assert.LessOrEqual(t, len(all), len(bars)+1)

			var barVolume fixed.Decimal
			var tradeCount int64
			for _, bar := range all {
				barVolume = barVolume.Add(bar.Volume)
				tradeCount += bar.TradeCount
			}
			assert.Equal(t, inputVolume, barVolume)
			assert.Equal(t, int64(len(trades)), tradeCount, "no trade is dropped or shared")
		}

		// wider thresholds never produce more bars
		assert.GreaterOrEqual(t, counts[25], counts[100])
		assert.GreaterOrEqual(t, counts[100], counts[250])
		assert.GreaterOrEqual(t, counts[250], counts[1000])
		assert.Positive(t, counts[1000], "seed %d should close at least one wide bar", seed)
	}
}

func Test_Engine_ThresholdDoubling(t *testing.T) {
	trades := randomWalk(99, 10_000)
	for _, units := range []int{50, 125, 400} {
		narrow, _ := NewEngine(units)
		wide, _ := NewEngine(units * 2)

		narrowBars, err := narrow.ProcessTrades(trades)
		require.NoError(t, err)
		wideBars, err := wide.ProcessTrades(trades)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, len(narrowBars), len(wideBars), "threshold %d vs %d", units, units*2)
	}
}
