package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rangebar/internal/batch"
)

func TestPairFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "Binance dump", path: "data/BTCUSDT-aggTrades-2024-01.csv", expected: "BTCUSDT"},
		{name: "Underscore", path: "ethusdt_trades.csv", expected: "ethusdt"},
		{name: "Bare name", path: "/tmp/SOLUSDT.csv", expected: "SOLUSDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, pairFromFilename(tt.path))
		})
	}
}

func TestBuildJobs(t *testing.T) {
	jobs, err := buildJobs([]string{"data/BTCUSDT-aggTrades-2024-01.csv", "eth-usdt=eth.csv"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "BTC-USDT", jobs[0].Pair)
	assert.Equal(t, batch.FormatAggTrades, jobs[0].Format)
	assert.Equal(t, []int{250}, jobs[0].Thresholds)
	assert.Equal(t, "ETH-USDT", jobs[1].Pair)
	assert.Equal(t, "eth.csv", jobs[1].Path)

	_, err = buildJobs(nil)
	assert.Error(t, err, "at least one input is required")

	_, err = buildJobs([]string{"nonsense.csv"})
	assert.Error(t, err, "the pair must be recognisable")
}
