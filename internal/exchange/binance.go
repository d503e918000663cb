package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
	"rangebar/internal/timestamp"
	"rangebar/internal/utils"
	"rangebar/internal/websocket"
)

var (
	// defaultBinanceConfig provides sensible default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		BaseURL:    "wss://stream.binance.com:9443",
		MaxSymbols: 10,
	}
)

// BinanceConnector streams executed trades from Binance's combined trade streams.
type BinanceConnector struct {
	config   ExchangeConfig      // Configuration parameters for the connector
	validate *validator.Validate // Validator instance for message validation
}

// msg represents the outer wrapper structure for Binance combined stream messages.
//
// Example Binance message format:
//
//	{
//		"stream": "btcusdt@trade",
//		"data": {
//			"e": "trade",
//			"s": "BTCUSDT",
//			"t": 12345,
//			"p": "50000.12",
//			"q": "0.001",
//			"T": 1634567890123,
//			"m": true
//		}
//	}
type msg struct {
	Stream string          `json:"stream" validate:"required"` // Stream identifier (e.g., "btcusdt@trade")
	Data   json.RawMessage `json:"data" validate:"required"`   // Raw JSON payload containing trade data
}

// trade represents the inner trade payload.
//
// BuyerIsMaker reports the passive side: when the buyer is the maker the
// aggressor sold.
type trade struct {
	Symbol       string `json:"s" validate:"required"`         // Trading pair symbol (e.g., "BTCUSDT")
	TradeID      int64  `json:"t" validate:"gte=0"`            // Venue trade id, strictly increasing per symbol
	Price        string `json:"p" validate:"required,numeric"` // Trade execution price as string
	Quantity     string `json:"q" validate:"required,numeric"` // Trade quantity as string
	Time         int64  `json:"T" validate:"required,gt=0"`    // Trade time in Unix milliseconds
	BuyerIsMaker bool   `json:"m"`                             // True when the buyer was the resting order
}

// NewBinanceConnector creates a new Binance connector. A nil cfg selects the defaults.
func NewBinanceConnector(cfg *ExchangeConfig) (*BinanceConnector, error) {
	config, err := withDefaults(cfg, defaultBinanceConfig)
	if err != nil {
		return nil, err
	}

	return &BinanceConnector{
		config:   config,
		validate: validator.New(),
	}, nil
}

// SubscribeToTrades connects to the combined stream for pairs and returns the trade channel.
func (bc *BinanceConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, bc.config.MaxSymbols); err != nil {
		return nil, err
	}

	streamURL, err := bc.buildStreamUrl(pairs)
	if err != nil {
		return nil, err
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:  streamURL,
		Decoder:   bc.decodeTradeMessage,
		Reconnect: bc.config.Reconnect,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create Binance WebSocket client")
		return nil, err
	}

	return client.TradeChan, nil
}

// buildStreamUrl constructs the WebSocket URL for subscribing to multiple trade streams:
// wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade
func (bc *BinanceConnector) buildStreamUrl(pairs []string) (string, error) {
	streams := make([]string, 0, len(pairs))

	for _, s := range pairs {
		if err := utils.ValidateSymbol(s); err != nil {
			return "", err
		}
		streams = append(streams, fmt.Sprintf("%s@trade",
			strings.ToLower(strings.ReplaceAll(s, "-", ""))))
	}

	return fmt.Sprintf("%s/stream?streams=%s",
		bc.config.BaseURL, strings.Join(streams, "/")), nil
}

// decodeTradeMessage converts one combined stream frame into a trade event.
func (bc *BinanceConnector) decodeTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	var m msg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid outer JSON: %w", err)
	}
	if m.Stream == "" {
		// subscription acknowledgements carry no stream
		return nil, nil
	}

	var t trade
	if err := json.Unmarshal(m.Data, &t); err != nil {
		return nil, fmt.Errorf("invalid trade payload JSON: %w", err)
	}

	if err := bc.validate.Struct(&t); err != nil {
		log.Warn().Err(err).Interface("trade", t).Msg("trade validation failed")
		return nil, err
	}

	price, volume, err := parsePriceVolume(t.Price, t.Quantity)
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.FromUnit(t.Time, timestamp.Milliseconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}

	side := model.SideBuy
	if t.BuyerIsMaker {
		side = model.SideSell
	}

	return []model.TradeEvent{{
		Pair:     utils.NormalizeSymbol(t.Symbol),
		Exchange: model.BinanceExchange,
		Trade: model.Trade{
			SequenceID: t.TradeID,
			Price:      price,
			Volume:     volume,
			Timestamp:  ts,
			Side:       side,
		},
	}}, nil
}
