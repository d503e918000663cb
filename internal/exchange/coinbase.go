package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
	"rangebar/internal/timestamp"
	"rangebar/internal/utils"
	"rangebar/internal/websocket"
)

var (
	// defaultCoinbaseConfig provides sensible default configuration values for Coinbase connections.
	defaultCoinbaseConfig = ExchangeConfig{
		BaseURL:    "wss://ws-feed.exchange.coinbase.com",
		MaxSymbols: 10,
	}
)

// CoinbaseConnector streams executed trades from the Coinbase "matches" channel.
type CoinbaseConnector struct {
	config   ExchangeConfig      // Configuration parameters for the connector
	validate *validator.Validate // Validator instance for message validation
}

// coinbaseEnvelope is decoded first to route frames by type.
type coinbaseEnvelope struct {
	Type string `json:"type"`
}

// coinbaseMatch represents a trade execution message.
//
// Side is the maker order's side, so the aggressor is the opposite side.
//
// Example Coinbase match message:
//
//	{
//		"type": "match",
//		"trade_id": 12345,
//		"side": "buy",
//		"size": "0.00100000",
//		"price": "50000.00",
//		"product_id": "BTC-USD",
//		"sequence": 987654321,
//		"time": "2023-01-01T12:00:00.123456Z"
//	}
type coinbaseMatch struct {
	Type      string `json:"type" validate:"required,oneof=match last_match"`
	TradeID   int64  `json:"trade_id" validate:"gt=0"`
	Side      string `json:"side" validate:"required,oneof=buy sell"`
	Price     string `json:"price" validate:"required,numeric"`
	Size      string `json:"size" validate:"required,numeric"`
	ProductID string `json:"product_id" validate:"required"`
	Time      string `json:"time" validate:"required"`
}

// NewCoinbaseConnector creates a new Coinbase connector. A nil cfg selects the defaults.
func NewCoinbaseConnector(cfg *ExchangeConfig) (*CoinbaseConnector, error) {
	config, err := withDefaults(cfg, defaultCoinbaseConfig)
	if err != nil {
		return nil, err
	}

	return &CoinbaseConnector{
		config:   config,
		validate: validator.New(),
	}, nil
}

// SubscribeToTrades subscribes to the matches channel for pairs and returns the trade channel.
func (cc *CoinbaseConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, cc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msg, err := cc.buildSubscriptionMessage(pairs)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal")
		return nil, err
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             cc.config.BaseURL,
		Decoder:              cc.decodeTradeMessage,
		SubscriptionMessages: [][]byte{msg},
		Reconnect:            cc.config.Reconnect,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create coinbase WebSocket client")
		return nil, err
	}

	return client.TradeChan, nil
}

// buildSubscriptionMessage builds
//
//	{"type":"subscribe","product_ids":["BTC-USD"],"channels":["matches"]}
func (cc *CoinbaseConnector) buildSubscriptionMessage(pairs []string) ([]byte, error) {
	subMsg := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": pairs,
		"channels":    []string{"matches"},
	}
	return json.Marshal(subMsg)
}

// decodeTradeMessage converts a match frame into a trade event. Other frame
// types (subscriptions, heartbeats) decode to nothing.
func (cc *CoinbaseConnector) decodeTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	var env coinbaseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coinbase message: %w", err)
	}
	switch env.Type {
	case "match", "last_match":
	case "error":
		return nil, fmt.Errorf("coinbase error message: %s", raw)
	default:
		return nil, nil
	}

	var m coinbaseMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal match message: %w", err)
	}

	if err := cc.validate.Struct(&m); err != nil {
		log.Warn().Err(err).Interface("msg", m).Msg("validation failed for match message")
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q: %v", ErrInvalidTrade, m.Time, err)
	}
	ts, err := timestamp.FromUnit(timestamp.FromTime(t), timestamp.Microseconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}

	price, volume, err := parsePriceVolume(m.Price, m.Size)
	if err != nil {
		return nil, err
	}

	return []model.TradeEvent{{
		Pair:     utils.NormalizeSymbol(m.ProductID),
		Exchange: model.CoinbaseExchange,
		Trade: model.Trade{
			SequenceID: m.TradeID,
			Price:      price,
			Volume:     volume,
			Timestamp:  ts,
			Side:       oppositeSide(model.ParseSide(m.Side)),
		},
	}}, nil
}
