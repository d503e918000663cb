package exchange

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"rangebar/internal/fixed"
	"rangebar/internal/model"
	"rangebar/internal/utils"
	"rangebar/internal/websocket"
)

// OkxQuoteConnector turns the OKX "bbo-tbt" top-of-book channel into
// quote-derived trades: the price is the bid/ask midpoint, the volume is zero
// and the side is absent, since a quote update says nothing about who traded.
type OkxQuoteConnector struct {
	config   ExchangeConfig
	validate *validator.Validate
}

// okxBBOMessage is a bbo-tbt push. Each book level is [price, size, "0", orderCount].
//
// Example:
//
//	{
//		"arg": {"channel": "bbo-tbt", "instId": "BTC-USDT"},
//		"data": [{
//			"asks": [["42220.1", "1.2", "0", "3"]],
//			"bids": [["42219.9", "0.5", "0", "1"]],
//			"ts": "1630048897897", "seqId": 123456
//		}]
//	}
type okxBBOMessage struct {
	Arg struct {
		Channel string `json:"channel" validate:"required,eq=bbo-tbt"`
		InstID  string `json:"instId" validate:"required"`
	} `json:"arg" validate:"required"`

	Data []struct {
		Asks  [][]string `json:"asks" validate:"required,min=1,dive,min=2"`
		Bids  [][]string `json:"bids" validate:"required,min=1,dive,min=2"`
		TS    string     `json:"ts" validate:"required,numeric"`
		SeqID int64      `json:"seqId" validate:"gte=0"`
	} `json:"data" validate:"required,min=1,dive"`
}

// NewOkxQuoteConnector creates a new OKX quote connector. A nil cfg selects the defaults.
func NewOkxQuoteConnector(cfg *ExchangeConfig) (*OkxQuoteConnector, error) {
	config, err := withDefaults(cfg, defaultOkxConfig)
	if err != nil {
		return nil, err
	}

	return &OkxQuoteConnector{
		config:   config,
		validate: validator.New(),
	}, nil
}

// SubscribeToTrades subscribes to bbo-tbt for pairs and returns midpoint ticks.
func (qc *OkxQuoteConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, qc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msg, err := buildOkxSubscription("bbo-tbt", pairs)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal subscription message")
		return nil, err
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             qc.config.BaseURL,
		Decoder:              qc.decodeQuoteMessage,
		SubscriptionMessages: [][]byte{msg},
		Reconnect:            qc.config.Reconnect,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create OKX quote WebSocket client")
		return nil, err
	}

	return client.TradeChan, nil
}

// decodeQuoteMessage converts a bbo-tbt push into midpoint ticks. Crossed or
// locked books are rejected rather than averaged.
func (qc *OkxQuoteConnector) decodeQuoteMessage(raw []byte) ([]model.TradeEvent, error) {
	if isEvent, err := decodeOkxEvent(raw); isEvent || err != nil {
		return nil, err
	}

	var m okxBBOMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OKX bbo message: %w", err)
	}

	if err := qc.validate.Struct(&m); err != nil {
		log.Warn().Err(err).Interface("msg", m).Msg("validation failed for OKX bbo message")
		return nil, err
	}

	events := make([]model.TradeEvent, 0, len(m.Data))
	for _, d := range m.Data {
		ts, err := parseMillis(d.TS)
		if err != nil {
			return nil, err
		}
		mid, err := Midpoint(d.Bids[0][0], d.Asks[0][0])
		if err != nil {
			return nil, err
		}

		events = append(events, model.TradeEvent{
			Pair:     utils.NormalizeSymbol(m.Arg.InstID),
			Exchange: model.OkxExchange,
			Trade: model.Trade{
				SequenceID: d.SeqID,
				Price:      mid,
				Timestamp:  ts,
				Side:       model.SideNone,
			},
		})
	}

	return events, nil
}

// Midpoint parses a best bid and best ask and returns their midpoint. The
// bid must be positive and strictly below the ask.
func Midpoint(bidStr, askStr string) (fixed.Decimal, error) {
	bid, _, err := parsePriceVolume(bidStr, "0")
	if err != nil {
		return 0, fmt.Errorf("bid: %w", err)
	}
	ask, _, err := parsePriceVolume(askStr, "0")
	if err != nil {
		return 0, fmt.Errorf("ask: %w", err)
	}
	if !bid.LessThan(ask) {
		return 0, fmt.Errorf("%w: crossed book bid %s ask %s", ErrInvalidTrade, bid, ask)
	}
	return fixed.Mid(bid, ask), nil
}
