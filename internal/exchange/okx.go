package exchange

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
	"rangebar/internal/utils"
	"rangebar/internal/websocket"
)

var (
	// defaultOkxConfig provides sensible default configuration values for OKX connections.
	defaultOkxConfig = ExchangeConfig{
		BaseURL:    "wss://ws.okx.com:8443/ws/v5/public",
		MaxSymbols: 10,
	}
)

// OkxConnector streams executed trades from the OKX v5 public "trades" channel.
type OkxConnector struct {
	config   ExchangeConfig
	validate *validator.Validate
}

// subscription is the OKX v5 subscribe request.
type subscription struct {
	Op   string            `json:"op"`
	Args []subscriptionArg `json:"args"`
}

type subscriptionArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// okxEnvelope distinguishes event frames ({"event":"subscribe",...}) from data frames.
type okxEnvelope struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

// okxTradeMessage is a trades channel push. Side is the taker side.
//
// Example:
//
//	{
//		"arg": {"channel": "trades", "instId": "BTC-USDT"},
//		"data": [{
//			"instId": "BTC-USDT", "tradeId": "130639474",
//			"px": "42219.9", "sz": "0.12060306", "side": "buy", "ts": "1630048897897"
//		}]
//	}
type okxTradeMessage struct {
	Arg struct {
		Channel string `json:"channel" validate:"required,eq=trades"`
		InstID  string `json:"instId" validate:"required"`
	} `json:"arg" validate:"required"`

	Data []struct {
		InstID  string `json:"instId" validate:"required"`
		TradeID string `json:"tradeId" validate:"required,numeric"`
		Price   string `json:"px" validate:"required,numeric"`
		Size    string `json:"sz" validate:"required,numeric"`
		Side    string `json:"side" validate:"required,oneof=buy sell"`
		TS      string `json:"ts" validate:"required,numeric"`
	} `json:"data" validate:"required,min=1,dive"`
}

// NewOkxConnector creates a new OKX trades connector. A nil cfg selects the defaults.
func NewOkxConnector(cfg *ExchangeConfig) (*OkxConnector, error) {
	config, err := withDefaults(cfg, defaultOkxConfig)
	if err != nil {
		return nil, err
	}

	return &OkxConnector{
		config:   config,
		validate: validator.New(),
	}, nil
}

// SubscribeToTrades subscribes to the trades channel for pairs and returns the trade channel.
func (oc *OkxConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, oc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msg, err := buildOkxSubscription("trades", pairs)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal subscription message")
		return nil, err
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             oc.config.BaseURL,
		Decoder:              oc.decodeTradeMessage,
		SubscriptionMessages: [][]byte{msg},
		Reconnect:            oc.config.Reconnect,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create OKX WebSocket client")
		return nil, err
	}

	return client.TradeChan, nil
}

// buildOkxSubscription builds {"op":"subscribe","args":[{"channel":...,"instId":...}]}.
func buildOkxSubscription(channel string, pairs []string) ([]byte, error) {
	args := make([]subscriptionArg, 0, len(pairs))
	for _, p := range pairs {
		args = append(args, subscriptionArg{Channel: channel, InstID: p})
	}
	return json.Marshal(subscription{Op: "subscribe", Args: args})
}

// decodeOkxEvent reports whether raw is an event frame and turns error events into errors.
func decodeOkxEvent(raw []byte) (bool, error) {
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("failed to unmarshal OKX message: %w", err)
	}
	switch env.Event {
	case "":
		return false, nil
	case "error":
		return true, fmt.Errorf("okx error %s: %s", env.Code, env.Msg)
	default:
		return true, nil
	}
}

// decodeTradeMessage converts a trades push into trade events, one per data entry.
func (oc *OkxConnector) decodeTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	if isEvent, err := decodeOkxEvent(raw); isEvent || err != nil {
		return nil, err
	}

	var m okxTradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OKX trade message: %w", err)
	}

	if err := oc.validate.Struct(&m); err != nil {
		log.Warn().Err(err).Interface("msg", m).Msg("validation failed for OKX trade message")
		return nil, err
	}

	events := make([]model.TradeEvent, 0, len(m.Data))
	for _, d := range m.Data {
		ts, err := parseMillis(d.TS)
		if err != nil {
			return nil, err
		}
		id, err := parseID(d.TradeID)
		if err != nil {
			return nil, err
		}
		price, volume, err := parsePriceVolume(d.Price, d.Size)
		if err != nil {
			return nil, err
		}

		events = append(events, model.TradeEvent{
			Pair:     utils.NormalizeSymbol(d.InstID),
			Exchange: model.OkxExchange,
			Trade: model.Trade{
				SequenceID: id,
				Price:      price,
				Volume:     volume,
				Timestamp:  ts,
				Side:       model.ParseSide(d.Side),
			},
		})
	}

	return events, nil
}
