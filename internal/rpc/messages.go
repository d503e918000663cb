package rpc

import (
	"rangebar/internal/model"
)

// SubscribeRequest selects the bar streams a client receives. Empty
// Exchanges or Thresholds match every exchange or threshold.
type SubscribeRequest struct {
	Pairs             []string `json:"pairs"`
	Exchanges         []string `json:"exchanges,omitempty"`
	Thresholds        []int    `json:"thresholds,omitempty"`
	IncludeIncomplete bool     `json:"include_incomplete,omitempty"`
}

// BarMessage is one streamed bar. Prices and volumes travel as decimal
// strings so no precision is lost on the wire.
type BarMessage struct {
	Exchange       string    `json:"exchange"`
	Pair           string    `json:"pair"`
	ThresholdUnits int       `json:"threshold_units"`
	Incomplete     bool      `json:"incomplete,omitempty"`
	Bar            model.Bar `json:"bar"`
}

// NewBarMessage converts a bar event for the wire.
func NewBarMessage(ev model.BarEvent) *BarMessage {
	return &BarMessage{
		Exchange:       ev.Exchange.String(),
		Pair:           ev.Pair,
		ThresholdUnits: ev.ThresholdUnits,
		Incomplete:     ev.Incomplete,
		Bar:            ev.Bar,
	}
}

// Event converts the message back to a bar event.
func (m *BarMessage) Event() (model.BarEvent, error) {
	exchange, err := model.ParseExchange(m.Exchange)
	if err != nil {
		return model.BarEvent{}, err
	}
	return model.BarEvent{
		Pair:           m.Pair,
		Exchange:       exchange,
		ThresholdUnits: m.ThresholdUnits,
		Incomplete:     m.Incomplete,
		Bar:            m.Bar,
	}, nil
}
