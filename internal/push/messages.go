// Package push delivers per-user execution reports and balance snapshots
// over WebSocket. Delivery is best-effort: a slow client loses messages, the
// settlement path never blocks on one.
package push

import (
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
)

// Topics a client receives.
const (
	TopicOrder   = "order"
	TopicAccount = "outboundAccountInfo"
)

// Event types. The payload field is named after the type: update carries
// data, info carries info, error carries error.
const (
	TypeUpdate = "update"
	TypeInfo   = "info"
	TypeError  = "error"
)

// Message is one WebSocket frame.
type Message struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Info  interface{} `json:"info,omitempty"`
	Error string      `json:"error,omitempty"`
	Time  int64       `json:"time"`
}

// NewOrderUpdate wraps an execution report.
func NewOrderUpdate(order *core.Order) Message {
	return Message{
		Topic: TopicOrder,
		Type:  TypeUpdate,
		Data:  order,
		Time:  time.Now().UnixMilli(),
	}
}

// NewAccountInfo wraps a balance snapshot.
func NewAccountInfo(balances []*core.Balance) Message {
	return Message{
		Topic: TopicAccount,
		Type:  TypeInfo,
		Info:  balances,
		Time:  time.Now().UnixMilli(),
	}
}

// NewErrorMessage wraps a per-user processing error.
func NewErrorMessage(msg string) Message {
	return Message{
		Topic: TopicOrder,
		Type:  TypeError,
		Error: msg,
		Time:  time.Now().UnixMilli(),
	}
}
