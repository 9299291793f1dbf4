package core

import (
	"fmt"
	"strings"
)

// Pub/sub channel layout shared with the market-data aggregator.
const (
	// TradeChannelPrefix prefixes every top-of-book channel.
	TradeChannelPrefix = "trade"
	// AllPriceHashKey is the shared hash of per-exchange latest-price
	// snapshots. Field = exchange, value = JSON envelope of all prices.
	AllPriceHashKey = "allPrice"
)

// TradeChannel builds the pub/sub channel name for a symbol on an exchange:
// trade@<symbol>@<exchange>.
func TradeChannel(symbol string, exchange Exchange) string {
	return TradeChannelPrefix + "@" + symbol + "@" + string(exchange)
}

// TradeChannelForTopic rebuilds the channel name from a watch-set topic
// (symbol@exchange, see TopicKey).
func TradeChannelForTopic(topic string) string {
	return TradeChannelPrefix + "@" + topic
}

// ParseTradeChannel splits a channel name back into symbol and exchange.
func ParseTradeChannel(channel string) (symbol string, exchange Exchange, err error) {
	parts := strings.Split(channel, "@")
	if len(parts) != 3 || parts[0] != TradeChannelPrefix {
		return "", "", fmt.Errorf("malformed trade channel %q", channel)
	}
	exchange, err = ParseExchange(parts[2])
	if err != nil {
		return "", "", fmt.Errorf("trade channel %q: %w", channel, err)
	}
	return parts[1], exchange, nil
}
