// Package marketdata owns the market-data side of the venue: the redis
// pub/sub transport for top-of-book ticks, lenient payload decoding, and the
// layered latest-price resolver.
package marketdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Gainium/paper-trading-sh/internal/core"

	"github.com/shopspring/decimal"
)

// flexInt64 decodes a JSON number or a quoted number string. Upstream
// publishers are inconsistent about numeric field types.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	// Some publishers emit fractional epoch millis.
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", data, err)
	}
	*f = flexInt64(int64(v))
	return nil
}

// tickerPayload is the wire shape of a trade@<symbol>@<exchange> message.
// decimal.Decimal accepts both quoted and bare numbers.
type tickerPayload struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	BestAsk    decimal.Decimal `json:"bestAsk"`
	BestBid    decimal.Decimal `json:"bestBid"`
	BestAskQnt decimal.Decimal `json:"bestAskQnt"`
	BestBidQnt decimal.Decimal `json:"bestBidQnt"`
	Price      decimal.Decimal `json:"price"`
	Time       flexInt64       `json:"time"`
	EventTime  flexInt64       `json:"eventTime"`
}

// DecodeTicker parses one pub/sub payload. Symbol and exchange fall back to
// the channel name when the payload omits them.
func DecodeTicker(channel string, payload []byte) (*core.Ticker, error) {
	var p tickerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("ticker on %s: %w", channel, err)
	}

	t := &core.Ticker{
		Symbol:     p.Symbol,
		BestAsk:    p.BestAsk,
		BestBid:    p.BestBid,
		BestAskQnt: p.BestAskQnt,
		BestBidQnt: p.BestBidQnt,
		Price:      p.Price,
		Time:       int64(p.Time),
		EventTime:  int64(p.EventTime),
	}

	if p.Exchange != "" {
		ex, err := core.ParseExchange(p.Exchange)
		if err != nil {
			return nil, fmt.Errorf("ticker on %s: %w", channel, err)
		}
		t.Exchange = ex
	}

	if t.Symbol == "" || t.Exchange == "" {
		symbol, exchange, err := core.ParseTradeChannel(channel)
		if err != nil {
			return nil, err
		}
		if t.Symbol == "" {
			t.Symbol = symbol
		}
		if t.Exchange == "" {
			t.Exchange = exchange
		}
	}

	return t, nil
}
