package engine

import (
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/marketdata"
)

// consumeLoop reads bus messages until the engine stops or the bus closes
// its channel.
func (e *Engine) consumeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg, ok := <-e.bus.Messages():
			if !ok {
				e.logger.Warn("Market bus message channel closed")
				return
			}
			e.handleMessage(msg)
		}
	}
}

func (e *Engine) handleMessage(msg core.BusMessage) {
	tick, err := marketdata.DecodeTicker(msg.Channel, msg.Payload)
	if err != nil {
		e.logger.Warn("Discarding undecodable ticker", "channel", msg.Channel, "error", err.Error())
		e.droppedCounter.Add(e.ctx, 1, dropAttrs("unknown", "decode"))
		return
	}
	e.ingest(tick)
}

// ingest applies the intake filters and, when the tick survives, refreshes
// the price board and folds the tick into its exchange batch. Filters run
// in order:
//  1. monotonicity: a tick older than the newest already seen for its
//     exchange is dropped;
//  2. freshness: a tick more than staleAfter behind wall clock is dropped
//     and the cached price for its symbol invalidated;
//  3. dedup: a tick whose signature equals the previous one on the same
//     topic carries no new information and is dropped.
//
// Only consumeLoop calls ingest, so batch scheduling has a single producer.
func (e *Engine) ingest(t *core.Ticker) {
	exchange := t.Exchange
	topic := core.TopicKey(t.Symbol, exchange)
	eventTime := t.EffectiveTime()

	e.mu.Lock()
	if last, ok := e.lastTime[exchange]; ok && eventTime < last {
		e.mu.Unlock()
		e.droppedCounter.Add(e.ctx, 1, dropAttrs(string(exchange), "out_of_order"))
		return
	}
	e.lastTime[exchange] = eventTime

	if age := time.Now().UnixMilli() - eventTime; age > staleAfter.Milliseconds() {
		e.mu.Unlock()
		e.board.Invalidate(t.Symbol, exchange)
		e.logger.Warn("Stale ticker discarded", "topic", topic, "age_ms", age)
		e.droppedCounter.Add(e.ctx, 1, dropAttrs(string(exchange), "stale"))
		return
	}

	sig := t.Signature()
	if e.lastSig[topic] == sig {
		e.mu.Unlock()
		e.droppedCounter.Add(e.ctx, 1, dropAttrs(string(exchange), "duplicate"))
		return
	}
	e.lastSig[topic] = sig

	batch, ok := e.pending[exchange]
	if !ok {
		batch = make(map[string]*core.Ticker)
		e.pending[exchange] = batch
	}
	batch[t.Symbol] = t

	schedule := !e.scheduled[exchange]
	if schedule {
		e.scheduled[exchange] = true
	}
	pool := e.poolFor(exchange)
	e.mu.Unlock()

	if t.Price.IsPositive() {
		e.board.Set(t.Symbol, exchange, t.Price)
	}
	e.processedCounter.Add(e.ctx, 1, tickAttrs(exchange))

	if schedule {
		_ = pool.Submit(func() { e.drainBatch(exchange) })
	}
}

// drainBatch swaps out the exchange's pending batch and settles it. Ticks
// arriving while a batch runs coalesce into a fresh map and get their own
// task, so per exchange there is at most one batch in flight and one queued.
func (e *Engine) drainBatch(exchange core.Exchange) {
	e.mu.Lock()
	batch := e.pending[exchange]
	delete(e.pending, exchange)
	e.scheduled[exchange] = false
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	e.matchBatch(exchange, batch)
}
