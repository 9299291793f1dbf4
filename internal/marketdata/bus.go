package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/pkg/retry"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
)

const (
	reconnectWait          = 3 * time.Second
	maxReconnectAttempts   = 1000
	maxResubscribeAttempts = 15
	healthInterval         = 30 * time.Second
	busBuffer              = 4096
)

// RedisBus is the redis pub/sub transport behind IMarketBus. It tracks the
// subscribed channel set itself so a rebuilt connection can be restored to
// the same topics, and it swaps in an entirely new client when resubscribing
// on the old one keeps failing.
type RedisBus struct {
	opts   *redis.Options
	logger core.ILogger

	mu          sync.Mutex
	client      *redis.Client
	pubsub      *redis.PubSub
	tracked     map[string]struct{}
	onReconnect func()

	messages chan core.BusMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	msgCounter       metric.Int64Counter
	reconnectCounter metric.Int64Counter
}

// NewRedisBus builds the bus and opens the initial pub/sub connection. Call
// Start to begin pumping messages.
func NewRedisBus(addr, password string, db int, logger core.ILogger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("market-bus")
	msgCounter, _ := meter.Int64Counter("paper_trading_bus_messages_total",
		metric.WithDescription("Raw pub/sub deliveries received"))
	reconnectCounter, _ := meter.Int64Counter("paper_trading_bus_reconnects_total",
		metric.WithDescription("Pub/sub connections re-established"))

	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  -1, // pub/sub reads block until a message arrives
		MinIdleConns: 1,
	}

	b := &RedisBus{
		opts:             opts,
		logger:           logger.WithField("component", "market_bus"),
		tracked:          make(map[string]struct{}),
		messages:         make(chan core.BusMessage, busBuffer),
		ctx:              ctx,
		cancel:           cancel,
		msgCounter:       msgCounter,
		reconnectCounter: reconnectCounter,
	}
	b.client = redis.NewClient(opts)
	b.pubsub = b.client.Subscribe(ctx)
	return b
}

var _ core.IMarketBus = (*RedisBus)(nil)

// OnReconnect registers the callback fired after a lost connection has been
// restored and the tracked channel set resubscribed.
func (b *RedisBus) OnReconnect(fn func()) {
	b.mu.Lock()
	b.onReconnect = fn
	b.mu.Unlock()
}

// Messages returns the delivery channel. It is closed when the bus shuts
// down for good.
func (b *RedisBus) Messages() <-chan core.BusMessage {
	return b.messages
}

// Subscribe adds channels to the tracked set and to the live connection.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	b.mu.Lock()
	for _, ch := range channels {
		b.tracked[ch] = struct{}{}
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	if err := pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return nil
}

// Unsubscribe removes channels from the tracked set and the live connection.
func (b *RedisBus) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	b.mu.Lock()
	for _, ch := range channels {
		delete(b.tracked, ch)
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	if err := pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", channels, err)
	}
	return nil
}

// Tracked returns a snapshot of the subscribed channel names.
func (b *RedisBus) Tracked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tracked))
	for ch := range b.tracked {
		out = append(out, ch)
	}
	return out
}

// Start launches the pump and health-check loops.
func (b *RedisBus) Start() {
	b.wg.Add(1)
	go b.runLoop()
}

// Close tears the bus down and waits briefly for the loops to exit.
func (b *RedisBus) Close() error {
	b.cancel()

	b.mu.Lock()
	pubsub := b.pubsub
	client := b.client
	b.mu.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("bus close: pump did not exit within timeout")
	}

	close(b.messages)
	return client.Close()
}

func (b *RedisBus) runLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		pubsub := b.pubsub
		b.mu.Unlock()

		healthCtx, healthCancel := context.WithCancel(b.ctx)
		b.wg.Add(1)
		go b.healthLoop(healthCtx, pubsub)

		b.pump(pubsub)
		healthCancel()

		select {
		case <-b.ctx.Done():
			return
		default:
		}

		// The connection is gone; rebuild it and restore the topics.
		if err := b.reestablish(); err != nil {
			b.logger.Error("bus reconnect budget exhausted", "error", err.Error())
			return
		}
	}
}

// pump drains one pub/sub connection into the shared delivery channel. It
// returns when the connection's channel closes.
func (b *RedisBus) pump(pubsub *redis.PubSub) {
	ch := pubsub.Channel(redis.WithChannelSize(busBuffer))
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.msgCounter.Add(b.ctx, 1)
			select {
			case b.messages <- core.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// healthLoop pings the pub/sub connection; on failure it closes it, which
// unblocks pump and triggers reestablish.
func (b *RedisBus) healthLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer b.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := pubsub.Ping(pingCtx)
			cancel()
			if err != nil {
				b.logger.Warn("bus ping failed, recycling connection", "error", err.Error())
				pubsub.Close()
				return
			}
		}
	}
}

// reestablish rebuilds the pub/sub connection and resubscribes the tracked
// set. Attempts run reconnectWait apart; after maxResubscribeAttempts
// consecutive failures the client itself is assumed poisoned and replaced.
func (b *RedisBus) reestablish() error {
	failures := 0
	policy := retry.FixedPolicy(maxReconnectAttempts, reconnectWait)

	err := retry.Do(b.ctx, policy, func(error) bool { return true }, func() error {
		if failures > 0 && failures%maxResubscribeAttempts == 0 {
			b.logger.Warn("bus resubscribe keeps failing, replacing client", "failures", failures)
			b.replaceClient()
		}

		b.mu.Lock()
		client := b.client
		channels := make([]string, 0, len(b.tracked))
		for ch := range b.tracked {
			channels = append(channels, ch)
		}
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		defer cancel()

		pubsub := client.Subscribe(ctx)
		if len(channels) > 0 {
			if err := pubsub.Subscribe(ctx, channels...); err != nil {
				pubsub.Close()
				failures++
				return fmt.Errorf("resubscribe %d channels: %w", len(channels), err)
			}
		}
		if err := pubsub.Ping(ctx); err != nil {
			pubsub.Close()
			failures++
			return fmt.Errorf("ping after resubscribe: %w", err)
		}

		b.mu.Lock()
		b.pubsub = pubsub
		cb := b.onReconnect
		b.mu.Unlock()

		b.reconnectCounter.Add(b.ctx, 1)
		b.logger.Info("bus reconnected", "channels", len(channels), "failures", failures)
		if cb != nil {
			cb()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reestablish: %w", err)
	}
	return nil
}

func (b *RedisBus) replaceClient() {
	b.mu.Lock()
	old := b.client
	b.client = redis.NewClient(b.opts)
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Client exposes the underlying redis client for components that share the
// connection (the allPrice hash reader).
func (b *RedisBus) Client() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}
