package push

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gainium/paper-trading-sh/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(&noopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// receive pops one message off the client channel or fails the test.
func receive(t *testing.T, c *Client, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-c.SendChan():
		return msg
	case <-time.After(timeout):
		t.Fatalf("client %s: no message within %v", c.id, timeout)
		return Message{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.SendChan():
		t.Fatalf("client %s: unexpected message on topic %s", c.id, msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRoutesMessagesPerUser(t *testing.T) {
	hub := newTestHub(t)

	alice1 := NewClient("c1", "alice")
	alice2 := NewClient("c2", "alice")
	bob := NewClient("c3", "bob")
	hub.Register(alice1)
	hub.Register(alice2)
	hub.Register(bob)
	time.Sleep(10 * time.Millisecond)

	require.Equal(t, 3, hub.ClientCount())
	require.Equal(t, 2, hub.UserClientCount("alice"))
	require.Equal(t, 1, hub.UserClientCount("bob"))

	hub.SendToUser("alice", NewErrorMessage("margin call"))

	for _, c := range []*Client{alice1, alice2} {
		msg := receive(t, c, time.Second)
		assert.Equal(t, TopicOrder, msg.Topic)
		assert.Equal(t, TypeError, msg.Type)
		assert.Equal(t, "margin call", msg.Error)
	}
	assertSilent(t, bob)
}

func TestHubSendToUnknownUserIsNoop(t *testing.T) {
	hub := newTestHub(t)

	c := NewClient("c1", "alice")
	hub.Register(c)
	time.Sleep(10 * time.Millisecond)

	// Must not panic or block.
	hub.SendToUser("nobody", NewErrorMessage("lost"))
	assertSilent(t, c)
}

func TestHubUnregisterRemovesClient(t *testing.T) {
	hub := newTestHub(t)

	c1 := NewClient("c1", "alice")
	c2 := NewClient("c2", "alice")
	hub.Register(c1)
	hub.Register(c2)
	time.Sleep(10 * time.Millisecond)

	hub.Unregister(c1)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, hub.UserClientCount("alice"))
	assert.False(t, c1.Send(NewErrorMessage("late")), "closed client must refuse sends")

	hub.SendToUser("alice", NewErrorMessage("still here"))
	msg := receive(t, c2, time.Second)
	assert.Equal(t, "still here", msg.Error)
}

func TestHubOrderUpdateEnvelope(t *testing.T) {
	hub := newTestHub(t)

	c := NewClient("c1", "alice")
	hub.Register(c)
	time.Sleep(10 * time.Millisecond)

	order := &core.Order{
		ExternalID: "ord-1",
		UserID:     "alice",
		Symbol:     "BTCUSDT",
		Exchange:   core.ExchangeBinance,
		Side:       core.SideBuy,
		Status:     core.OrderStatusFilled,
		Price:      decimal.RequireFromString("50000"),
	}
	hub.OrderUpdate("alice", order)

	msg := receive(t, c, time.Second)
	assert.Equal(t, TopicOrder, msg.Topic)
	assert.Equal(t, TypeUpdate, msg.Type)
	assert.NotZero(t, msg.Time)
	assert.Empty(t, msg.Error)
	require.IsType(t, (*core.Order)(nil), msg.Data)
	assert.Equal(t, "ord-1", msg.Data.(*core.Order).ExternalID)
}

func TestHubAccountInfoEnvelope(t *testing.T) {
	hub := newTestHub(t)

	c := NewClient("c1", "alice")
	hub.Register(c)
	time.Sleep(10 * time.Millisecond)

	balances := []*core.Balance{
		{UserID: "alice", Asset: "USDT", Free: decimal.RequireFromString("1000")},
		{UserID: "alice", Asset: "BTC", Free: decimal.RequireFromString("0.5")},
	}
	hub.AccountInfo("alice", balances)

	msg := receive(t, c, time.Second)
	assert.Equal(t, TopicAccount, msg.Topic)
	assert.Equal(t, TypeInfo, msg.Type)
	assert.Nil(t, msg.Data)
	require.IsType(t, ([]*core.Balance)(nil), msg.Info)
	assert.Len(t, msg.Info.([]*core.Balance), 2)
}

func TestHubSlowClientDropsMessages(t *testing.T) {
	hub := newTestHub(t)

	slow := NewClient("slow", "alice")
	fast := NewClient("fast", "alice")
	hub.Register(slow)
	hub.Register(fast)
	time.Sleep(10 * time.Millisecond)

	// Fill both buffers to capacity, then drain only the fast client.
	for i := 0; i < clientBuffer; i++ {
		hub.SendToUser("alice", NewErrorMessage(fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < clientBuffer; i++ {
		receive(t, fast, time.Second)
	}

	// Slow is now full. Further sends must drop its copy without blocking
	// the hub; fast keeps receiving.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.SendToUser("alice", NewErrorMessage(fmt.Sprintf("late%d", i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub blocked on a slow client")
	}

	assert.False(t, slow.Send(NewErrorMessage("overflow")), "full buffer must refuse sends")
	for i := 0; i < 10; i++ {
		msg := receive(t, fast, time.Second)
		assert.Equal(t, fmt.Sprintf("late%d", i), msg.Error)
	}
	assert.Equal(t, 2, hub.ClientCount(), "dropping messages must not evict clients")
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(&noopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c := NewClient("c1", "alice")
	hub.Register(c)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, hub.ClientCount())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	assert.Equal(t, 0, hub.ClientCount())
	assert.False(t, c.Send(NewErrorMessage("late")), "clients must be closed on shutdown")
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c := NewClient("c1", "alice")
	c.Close()
	assert.NotPanics(t, c.Close)
	assert.False(t, c.Send(NewErrorMessage("x")))
}

func BenchmarkHubSendToUser(b *testing.B) {
	hub := NewHub(&noopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	for i := 0; i < 10; i++ {
		c := NewClient(fmt.Sprintf("c%d", i), "alice")
		hub.Register(c)
		go func() {
			for range c.SendChan() {
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	msg := NewErrorMessage("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.SendToUser("alice", msg)
	}
}
