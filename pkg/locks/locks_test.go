package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLock_MutualExclusionPerKey(t *testing.T) {
	m := NewManager()

	var inside int
	var maxInside int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(UpdateOrder, "ord-1", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "two holders entered the same named lock")
	assert.Equal(t, 0, m.Len(), "lock table should be empty after release")
}

func TestWithLock_IndependentKeysRunConcurrently(t *testing.T) {
	m := NewManager()

	first := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = m.WithLock(CreateOrder, "a", func() error {
			close(first)
			<-done
			return nil
		})
	}()

	<-first
	// A different key must not block behind "a".
	finished := make(chan struct{})
	go func() {
		_ = m.WithLock(CreateOrder, "b", func() error { return nil })
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind an unrelated holder")
	}
	close(done)
}

func TestWithLock_KindsDoNotCollide(t *testing.T) {
	m := NewManager()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithLock(UpdateOrder, "x", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// Same key under a different kind is a different lock.
	finished := make(chan struct{})
	go func() {
		_ = m.WithLock(Common, "x", func() error { return nil })
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("kinds share a lock entry")
	}
	close(release)
}

func TestWithLock_NestingOuterThenCommon(t *testing.T) {
	m := NewManager()

	// Settlement acquires Common while holding CreateOrder; this must not
	// self-deadlock.
	err := m.WithLock(CreateOrder, "k|s|BTCUSDT|binanceUsdm", func() error {
		return m.WithLock(Common, "user-1|BTCUSDT", func() error {
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestWithLock_PropagatesError(t *testing.T) {
	m := NewManager()
	sentinel := assert.AnError
	err := m.WithLock(UpdateOrder, "o", func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}
