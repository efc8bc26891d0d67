package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan int, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d values", i, n)
		}
	}
	return out
}

func TestChannel_PublishOrder(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	defer c.Close()

	sub := c.Subscribe()
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Publish(i))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, collect(t, sub.C(), 5))
}

func TestChannel_Broadcast(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	defer c.Close()

	a := c.Subscribe()
	b := c.Subscribe()
	defer a.Cancel()
	defer b.Cancel()

	require.NoError(t, c.Publish(42))
	assert.Equal(t, []int{42}, collect(t, a.C(), 1))
	assert.Equal(t, []int{42}, collect(t, b.C(), 1))
}

func TestChannel_SubscribeFunc(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	defer c.Close()

	var mu sync.Mutex
	var got []int
	cancel := c.SubscribeFunc(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, c.Publish(1))
	require.NoError(t, c.Publish(2))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[0] == 1 && got[1] == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_CancelStopsDelivery(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	defer c.Close()

	var mu sync.Mutex
	n := 0
	cancel := c.SubscribeFunc(func(int) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	cancel()
	cancel() // idempotent

	require.NoError(t, c.Publish(1))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, n)
}

func TestChannel_OnceMatchesPredicate(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	defer c.Close()

	done, cancel := c.Once(func(v int) bool { return v > 10 })
	defer cancel()

	require.NoError(t, c.Publish(3))
	require.NoError(t, c.Publish(17))
	require.NoError(t, c.Publish(25))

	select {
	case v := <-done:
		assert.Equal(t, 17, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	// Only the first match is delivered.
	select {
	case v, ok := <-done:
		if ok {
			t.Fatalf("unexpected second delivery: %d", v)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_ClosedPublishFails(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	sub := c.Subscribe()

	require.NoError(t, c.Publish(1))
	c.Close()
	c.Close() // idempotent

	assert.ErrorIs(t, c.Publish(2), ErrClosed)

	// The pending value drains, then the subscription channel closes.
	assert.Equal(t, []int{1}, collect(t, sub.C(), 1))
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestChannel_SubscribeAfterClose(t *testing.T) {
	c := NewChannel[int]("test", ModeInProcess)
	c.Close()

	sub := c.Subscribe()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription on closed channel did not terminate")
	}
}
