package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, string(b))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var c collector
	sub, err := m.Subscribe(ctx, "t", c.add)
	require.NoError(t, err)
	defer sub.Close()

	var want []string
	for i := range 100 {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		require.NoError(t, m.Publish(ctx, "t", []byte(msg)))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.snapshot())
}

func TestMemoryTopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var a, b collector
	_, err := m.Subscribe(ctx, "a", a.add)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "b", b.add)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "a", []byte("x")))

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.snapshot())
}

func TestMemoryClosedSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var c collector
	sub, err := m.Subscribe(ctx, "t", c.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, m.Publish(ctx, "t", []byte("late")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestMemoryPublishAfterClose(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Publish(context.Background(), "t", nil), ErrClosed)
	_, err := m.Subscribe(context.Background(), "t", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	ok, err := m.Claim(ctx, "room", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claim(ctx, "room", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be taken")

	ok, err = m.Claim(ctx, "room", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	now = now.Add(2 * time.Minute)
	ok, err = m.Claim(ctx, "room", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is up for grabs")

	require.NoError(t, m.Release(ctx, "room", "a"))
	ok, err = m.Claim(ctx, "room", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, m.Release(ctx, "room", "b"))
	ok, err = m.Claim(ctx, "room", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
