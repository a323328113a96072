package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// newRedisContainer starts a throwaway Redis server and returns its URL.
//
// Precondition: Docker must be available; the test is skipped otherwise.
func newRedisContainer(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%d/0", host, port.Int())
}

func TestRedisPublishSubscribeAcrossInstances(t *testing.T) {
	url := newRedisContainer(t)
	ctx := context.Background()

	a, err := NewRedis(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	b, err := NewRedis(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	var c collector
	sub, err := b.Subscribe(ctx, "color-guessr:ABCD:out", c.add)
	require.NoError(t, err)
	defer sub.Close()

	want := []string{"one", "two", "three"}
	for _, m := range want {
		require.NoError(t, a.Publish(ctx, "color-guessr:ABCD:out", []byte(m)))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, c.snapshot())
}

func TestRedisSubscriptionSurvivesDroppedConnection(t *testing.T) {
	url := newRedisContainer(t)
	ctx := context.Background()

	r, err := NewRedis(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	var c collector
	sub, err := r.Subscribe(ctx, "color-guessr:ABCD:in", c.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Publish(ctx, "color-guessr:ABCD:in", []byte("before")))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)

	conn, err := r.pool.GetContext(ctx)
	require.NoError(t, err)
	_, err = redis.DoContext(conn, ctx, "CLIENT", "KILL", "TYPE", "pubsub")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// publishes made while the subscriber is reconnecting are lost, so keep
	// publishing until one arrives
	require.Eventually(t, func() bool {
		_ = r.Publish(ctx, "color-guessr:ABCD:in", []byte("after"))
		got := c.snapshot()
		return len(got) > 1 && got[len(got)-1] == "after"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestRedisLease(t *testing.T) {
	url := newRedisContainer(t)
	ctx := context.Background()

	r, err := NewRedis(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	ok, err := r.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "k", "b"))
	ok, err = r.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "release by a non-holder must not drop the lease")

	require.NoError(t, r.Release(ctx, "k", "a"))
	ok, err = r.Claim(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, "short", "a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		ok, err := r.Claim(ctx, "short", "b", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}
