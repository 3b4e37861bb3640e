package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*RedisCoordinator, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCoordinator(client, RedisCoordinatorConfig{TTL: 200 * time.Millisecond})
	return c, mr
}

func TestNullCoordinatorAlwaysReportsOneInstance(t *testing.T) {
	n := NullCoordinator{}
	count, err := n.InstanceCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRedisCoordinatorCountsRegisteredInstances(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterInstance(ctx, "instance-a"))
	require.NoError(t, c.RegisterInstance(ctx, "instance-b"))
	require.NoError(t, c.RegisterInstance(ctx, "instance-c"))

	count, err := c.InstanceCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestRedisCoordinatorPrunesStaleInstances(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterInstance(ctx, "instance-a"))
	time.Sleep(300 * time.Millisecond)

	count, err := c.InstanceCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "count floors at 1 even with zero live heartbeats")
}

func TestRedisCoordinatorReregistrationRefreshesHeartbeat(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterInstance(ctx, "instance-a"))
	require.NoError(t, c.RegisterInstance(ctx, "instance-b"))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.RegisterInstance(ctx, "instance-a"))
	time.Sleep(150 * time.Millisecond)

	count, err := c.InstanceCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "instance-a's refreshed heartbeat survives while instance-b's stale one is pruned")
}
