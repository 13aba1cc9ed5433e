//go:build integration

package admission

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newTestGate(t *testing.T) *RedisGate {
	t.Helper()
	return NewRedisGate(testRedis, WithKeyPrefix("test:"+t.Name()), WithPollInterval(10*time.Millisecond))
}

func TestRedisGate_SerializesAcrossGates(t *testing.T) {
	ctx := context.Background()
	a := newTestGate(t)
	b := newTestGate(t)

	first, err := a.Acquire(ctx, "F1", 1, time.Minute)
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := b.Acquire(ctx, "F1", 1, time.Minute)
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second process acquired while the first held the only slot")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, first.Release(ctx))
	select {
	case l := <-acquired:
		require.NoError(t, l.Release(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("second process never acquired")
	}
}

func TestRedisGate_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)

	_, err := g.Acquire(ctx, "F1", 1, 100*time.Millisecond)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l, err := g.Acquire(ctx2, "F1", 1, time.Minute)
	require.NoError(t, err)

	held, err := g.Held(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)
	require.NoError(t, l.Release(ctx))
}

func TestRedisGate_CancellationPropagates(t *testing.T) {
	g := newTestGate(t)
	_, err := g.Acquire(context.Background(), "F1", 1, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "F1", 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisGate_ReleaseTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t)
	l, err := g.Acquire(ctx, "F1", 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
}

func TestRedisGate_KeepAliveHoldsSlotPastLease(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	held, err := g.Acquire(ctx, "F1", 1, 150*time.Millisecond)
	require.NoError(t, err)
	held.KeepAlive(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(waitCtx, "F1", 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a renewed lease must keep its slot")

	n, err := g.Held(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.extend(ctx, time.Minute), ErrLeaseLost)
}
