package staging

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := New(Config{
		Host:          host,
		Port:          port,
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestHashOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.HIncrBy(ctx, "h", "a", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.HIncrBy(ctx, "h", "a", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, c.HSetNX(ctx, "coords", "1", "10,20"))
	require.NoError(t, c.HSetNX(ctx, "coords", "1", "99,99"))

	m, err := c.HGetAll(ctx, "coords")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "10,20"}, m)

	l, err := c.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l)
}

func TestListOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.RPush(ctx, "l", "a", "b")
	require.NoError(t, err)
	n, err := c.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	vals, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vals)
}

func TestRenameMissingKeyIsNotFound(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	err := c.Rename(ctx, "missing", "missing:flushing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.RPush(ctx, "present", "x")
	require.NoError(t, err)
	require.NoError(t, c.Rename(ctx, "present", "present:flushing"))

	ok, err := c.Exists(ctx, "present")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.Exists(ctx, "present:flushing")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNX(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", val)
}

func TestScanKeys(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "buffer:a:flushing", "1", 0))
	require.NoError(t, c.Set(ctx, "buffer:b:flushing", "1", 0))
	require.NoError(t, c.Set(ctx, "buffer:a", "1", 0))

	keys, err := c.ScanKeys(ctx, "buffer:*:flushing")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"buffer:a:flushing", "buffer:b:flushing"}, keys)
}

func TestRetryGivesUpAfterOutage(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.HIncrBy(ctx, "h", "a", 1)
	assert.Error(t, err)
}

func TestEnsureReconnects(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Ensure(context.Background()))
}
