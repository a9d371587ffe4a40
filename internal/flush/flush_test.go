package flush

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psyduckv2/psyduckd/internal/staging"
)

type recordingBuffer struct {
	mu     sync.Mutex
	calls  []bool // force flag per Flush call
	result int64
}

func (b *recordingBuffer) Key() string { return "buffer:test" }

func (b *recordingBuffer) Flush(_ context.Context, force bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, force)
	return b.result, nil
}

func (b *recordingBuffer) forced() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.calls {
		if f {
			n++
		}
	}
	return n
}

func (b *recordingBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *staging.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	store, err := staging.New(staging.Config{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestFlusherRunsAndForceFlushesOnStop(t *testing.T) {
	_, store := newTestStore(t)

	buf := &recordingBuffer{result: 3}
	f := New(store, buf, time.Second)
	f.interval = 10 * time.Millisecond // shrink cadence for the test

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return buf.count() >= forceEvery+1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// At least one interval-driven force cycle plus the shutdown flush.
	assert.GreaterOrEqual(t, buf.forced(), 2)
	b := buf
	b.mu.Lock()
	last := b.calls[len(b.calls)-1]
	b.mu.Unlock()
	assert.True(t, last, "shutdown flush must force")
}

func TestFlusherSkipsCycleWhenStoreDown(t *testing.T) {
	mr, store := newTestStore(t)

	var flushes atomic.Int64
	buf := &countingBuffer{n: &flushes}
	f := New(store, buf, time.Second)
	f.interval = 10 * time.Millisecond

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	f.Run(ctx)

	assert.Zero(t, flushes.Load())
}

type countingBuffer struct {
	n *atomic.Int64
}

func (b *countingBuffer) Key() string { return "buffer:count" }

func (b *countingBuffer) Flush(context.Context, bool) (int64, error) {
	b.n.Add(1)
	return 0, nil
}

func TestNewClampsInterval(t *testing.T) {
	f := New(nil, &recordingBuffer{}, 10*time.Millisecond)
	assert.Equal(t, time.Second, f.interval)
}
