package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/testutil"
)

// collector records exported batches and optionally fails.
type collector struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (c *collector) export(_ context.Context, batch []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	cp := make([]int, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *collector) items() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func TestBatcherFlushesAtBatchSize(t *testing.T) {
	col := &collector{}
	b := NewBatcher(BatchConfig{MaxQueueSize: 100, MaxBatchSize: 3, FlushInterval: time.Hour}, testutil.TestLogger(), col.export)
	defer b.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		b.Enqueue(i)
	}
	assert.Eventually(t, func() bool {
		return len(col.items()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, col.items())
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	col := &collector{}
	b := NewBatcher(BatchConfig{MaxQueueSize: 100, MaxBatchSize: 50, FlushInterval: 20 * time.Millisecond}, testutil.TestLogger(), col.export)
	defer b.Shutdown(context.Background())

	b.Enqueue(1)
	assert.Eventually(t, func() bool {
		return len(col.items()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatcherDropsOldestWhenFull(t *testing.T) {
	col := &collector{}
	b := NewBatcher(BatchConfig{MaxQueueSize: 3, MaxBatchSize: 50, FlushInterval: time.Hour}, testutil.TestLogger(), col.export)

	for i := 0; i < 5; i++ {
		b.Enqueue(i)
	}
	assert.Equal(t, 3, b.QueueLen())
	assert.Equal(t, int64(2), b.Dropped())

	b.ForceFlush(context.Background())
	assert.Equal(t, []int{2, 3, 4}, col.items())

	b.Shutdown(context.Background())
}

func TestBatcherShutdownDrains(t *testing.T) {
	col := &collector{}
	b := NewBatcher(BatchConfig{MaxQueueSize: 100, MaxBatchSize: 50, FlushInterval: time.Hour}, testutil.TestLogger(), col.export)

	b.Enqueue(7)
	b.Enqueue(8)
	b.Shutdown(context.Background())
	b.Shutdown(context.Background()) // idempotent

	assert.Equal(t, []int{7, 8}, col.items())
	assert.Zero(t, b.QueueLen())
}

func TestBatcherExportErrorDropsBatch(t *testing.T) {
	col := &collector{err: errors.New("collector down")}
	b := NewBatcher(BatchConfig{MaxQueueSize: 100, MaxBatchSize: 50, FlushInterval: time.Hour}, testutil.TestLogger(), col.export)
	defer b.Shutdown(context.Background())

	b.Enqueue(1)
	b.Enqueue(2)
	b.ForceFlush(context.Background())

	require.Empty(t, col.items())
	assert.Zero(t, b.QueueLen())
	assert.Equal(t, int64(2), b.Dropped())
}

func TestBatcherDrainChunksByBatchSize(t *testing.T) {
	col := &collector{}
	b := NewBatcher(BatchConfig{MaxQueueSize: 100, MaxBatchSize: 4, FlushInterval: time.Hour}, testutil.TestLogger(), col.export)
	defer b.Shutdown(context.Background())

	for i := 0; i < 10; i++ {
		b.Enqueue(i)
	}
	b.ForceFlush(context.Background())

	col.mu.Lock()
	defer col.mu.Unlock()
	require.NotEmpty(t, col.batches)
	for _, batch := range col.batches {
		assert.LessOrEqual(t, len(batch), 4)
	}
}
