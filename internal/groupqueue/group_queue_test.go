package groupqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerWorkspaceSerialization(t *testing.T) {
	var mu sync.Mutex
	activeJids := map[string]int{}
	var maxConcurrentJids int32
	var g1Concurrent int32

	process := func(ctx context.Context, jid string) (bool, error) {
		mu.Lock()
		activeJids[jid]++
		if jid == "g1@x" {
			atomic.AddInt32(&g1Concurrent, 1)
		}
		n := int32(len(activeJids))
		if n > maxConcurrentJids {
			maxConcurrentJids = n
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		activeJids[jid]--
		if activeJids[jid] == 0 {
			delete(activeJids, jid)
		}
		if jid == "g1@x" {
			atomic.AddInt32(&g1Concurrent, -1)
		}
		mu.Unlock()
		return true, nil
	}

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	q := New(cfg, process, logger.Default())

	q.EnqueueMessageCheck("g1@x")
	q.EnqueueMessageCheck("g1@x")
	q.EnqueueMessageCheck("g2@x")
	q.EnqueueMessageCheck("g3@x")

	time.Sleep(200 * time.Millisecond)

	assert.LessOrEqual(t, int(maxConcurrentJids), 2, "global concurrency cap must hold")
	assert.Equal(t, int32(0), atomic.LoadInt32(&g1Concurrent), "g1 must never be concurrently active with itself")
}

func TestTaskBeforeMessageCheck(t *testing.T) {
	var order []string
	var mu sync.Mutex

	process := func(ctx context.Context, jid string) (bool, error) {
		mu.Lock()
		order = append(order, "message_check")
		mu.Unlock()
		return true, nil
	}

	cfg := DefaultConfig()
	q := New(cfg, process, logger.Default())

	task := func(ctx context.Context) (bool, error) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, "t1")
		mu.Unlock()
		return true, nil
	}

	q.EnqueueTask("jid1", "t1", task)
	q.EnqueueMessageCheck("jid1")

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"t1", "message_check"}, order)
}

func TestRetryAbandonsAfterMaxAttempts(t *testing.T) {
	var attempts int32
	process := func(ctx context.Context, jid string) (bool, error) {
		atomic.AddInt32(&attempts, 1)
		return false, nil
	}

	cfg := DefaultConfig()
	cfg.MaxRetryAttempts = 2
	cfg.BaseRetryDelay = 5 * time.Millisecond
	q := New(cfg, process, logger.Default())

	q.EnqueueMessageCheck("flaky@x")
	time.Sleep(200 * time.Millisecond)

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 2)
	assert.False(t, q.IsActiveTask("flaky@x"))
}
