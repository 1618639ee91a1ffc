// Package groupqueue implements the per-workspace serialization and
// global concurrency cap that gate every container invocation: at most
// one container per workspace (jid) runs at a time, no more than
// max_concurrent run process-wide, and a workspace's scheduler-initiated
// tasks always drain before its fresh message processing.
package groupqueue

import (
	"context"
	"sync"
	"time"

	"github.com/crypdick/pynchy/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ProducerFunc runs one container invocation for a task and reports
// whether it succeeded.
type ProducerFunc func(ctx context.Context) (bool, error)

// MessageProcessorFunc runs the "check for new messages and maybe
// invoke the agent" step for a workspace.
type MessageProcessorFunc func(ctx context.Context, jid string) (bool, error)

type pendingTask struct {
	id       string
	producer ProducerFunc
}

type jidState struct {
	mu                sync.Mutex
	tasks             []pendingTask
	needsMessageCheck bool
	active            bool
	cancel            context.CancelFunc
	retryAttempt      int
	retryTimer        *time.Timer
}

// Config holds GroupQueue tuning knobs.
type Config struct {
	MaxConcurrent    int
	BaseRetryDelay   time.Duration // multiplied by 2^attempt
	MaxRetryAttempts int
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: 5, BaseRetryDelay: 2 * time.Second, MaxRetryAttempts: 5}
}

// GroupQueue is the host-wide scheduler described in spec §4.1.
type GroupQueue struct {
	cfg              Config
	sem              *semaphore.Weighted
	messageProcessor MessageProcessorFunc
	logger           *logger.Logger

	mu      sync.Mutex
	jids    map[string]*jidState
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, messageProcessor MessageProcessorFunc, log *logger.Logger) *GroupQueue {
	return &GroupQueue{
		cfg:              cfg,
		sem:              semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		messageProcessor: messageProcessor,
		logger:           log.WithFields(zap.String("component", "group_queue")),
		jids:             make(map[string]*jidState),
		stopCh:           make(chan struct{}),
	}
}

func (q *GroupQueue) stateFor(jid string) *jidState {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jids[jid]
	if !ok {
		st = &jidState{}
		q.jids[jid] = st
	}
	return st
}

// EnqueueMessageCheck marks jid as needing a message-processing pass and
// kicks off its drain loop if it isn't already running.
func (q *GroupQueue) EnqueueMessageCheck(jid string) {
	st := q.stateFor(jid)
	st.mu.Lock()
	st.needsMessageCheck = true
	shouldStart := !st.active
	if shouldStart {
		st.active = true
	}
	st.mu.Unlock()

	if shouldStart {
		q.startDrain(jid, st)
	}
}

// EnqueueTask appends a scheduler-initiated task for jid. Tasks always
// drain before the next message-check pass in the same cycle (Q3).
func (q *GroupQueue) EnqueueTask(jid, id string, producer ProducerFunc) {
	st := q.stateFor(jid)
	st.mu.Lock()
	st.tasks = append(st.tasks, pendingTask{id: id, producer: producer})
	shouldStart := !st.active
	if shouldStart {
		st.active = true
	}
	st.mu.Unlock()

	if shouldStart {
		q.startDrain(jid, st)
	}
}

// ClearPendingTasks drops all not-yet-started tasks for jid.
func (q *GroupQueue) ClearPendingTasks(jid string) {
	st := q.stateFor(jid)
	st.mu.Lock()
	st.tasks = nil
	st.mu.Unlock()
}

// StopActiveProcess cancels jid's in-flight container invocation, if any.
func (q *GroupQueue) StopActiveProcess(jid string) bool {
	st := q.stateFor(jid)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancel != nil {
		st.cancel()
		return true
	}
	return false
}

// IsActiveTask reports whether jid currently has a drain cycle running.
func (q *GroupQueue) IsActiveTask(jid string) bool {
	st := q.stateFor(jid)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

func (q *GroupQueue) startDrain(jid string, st *jidState) {
	q.wg.Add(1)
	go q.runDrain(jid, st)
}

// runDrain is invariant (Q1)'s enforcement mechanism: the entire body
// runs for one jid at a time because only one goroutine is ever started
// per transition from inactive to active (guarded by st.mu above).
func (q *GroupQueue) runDrain(jid string, st *jidState) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			st.mu.Lock()
			st.active = false
			st.mu.Unlock()
			return
		}

		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			st.mu.Lock()
			st.active = false
			st.mu.Unlock()
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		st.mu.Lock()
		st.cancel = cancel
		st.mu.Unlock()

		success := true
		var failErr error

		for {
			st.mu.Lock()
			if len(st.tasks) == 0 {
				st.mu.Unlock()
				break
			}
			t := st.tasks[0]
			st.tasks = st.tasks[1:]
			st.mu.Unlock()

			ok, err := t.producer(ctx)
			if err != nil || !ok {
				success = false
				failErr = err
				break
			}
		}

		if success {
			st.mu.Lock()
			needsCheck := st.needsMessageCheck
			st.needsMessageCheck = false
			st.mu.Unlock()

			if needsCheck {
				ok, err := q.messageProcessor(ctx, jid)
				if err != nil || !ok {
					success = false
					failErr = err
				}
			}
		}

		cancel()
		st.mu.Lock()
		st.cancel = nil
		st.mu.Unlock()
		q.sem.Release(1)

		if !success {
			q.logger.Warn("workspace drain cycle failed, scheduling retry",
				zap.String("jid", jid), zap.Error(failErr))
			q.scheduleRetry(jid, st)
			st.mu.Lock()
			st.active = false
			st.mu.Unlock()
			return
		}

		st.mu.Lock()
		hasMore := len(st.tasks) > 0 || st.needsMessageCheck
		if !hasMore {
			st.active = false
		}
		st.mu.Unlock()
		if !hasMore {
			return
		}
		// loop: re-acquire the semaphore for the next cycle (fresh work
		// arrived while this one was in flight).
	}
}

func (q *GroupQueue) scheduleRetry(jid string, st *jidState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.retryAttempt >= q.cfg.MaxRetryAttempts {
		q.logger.Error("retry limit exceeded, abandoning workspace until next enqueue",
			zap.String("jid", jid), zap.Int("attempts", st.retryAttempt))
		st.retryAttempt = 0
		return
	}

	delay := q.cfg.BaseRetryDelay * time.Duration(1<<uint(st.retryAttempt))
	st.retryAttempt++

	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return
	}

	st.retryTimer = time.AfterFunc(delay, func() {
		q.EnqueueMessageCheck(jid)
	})
}

// Shutdown stops accepting new drain cycles, cancels pending retry
// timers, and waits up to timeout for active containers to finish
// before returning. It does not forcibly kill containers itself — the
// container orchestrator's stop path is responsible for that once its
// context is cancelled here.
func (q *GroupQueue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	for _, st := range q.snapshotStates() {
		st.mu.Lock()
		if st.retryTimer != nil {
			st.retryTimer.Stop()
		}
		cancel := st.cancel
		st.mu.Unlock()
		_ = cancel // active containers are cancelled by the caller's own shutdown timeout below
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		q.logger.Warn("shutdown timeout exceeded, forcing active processes to stop")
		for jid, st := range q.snapshotStates() {
			st.mu.Lock()
			cancel := st.cancel
			st.mu.Unlock()
			if cancel != nil {
				q.logger.Info("force-stopping workspace", zap.String("jid", jid))
				cancel()
			}
		}
	}
}

func (q *GroupQueue) snapshotStates() map[string]*jidState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]*jidState, len(q.jids))
	for k, v := range q.jids {
		out[k] = v
	}
	return out
}
