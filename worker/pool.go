package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replicante-io/replicore/id"
	"github.com/replicante-io/replicore/taskqueue"
)

// QueueManager controls per-queue and per-cluster rate limiting and
// concurrency. The worker pool calls Acquire before executing a
// consumed task and Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue/cluster
	// combination. Returns true if the task is allowed to proceed.
	Acquire(queue, clusterID string) bool
	// Release decrements the active count for the queue/cluster pair.
	Release(queue, clusterID string)
}

// ScopeFunc extracts the throttling scope (the cluster ID) from a
// task's payload. Tasks whose payload carries no scope return "".
type ScopeFunc func(t *taskqueue.Task) string

// Pool manages a set of concurrent worker goroutines that consume tasks
// from the queue and execute them through the Executor. Each configured
// queue gets its own set of consumer goroutines so a busy queue never
// starves the others.
type Pool struct {
	queue       taskqueue.Queue
	executor    *Executor
	concurrency int
	queues      []string
	retryPause  time.Duration
	processID   id.ProcessID
	logger      *slog.Logger

	// Queue manager and scope extractor (optional).
	queueManager QueueManager
	scope        ScopeFunc

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of consumer goroutines per queue.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will consume from.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithRetryPause sets how long a consumer waits after a queue error
// before consuming again.
func WithRetryPause(d time.Duration) PoolOption {
	return func(p *Pool) { p.retryPause = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithScopeFunc sets the function extracting the throttling scope from
// task payloads.
func WithScopeFunc(fn ScopeFunc) PoolOption {
	return func(p *Pool) { p.scope = fn }
}

// NewPool creates a worker pool.
func NewPool(
	queue taskqueue.Queue,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		queue:       queue,
		executor:    executor,
		concurrency: 4,
		queues:      []string{"discover", "orchestrate"},
		retryPause:  time.Second,
		processID:   id.NewProcessID(),
		logger:      logger,
		activeTasks: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessID returns the pool's unique process identifier.
func (p *Pool) ProcessID() id.ProcessID { return p.processID }

// Start launches the consumer goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.baseCtx, p.cancelBase = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("process_id", p.processID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for _, queue := range p.queues {
		for range p.concurrency {
			p.wg.Add(1)
			go p.consumeLoop(queue)
		}
	}

	return nil
}

// Stop signals all consumers to stop and waits for in-flight tasks to
// finish. If the context has a deadline, active tasks are cancelled when
// time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("process_id", p.processID.String()))

	// Unblock every Consume call.
	p.cancelBase()

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	return nil
}

// consumeLoop is run by each consumer goroutine for one queue.
func (p *Pool) consumeLoop(queue string) {
	defer p.wg.Done()

	for {
		t, err := p.queue.Consume(p.baseCtx, queue)
		if err != nil {
			if p.baseCtx.Err() != nil {
				return
			}
			p.logger.Error("consume error",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			p.pause()
			continue
		}

		// Hold the consumer until the queue/cluster limits allow the
		// task through. Scheduled work recurs, so a task still throttled
		// at shutdown is discarded rather than failed.
		clusterID := ""
		if p.scope != nil {
			clusterID = p.scope(t)
		}
		if p.queueManager != nil {
			for !p.queueManager.Acquire(queue, clusterID) {
				if p.baseCtx.Err() != nil {
					if skipErr := p.queue.AckSkip(context.Background(), t); skipErr != nil {
						p.logger.Warn("failed to discard throttled task at shutdown",
							slog.String("task_id", t.ID.String()),
							slog.String("error", skipErr.Error()),
						)
					}
					return
				}
				p.pause()
			}
		}

		// Execution runs on a context detached from the pool's so a
		// graceful stop lets in-flight tasks finish; Stop cancels them
		// only when its deadline expires.
		ctx, cancel := context.WithCancel(context.Background())
		p.trackTask(t.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, p.queue, t); execErr != nil {
			p.logger.Debug("task execution failed",
				slog.String("task_id", t.ID.String()),
				slog.String("queue", queue),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackTask(t.ID.String())
		cancel()

		if p.queueManager != nil {
			p.queueManager.Release(queue, clusterID)
		}
	}
}

func (p *Pool) pause() {
	select {
	case <-time.After(p.retryPause):
	case <-p.baseCtx.Done():
	}
}

func (p *Pool) trackTask(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		cancel()
	}
}
