package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/middleware"
	"github.com/replicante-io/replicore/taskqueue"
	"github.com/replicante-io/replicore/taskqueue/memory"
	"github.com/replicante-io/replicore/worker"
)

// spyExtension records task lifecycle notifications.
type spyExtension struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	dropped   []string
}

func (s *spyExtension) Name() string { return "spy" }

func (s *spyExtension) OnTaskCompleted(_ context.Context, t *taskqueue.Task, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, t.ID.String())
	return nil
}

func (s *spyExtension) OnTaskFailed(_ context.Context, t *taskqueue.Task, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, t.ID.String())
	return nil
}

func (s *spyExtension) OnTaskDropped(_ context.Context, t *taskqueue.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, t.ID.String())
	return nil
}

func (s *spyExtension) counts() (completed, failed, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.failed), len(s.dropped)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestRegistry(spy *spyExtension) *hooks.Registry {
	registry := hooks.NewRegistry(slog.Default())
	registry.Register(spy)
	return registry
}

func TestPoolExecutesTask(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New()
	defer queue.Close()

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())

	var mu sync.Mutex
	var payloads []string
	executor.Register("discover", func(_ context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, string(payload))
		return nil
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(2),
		worker.WithPoolQueues([]string{"discover"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	if _, err := queue.Enqueue(context.Background(), "discover", []byte(`{"cluster_id":"shop-db"}`), taskqueue.RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, func() bool {
		completed, _, _ := spy.counts()
		return completed == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 || payloads[0] != `{"cluster_id":"shop-db"}` {
		t.Fatalf("handler payloads = %v", payloads)
	}
}

func TestPoolRetriesFailedTask(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New(memory.WithDropHandler(func(ctx context.Context, task *taskqueue.Task) {
		_ = spy.OnTaskDropped(ctx, task)
	}))
	defer queue.Close()

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())

	var mu sync.Mutex
	attempts := 0
	executor.Register("orchestrate", func(context.Context, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("agent unreachable")
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPoolQueues([]string{"orchestrate"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	policy := taskqueue.RetryPolicy{Retries: 2, Delay: time.Millisecond}
	if _, err := queue.Enqueue(context.Background(), "orchestrate", nil, policy); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Retries=2 bounds total deliveries to 3, then the task is dropped.
	waitFor(t, func() bool {
		_, _, dropped := spy.counts()
		return dropped == 1
	})

	mu.Lock()
	gotAttempts := attempts
	mu.Unlock()
	if gotAttempts != 3 {
		t.Fatalf("handler attempts = %d, want 3", gotAttempts)
	}
	_, failed, _ := spy.counts()
	if failed != 3 {
		t.Fatalf("failed notifications = %d, want 3", failed)
	}
}

func TestPoolSkipDiscardsWithoutFailure(t *testing.T) {
	spy := &spyExtension{}
	dropped := make(chan struct{}, 1)
	queue := memory.New(memory.WithDropHandler(func(context.Context, *taskqueue.Task) {
		dropped <- struct{}{}
	}))
	defer queue.Close()

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())

	handled := make(chan struct{}, 8)
	executor.Register("orchestrate", func(context.Context, []byte) error {
		handled <- struct{}{}
		return fmt.Errorf("cluster locked elsewhere: %w", replicore.ErrSkipTask)
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPoolQueues([]string{"orchestrate"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	policy := taskqueue.RetryPolicy{Retries: 3, Delay: time.Millisecond}
	if _, err := queue.Enqueue(context.Background(), "orchestrate", nil, policy); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	<-handled

	// A skip is final for this delivery: no redelivery, no failure, no
	// drop.
	select {
	case <-handled:
		t.Fatal("skipped task was redelivered")
	case <-dropped:
		t.Fatal("skipped task was dropped")
	case <-time.After(100 * time.Millisecond):
	}
	_, failed, _ := spy.counts()
	if failed != 0 {
		t.Fatalf("failed notifications = %d, want 0", failed)
	}
}

func TestPoolUnregisteredQueueFailsTask(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New()
	defer queue.Close()

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPoolQueues([]string{"mystery"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	if _, err := queue.Enqueue(context.Background(), "mystery", nil, taskqueue.RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, func() bool {
		_, failed, _ := spy.counts()
		return failed == 1
	})
}

func TestPoolMiddlewareWrapsHandlers(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New()
	defer queue.Close()

	var mu sync.Mutex
	var order []string
	observe := func(ctx context.Context, _ *taskqueue.Task, next middleware.Handler) error {
		mu.Lock()
		order = append(order, "before")
		mu.Unlock()
		err := next(ctx)
		mu.Lock()
		order = append(order, "after")
		mu.Unlock()
		return err
	}

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default(), observe)
	executor.Register("discover", func(context.Context, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "handler")
		return nil
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPoolQueues([]string{"discover"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	if _, err := queue.Enqueue(context.Background(), "discover", nil, taskqueue.RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, func() bool {
		completed, _, _ := spy.counts()
		return completed == 1
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"before", "handler", "after"}
	if len(order) != len(want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

// fakeManager admits one task at a time and records acquire attempts.
type fakeManager struct {
	mu       sync.Mutex
	active   int
	attempts int
	releases int
}

func (m *fakeManager) Acquire(_, _ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.active >= 1 {
		return false
	}
	m.active++
	return true
}

func (m *fakeManager) Release(_, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
	m.releases++
}

func TestPoolHonorsQueueManager(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New()
	defer queue.Close()

	manager := &fakeManager{}
	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())

	var mu sync.Mutex
	var scopes []string
	executor.Register("orchestrate", func(context.Context, []byte) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(2),
		worker.WithPoolQueues([]string{"orchestrate"}),
		worker.WithRetryPause(time.Millisecond),
		worker.WithQueueManager(manager),
		worker.WithScopeFunc(func(task *taskqueue.Task) string {
			mu.Lock()
			defer mu.Unlock()
			scopes = append(scopes, string(task.Payload))
			return string(task.Payload)
		}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	for _, cluster := range []string{"shop-db", "cache-db"} {
		if _, err := queue.Enqueue(context.Background(), "orchestrate", []byte(cluster), taskqueue.RetryPolicy{}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	waitFor(t, func() bool {
		completed, _, _ := spy.counts()
		return completed == 2
	})

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.releases != 2 {
		t.Fatalf("releases = %d, want 2", manager.releases)
	}
	if manager.attempts < 2 {
		t.Fatalf("acquire attempts = %d, want at least 2", manager.attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(scopes) != 2 {
		t.Fatalf("scope extractions = %v, want 2 entries", scopes)
	}
}

func TestPoolStopWaitsForInflightTask(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New()
	defer queue.Close()

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())

	started := make(chan struct{})
	release := make(chan struct{})
	executor.Register("discover", func(context.Context, []byte) error {
		close(started)
		<-release
		return nil
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPoolQueues([]string{"discover"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := queue.Enqueue(context.Background(), "discover", nil, taskqueue.RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	<-started

	stopDone := make(chan struct{})
	go func() {
		_ = pool.Stop(context.Background())
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop() returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopDone

	completed, _, _ := spy.counts()
	if completed != 1 {
		t.Fatalf("completed notifications = %d, want 1", completed)
	}
}

func TestPoolStopDeadlineCancelsActiveTasks(t *testing.T) {
	spy := &spyExtension{}
	queue := memory.New()
	defer queue.Close()

	executor := worker.NewExecutor(newTestRegistry(spy), slog.Default())
	started := make(chan struct{})
	executor.Register("discover", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	pool := worker.NewPool(queue, executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPoolQueues([]string{"discover"}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := queue.Enqueue(context.Background(), "discover", nil, taskqueue.RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
