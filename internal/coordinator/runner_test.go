package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
	"github.com/bardlex/ehash/pkg/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedHandler fails items listed in failing and records every call.
type scriptedHandler struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]error
}

func newScriptedHandler() *scriptedHandler {
	return &scriptedHandler{failing: make(map[string]error)}
}

func (h *scriptedHandler) Process(_ context.Context, item string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, item)
	return h.failing[item]
}

func (h *scriptedHandler) setFailing(item string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failing, item)
		return
	}
	h.failing[item] = err
}

func (h *scriptedHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

var errEngine = errors.New(errors.ErrorTypeTokenEngine, "issue_quote", "engine unavailable")

func newTestRunner(h Handler[string], clock retry.Clock, maxRetries int) *Runner[string] {
	return New[string](Config{
		Name:             "test",
		QueueSize:        8,
		Policy:           retry.Policy{BaseDelay: time.Second, Cap: 4, MaxRetries: maxRetries},
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  5 * time.Second,
		Clock:            clock,
	}, h, log.Nop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmit_SaturatedReturnsImmediately(t *testing.T) {
	r := newTestRunner(newScriptedHandler(), newFakeClock(), 5)

	for i := 0; i < 8; i++ {
		if err := r.Submit("x"); err != nil {
			t.Fatalf("Submit #%d error = %v", i, err)
		}
	}

	start := time.Now()
	err := r.Submit("overflow")
	if err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Submit blocked on a saturated inbox")
	}
}

func TestSubmit_AfterShutdown(t *testing.T) {
	r := newTestRunner(newScriptedHandler(), newFakeClock(), 5)

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := r.Submit("late"); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := r.Post(func(context.Context) {}); err != ErrClosed {
		t.Errorf("Expected Post to report ErrClosed, got %v", err)
	}
}

func TestHandle_PermanentErrorIsRejected(t *testing.T) {
	h := newScriptedHandler()
	h.setFailing("dup", errors.New(errors.ErrorTypeDuplicate, "mint", "already processed"))
	r := newTestRunner(h, newFakeClock(), 5)

	r.handle(context.Background(), "dup")

	s := r.Snapshot()
	if s.Rejected != 1 || s.RetryDepth != 0 {
		t.Errorf("Expected rejection without queueing, got %+v", s)
	}
	if r.breaker.GetStats().Failures != 0 {
		t.Error("Expected permanent errors to not count toward self-disable")
	}
}

func TestSelfDisable_AfterMaxRetries(t *testing.T) {
	h := newScriptedHandler()
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5", "e6"} {
		h.setFailing(id, errEngine)
	}
	r := newTestRunner(h, newFakeClock(), 5)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		r.handle(ctx, id)
		if r.Disabled() {
			t.Fatalf("Disabled too early after %s", id)
		}
	}
	r.handle(ctx, "e5")
	if !r.Disabled() {
		t.Fatal("Expected self-disable after 5 consecutive failures")
	}

	select {
	case s := <-r.Statuses():
		if s.State != StateDisabled {
			t.Errorf("Expected disabled status, got %s", s.State)
		}
	default:
		t.Error("Expected a terminal status report")
	}

	r.handle(ctx, "e6")

	s := r.Snapshot()
	if s.RetryDepth != 5 {
		t.Errorf("Expected retry queue to stay at 5, got %d", s.RetryDepth)
	}
	if s.Dropped != 1 {
		t.Errorf("Expected 6th event dropped, got %d", s.Dropped)
	}
	if calls := h.Calls(); len(calls) != 5 {
		t.Errorf("Expected dropped event to never reach the handler, got calls %v", calls)
	}

	select {
	case s := <-r.Statuses():
		t.Errorf("Expected exactly one status report, got another: %+v", s)
	default:
	}
}

func TestAttemptRecovery_HonoursBackoff(t *testing.T) {
	clock := newFakeClock()
	h := newScriptedHandler()
	h.setFailing("a", errEngine)
	r := newTestRunner(h, clock, 5)
	ctx := context.Background()

	r.handle(ctx, "a")
	h.setFailing("a", nil)

	clock.Advance(999 * time.Millisecond)
	r.AttemptRecovery(ctx)
	if got := len(h.Calls()); got != 1 {
		t.Fatalf("Expected no retry before the backoff wait, got %d calls", got)
	}

	clock.Advance(time.Millisecond)
	r.AttemptRecovery(ctx)
	if got := len(h.Calls()); got != 2 {
		t.Fatalf("Expected retry once eligible, got %d calls", got)
	}
	if r.Snapshot().RetryDepth != 0 || r.Snapshot().Processed != 1 {
		t.Errorf("Expected queue drained, got %+v", r.Snapshot())
	}
}

func TestAttemptRecovery_StopsAtFirstRepeatFailure(t *testing.T) {
	clock := newFakeClock()
	h := newScriptedHandler()
	for _, id := range []string{"a", "b", "c"} {
		h.setFailing(id, errEngine)
	}
	r := newTestRunner(h, clock, 5)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		r.handle(ctx, id)
	}
	h.setFailing("a", nil)
	h.setFailing("c", nil)

	clock.Advance(time.Second)
	r.AttemptRecovery(ctx)

	calls := h.Calls()
	want := []string{"a", "b", "c", "a", "b"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}

	head, _ := r.queue.Peek()
	if head.Item != "b" || head.Attempts != 1 || r.queue.Len() != 2 {
		t.Errorf("Expected b at head with 1 attempt and c behind it, got %+v (len %d)", head, r.queue.Len())
	}

	// b now waits base × 2^1.
	clock.Advance(time.Second)
	r.AttemptRecovery(ctx)
	if len(h.Calls()) != len(want) {
		t.Error("Expected b to still be backing off")
	}
}

func TestAttemptRecovery_DiscardsAfterBudget(t *testing.T) {
	clock := newFakeClock()
	h := newScriptedHandler()
	h.setFailing("bad", errEngine)
	r := newTestRunner(h, clock, 3)
	ctx := context.Background()

	r.handle(ctx, "bad")
	for i := 0; i < 3; i++ {
		// Interleaved successes keep the runner from self-disabling.
		r.handle(ctx, "ok")
		clock.Advance(time.Minute)
		r.AttemptRecovery(ctx)
		if i < 2 && r.queue.Len() != 1 {
			t.Fatalf("Expected entry to remain queued after retry %d", i+1)
		}
	}

	s := r.Snapshot()
	if s.Discarded != 1 || s.RetryDepth != 0 {
		t.Errorf("Expected entry discarded after budget, got %+v", s)
	}
	if r.Disabled() {
		t.Error("Expected runner to stay enabled")
	}
}

func TestShutdown_DrainsPendingRetries(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var attempted sync.Map
	h := HandlerFunc[string](func(_ context.Context, item string) error {
		if failing.Load() {
			return errEngine
		}
		attempted.Store(item, true)
		return nil
	})

	r := newTestRunner(h, newFakeClock(), 5)
	go func() { _ = r.Run(context.Background()) }()

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := r.Submit(id); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	waitFor(t, "three queued retries", func() bool { return r.Snapshot().RetryDepth == 3 })

	failing.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, ok := attempted.Load(id); !ok {
			t.Errorf("Expected %s to be retried during drain", id)
		}
	}
	s := r.Snapshot()
	if s.State != StateTerminated || s.RetryDepth != 0 || s.Processed != 3 {
		t.Errorf("Unexpected final status: %+v", s)
	}

	var last Status
	for len(r.Statuses()) > 0 {
		last = <-r.Statuses()
	}
	if last.State != StateTerminated {
		t.Errorf("Expected terminated status report, got %+v", last)
	}
}

func TestShutdown_NoAcceptedEventLost(t *testing.T) {
	var handled atomic.Int64
	h := HandlerFunc[string](func(context.Context, string) error {
		handled.Add(1)
		return nil
	})
	r := New[string](Config{
		Name:             "test",
		QueueSize:        4096,
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  5 * time.Second,
		Clock:            newFakeClock(),
	}, h, log.Nop())
	go func() { _ = r.Run(context.Background()) }()

	var accepted, posted, ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := r.Submit("share")
				if err == ErrClosed {
					return
				}
				if err == nil {
					accepted.Add(1)
				}
				if r.Post(func(context.Context) { ran.Add(1) }) == nil {
					posted.Add(1)
				}
			}
		}()
	}

	waitFor(t, "submitters running", func() bool { return accepted.Load() > 100 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	wg.Wait()

	if got, want := handled.Load(), accepted.Load(); got != want {
		t.Errorf("Expected every accepted event handled: accepted %d, handled %d", want, got)
	}
	if got, want := ran.Load(), posted.Load(); got != want {
		t.Errorf("Expected every accepted closure run: posted %d, ran %d", want, got)
	}
}

func TestShutdown_DeadlineAbandonsQueue(t *testing.T) {
	h := newScriptedHandler()
	h.setFailing("stuck", errEngine)
	r := New[string](Config{
		Name:             "test",
		Policy:           retry.Policy{BaseDelay: time.Hour, Cap: 1, MaxRetries: 5},
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  50 * time.Millisecond,
	}, h, log.Nop())

	go func() { _ = r.Run(context.Background()) }()
	_ = r.Submit("stuck")
	waitFor(t, "queued retry", func() bool { return r.Snapshot().RetryDepth == 1 })

	start := time.Now()
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Drain ignored the shutdown deadline")
	}
	if r.Snapshot().RetryDepth != 1 {
		t.Errorf("Expected the stuck entry to be abandoned, got %+v", r.Snapshot())
	}
}

func TestDo_RunsOnLoop(t *testing.T) {
	r := newTestRunner(newScriptedHandler(), newFakeClock(), 5)
	go func() { _ = r.Run(context.Background()) }()
	defer func() { _ = r.Shutdown(context.Background()) }()

	ran := false
	err := r.Do(context.Background(), func(context.Context) error {
		ran = true
		return errEngine
	})
	if err != errEngine || !ran {
		t.Errorf("Do() = %v, ran = %v", err, ran)
	}

	posted := make(chan struct{})
	if err := r.Post(func(context.Context) { close(posted) }); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("posted closure never ran")
	}
}

func TestDo_AfterTermination(t *testing.T) {
	r := newTestRunner(newScriptedHandler(), newFakeClock(), 5)
	go func() { _ = r.Run(context.Background()) }()
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	err := r.Do(context.Background(), func(context.Context) error { return nil })
	if err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestRun_Twice(t *testing.T) {
	r := newTestRunner(newScriptedHandler(), newFakeClock(), 5)
	go func() { _ = r.Run(context.Background()) }()
	waitFor(t, "running", func() bool { return r.Snapshot().State == StateRunning })

	if err := r.Run(context.Background()); err == nil {
		t.Error("Expected second Run to fail")
	}
	_ = r.Shutdown(context.Background())
}
