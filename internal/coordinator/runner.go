// Package coordinator implements the single-owner event loop shared by the mint
// and wallet coordinators: a bounded inbox fed by non-blocking submits, a FIFO
// retry queue with exponential backoff, self-disable after repeated failures,
// and a draining shutdown.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/pkg/circuit"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
	"github.com/bardlex/ehash/pkg/retry"
)

var (
	// ErrQueueFull is returned by Submit when the inbox is saturated.
	ErrQueueFull = events.ErrSinkFull
	// ErrClosed is returned once the runner stopped accepting work.
	ErrClosed = events.ErrSinkClosed
)

// Handler processes one event. It is only ever called from the loop goroutine.
type Handler[T any] interface {
	Process(ctx context.Context, item T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, item T) error

// Process calls f.
func (f HandlerFunc[T]) Process(ctx context.Context, item T) error { return f(ctx, item) }

// Observer receives loop outcomes, typically to export metrics.
type Observer interface {
	ObserveResult(coordinator, outcome string)
	ObserveRetryDepth(coordinator string, depth int)
	ObserveDisabled(coordinator string, disabled bool)
}

// Outcomes reported to the Observer.
const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
	OutcomeQueued    = "queued"
	OutcomeRetried   = "retried"
	OutcomeDiscarded = "discarded"
	OutcomeDropped   = "dropped"
)

// Config controls a Runner.
type Config struct {
	Name             string
	QueueSize        int
	Policy           retry.Policy
	RecoveryInterval time.Duration
	ShutdownTimeout  time.Duration
	Clock            retry.Clock
	Observer         Observer
}

// State is the coarse health of a runner.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateDisabled   State = "disabled"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// Status is a point-in-time report of a runner.
type Status struct {
	Coordinator string
	State       State
	Processed   uint64
	Rejected    uint64
	Discarded   uint64
	Dropped     uint64
	RetryDepth  int
	LastError   string
	Time        time.Time
}

// Runner owns one event loop. All Handler calls, recovery attempts and posted
// closures execute on the goroutine running Run.
type Runner[T any] struct {
	cfg     Config
	handler Handler[T]
	logger  *log.Logger

	inbox    chan T
	calls    chan func(context.Context)
	stopping chan struct{}
	done     chan struct{}
	statuses chan Status
	stopOnce sync.Once
	started  atomic.Bool

	// gate orders Submit and Post against closeIntake: once closeIntake
	// returns, nothing more reaches inbox or calls.
	gate      sync.RWMutex
	accepting atomic.Bool
	disabled  atomic.Bool
	state     atomic.Value
	lastErr   atomic.Value

	processed atomic.Uint64
	rejected  atomic.Uint64
	discarded atomic.Uint64
	dropped   atomic.Uint64
	depth     atomic.Int64

	// loop-owned
	queue   *retry.Queue[T]
	breaker *circuit.Breaker
}

// New creates a runner. Call Run to start the loop.
func New[T any](cfg Config, handler Handler[T], logger *log.Logger) *Runner[T] {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = retry.SystemClock{}
	}

	breakerCfg := circuit.Latched(cfg.Policy.MaxRetries)
	breakerCfg.Now = cfg.Clock.Now

	r := &Runner[T]{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.WithComponent(cfg.Name),
		inbox:    make(chan T, cfg.QueueSize),
		calls:    make(chan func(context.Context), 16),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		statuses: make(chan Status, 16),
		queue:    retry.NewQueue[T](),
		breaker:  circuit.New(breakerCfg),
	}
	r.accepting.Store(true)
	r.state.Store(StateIdle)
	r.lastErr.Store("")
	return r
}

// Name returns the coordinator name.
func (r *Runner[T]) Name() string { return r.cfg.Name }

// Submit enqueues an event without blocking. The inbox is never closed, so a
// late Submit can not panic; it reports ErrClosed instead.
func (r *Runner[T]) Submit(item T) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if !r.accepting.Load() {
		return ErrClosed
	}
	select {
	case r.inbox <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs fn on the loop goroutine and waits for its result.
func (r *Runner[T]) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	call := func(loopCtx context.Context) { result <- fn(loopCtx) }

	select {
	case r.calls <- call:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-r.done:
		// The loop may have finished the call right before exiting.
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post schedules fn on the loop goroutine without waiting.
func (r *Runner[T]) Post(fn func(ctx context.Context)) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if !r.accepting.Load() {
		return ErrClosed
	}
	select {
	case r.calls <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Statuses returns the asynchronous status channel. Sends never block; a slow
// reader misses reports but can always call Snapshot.
func (r *Runner[T]) Statuses() <-chan Status { return r.statuses }

// Done is closed once the loop has terminated.
func (r *Runner[T]) Done() <-chan struct{} { return r.done }

// Disabled reports whether the runner gave up after exhausting its retry budget.
func (r *Runner[T]) Disabled() bool { return r.disabled.Load() }

// Snapshot returns the current counters.
func (r *Runner[T]) Snapshot() Status {
	return Status{
		Coordinator: r.cfg.Name,
		State:       r.state.Load().(State),
		Processed:   r.processed.Load(),
		Rejected:    r.rejected.Load(),
		Discarded:   r.discarded.Load(),
		Dropped:     r.dropped.Load(),
		RetryDepth:  int(r.depth.Load()),
		LastError:   r.lastErr.Load().(string),
		Time:        r.cfg.Clock.Now(),
	}
}

// Run processes events until Shutdown is called or ctx is cancelled, then drains.
func (r *Runner[T]) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: runner already started", r.cfg.Name)
	}
	defer close(r.done)

	r.setState(StateRunning)
	r.logger.Info("coordinator started",
		"queue_size", r.cfg.QueueSize,
		"max_retries", r.cfg.Policy.MaxRetries,
		"backoff_base", r.cfg.Policy.BaseDelay,
		"backoff_cap", r.cfg.Policy.Cap,
	)

	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-r.inbox:
			r.handle(ctx, item)
		case fn := <-r.calls:
			fn(ctx)
		case <-ticker.C:
			r.AttemptRecovery(ctx)
		case <-r.stopping:
			r.drain(context.WithoutCancel(ctx))
			return nil
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

// Shutdown stops intake and waits for the loop to drain and exit.
func (r *Runner[T]) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.closeIntake()
		close(r.stopping)
	})

	if !r.started.Load() {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "shutdown",
			"coordinator did not terminate in time").
			WithContext("coordinator", r.cfg.Name)
	}
}

// handle runs a fresh event through the failure policy.
func (r *Runner[T]) handle(ctx context.Context, item T) {
	if r.disabled.Load() {
		r.dropped.Add(1)
		r.observe(OutcomeDropped)
		r.logger.Warn("coordinator disabled, dropping event")
		return
	}

	err := r.handler.Process(ctx, item)
	if err == nil {
		r.succeed()
		return
	}

	r.lastErr.Store(err.Error())
	if errors.IsPermanent(err) {
		r.reject(err)
		return
	}

	r.queue.Push(retry.Entry[T]{Item: item, LastAttempt: r.cfg.Clock.Now()})
	r.updateDepth()
	r.observe(OutcomeQueued)
	r.logger.WithError(err).Warn("event processing failed, queued for retry",
		"error_type", errors.TypeOf(err),
		"retry_depth", r.queue.Len(),
	)
	r.fail(err)
}

// AttemptRecovery retries queued events head to tail. It skips work while the
// head is still backing off and stops at the first repeat failure so order is
// preserved and a struggling dependency is not hammered.
func (r *Runner[T]) AttemptRecovery(ctx context.Context) {
	if r.disabled.Load() {
		return
	}
	now := r.cfg.Clock.Now()

	for {
		entry, ok := r.queue.Peek()
		if !ok {
			return
		}
		if !r.cfg.Policy.Eligible(entry.Attempts, entry.LastAttempt, now) {
			return
		}

		err := r.handler.Process(ctx, entry.Item)
		if err == nil {
			r.queue.Pop()
			r.updateDepth()
			r.observe(OutcomeRetried)
			r.succeed()
			continue
		}

		r.lastErr.Store(err.Error())
		if errors.IsPermanent(err) {
			r.queue.Pop()
			r.updateDepth()
			r.reject(err)
			continue
		}

		entry.Attempts++
		entry.LastAttempt = now
		if entry.Attempts >= r.cfg.Policy.MaxRetries {
			r.queue.Pop()
			r.updateDepth()
			r.discarded.Add(1)
			r.observe(OutcomeDiscarded)
			r.logger.WithError(err).Error("retry budget exhausted, discarding event",
				"attempts", entry.Attempts)
		} else {
			r.queue.UpdateHead(entry)
			r.logger.WithError(err).Debug("retry failed",
				"attempts", entry.Attempts,
				"next_wait", r.cfg.Policy.Wait(entry.Attempts))
		}
		r.fail(err)
		return
	}
}

// closeIntake stops Submit and Post. It waits for in-flight senders, so every
// item they reported as accepted is already buffered when it returns.
func (r *Runner[T]) closeIntake() {
	r.gate.Lock()
	r.accepting.Store(false)
	r.gate.Unlock()
}

// drain stops intake, processes everything already in the inbox, then retries
// the queue synchronously until it is empty or the shutdown deadline passes.
func (r *Runner[T]) drain(ctx context.Context) {
	r.closeIntake()
	r.setState(StateDraining)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	r.logger.Info("coordinator draining", "inbox", len(r.inbox), "retry_depth", r.queue.Len())

inbox:
	for {
		select {
		case item := <-r.inbox:
			r.handle(ctx, item)
		case fn := <-r.calls:
			fn(ctx)
		default:
			break inbox
		}
	}

	for r.queue.Len() > 0 && ctx.Err() == nil {
		entry, _ := r.queue.Peek()
		err := r.handler.Process(ctx, entry.Item)
		switch {
		case err == nil:
			r.queue.Pop()
			r.observe(OutcomeRetried)
			r.processed.Add(1)
		case errors.IsPermanent(err):
			r.queue.Pop()
			r.reject(err)
		default:
			entry.Attempts++
			if entry.Attempts >= r.cfg.Policy.MaxRetries {
				r.queue.Pop()
				r.updateDepth()
				r.discarded.Add(1)
				r.observe(OutcomeDiscarded)
				continue
			}
			r.queue.UpdateHead(entry)
			timer := time.NewTimer(r.cfg.Policy.Wait(entry.Attempts))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		r.updateDepth()
	}

	if n := r.queue.Len(); n > 0 {
		r.logger.Error("shutdown deadline reached with pending events", "abandoned", n)
	}

	r.setState(StateTerminated)
	r.emit(r.Snapshot())
	r.logger.Info("coordinator terminated",
		"processed", r.processed.Load(),
		"rejected", r.rejected.Load(),
		"dropped", r.dropped.Load(),
	)
}

func (r *Runner[T]) succeed() {
	r.processed.Add(1)
	r.breaker.Record(nil)
	r.observe(OutcomeProcessed)
}

func (r *Runner[T]) reject(err error) {
	r.rejected.Add(1)
	r.observe(OutcomeRejected)
	r.logger.WithError(err).Warn("event rejected",
		"error_type", errors.TypeOf(err))
}

func (r *Runner[T]) fail(err error) {
	if !r.breaker.Record(err) {
		return
	}

	r.disabled.Store(true)
	r.setState(StateDisabled)
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveDisabled(r.cfg.Name, true)
	}
	r.logger.WithError(err).Error("coordinator self-disabled after consecutive failures",
		"max_retries", r.cfg.Policy.MaxRetries,
		"retry_depth", r.queue.Len(),
	)
	r.emit(r.Snapshot())
}

func (r *Runner[T]) emit(s Status) {
	select {
	case r.statuses <- s:
	default:
	}
}

func (r *Runner[T]) setState(s State) {
	if s != StateTerminated && s != StateDraining && r.disabled.Load() {
		s = StateDisabled
	}
	r.state.Store(s)
}

func (r *Runner[T]) updateDepth() {
	r.depth.Store(int64(r.queue.Len()))
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveRetryDepth(r.cfg.Name, r.queue.Len())
	}
}

func (r *Runner[T]) observe(outcome string) {
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveResult(r.cfg.Name, outcome)
	}
}
