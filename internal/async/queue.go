package async

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimerID names a kind of delayed operation so tests can find and run it.
type TimerID string

const (
	TimerAll                   TimerID = "all"
	TimerListenStreamIdle      TimerID = "listen_stream_idle"
	TimerListenStreamBackoff   TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle       TimerID = "write_stream_idle"
	TimerWriteStreamBackoff    TimerID = "write_stream_connection_backoff"
	TimerOnlineStateTimeout    TimerID = "online_state_timeout"
	TimerClientMetadataRefresh TimerID = "client_metadata_refresh"
	TimerLruGCInitial          TimerID = "lru_garbage_collection_initial"
	TimerLruGC                 TimerID = "lru_garbage_collection"
	TimerTransactionRetry      TimerID = "transaction_retry"
	TimerIndexBackfill         TimerID = "index_backfill"
	TimerSharedStatePoll       TimerID = "shared_state_poll"
)

// ErrQueueShutdown is returned for operations enqueued after the queue
// entered restricted mode.
var ErrQueueShutdown = errors.New("async queue is shutting down")

// QueueFailedError is returned for every operation once an earlier
// operation panicked.
type QueueFailedError struct {
	Cause any
}

func (e *QueueFailedError) Error() string {
	return fmt.Sprintf("async queue failed: internal error: %v", e.Cause)
}

type task struct {
	run    func() error
	result *Future[struct{}]
}

// Queue executes operations one at a time on a dedicated goroutine, in the
// order they were enqueued. All client state is mutated only from queue
// operations, which removes the need for locks in the engine.
//
// Example:
//
//	q := async.NewQueue()
//	defer q.Shutdown()
//	err := q.Enqueue(func() error {
//	    return syncEngine.Listen(query)
//	}).Wait(ctx)
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	pending    []task
	restricted bool
	stopped    bool
	failure    *QueueFailedError
	inProgress bool
	delayed    []*DelayedOperation
	timersSkip map[TimerID]bool
	done       chan struct{}
}

// NewQueue starts a queue.
func NewQueue() *Queue {
	q := &Queue{
		timersSkip: make(map[TimerID]bool),
		done:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.stopped {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		failure := q.failure
		q.inProgress = true
		q.mu.Unlock()

		if failure != nil {
			t.result.Reject(failure)
		} else {
			t.result.Settle(struct{}{}, q.execute(t.run))
		}

		q.mu.Lock()
		q.inProgress = false
		q.mu.Unlock()
	}
}

func (q *Queue) execute(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			failure := &QueueFailedError{Cause: r}
			q.mu.Lock()
			if q.failure == nil {
				q.failure = failure
			}
			q.mu.Unlock()
			err = failure
		}
	}()
	return run()
}

func (q *Queue) push(run func() error, evenWhileRestricted bool) *Future[struct{}] {
	f := NewFuture[struct{}]()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || (q.restricted && !evenWhileRestricted) {
		f.Reject(ErrQueueShutdown)
		return f
	}
	q.pending = append(q.pending, task{run: run, result: f})
	q.cond.Signal()
	return f
}

// Enqueue schedules fn after every operation enqueued before it.
func (q *Queue) Enqueue(fn func() error) *Future[struct{}] {
	return q.push(fn, false)
}

// EnqueueAndForget schedules fn and discards its result.
func (q *Queue) EnqueueAndForget(fn func() error) {
	q.push(fn, false)
}

// EnqueueEvenWhileRestricted schedules fn even after EnterRestrictedMode.
// Shutdown work uses it.
func (q *Queue) EnqueueEvenWhileRestricted(fn func() error) *Future[struct{}] {
	return q.push(fn, true)
}

// Submit schedules fn on q and returns its value.
func Submit[T any](q *Queue, fn func() (T, error)) *Future[T] {
	out := NewFuture[T]()
	done := q.Enqueue(func() error {
		v, err := fn()
		out.Settle(v, err)
		return err
	})
	go func() {
		if _, err := done.Result(); err != nil {
			out.Reject(err)
		}
	}()
	return out
}

// EnterRestrictedMode rejects every later Enqueue. Operations already queued
// still run.
func (q *Queue) EnterRestrictedMode() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restricted = true
	for _, op := range q.delayed {
		op.timer.Stop()
		op.result.Reject(ErrQueueShutdown)
	}
	q.delayed = nil
}

// IsShuttingDown reports whether the queue is restricted.
func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.restricted
}

// Shutdown restricts the queue, runs what is already queued and stops the
// goroutine. It blocks until the goroutine has exited.
func (q *Queue) Shutdown() {
	q.EnterRestrictedMode()
	q.mu.Lock()
	q.stopped = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

// VerifyOperationInProgress fails when called outside a queue operation.
func (q *Queue) VerifyOperationInProgress() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inProgress {
		return errors.New("expected to be called by the async queue")
	}
	return nil
}

// Failure returns the panic that failed the queue, if any.
func (q *Queue) Failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failure == nil {
		return nil
	}
	return q.failure
}

// DelayedOperation is an operation scheduled to run on the queue later.
type DelayedOperation struct {
	queue    *Queue
	id       TimerID
	targetAt time.Time
	run      func() error
	timer    *time.Timer
	result   *Future[struct{}]
	once     sync.Once
}

// TimerID returns the operation's kind.
func (d *DelayedOperation) TimerID() TimerID { return d.id }

// Result settles when the operation ran or was cancelled.
func (d *DelayedOperation) Result() *Future[struct{}] { return d.result }

// Cancel prevents the operation from running if it has not started.
func (d *DelayedOperation) Cancel() {
	d.queue.mu.Lock()
	removed := d.queue.removeDelayedLocked(d)
	d.queue.mu.Unlock()
	if removed {
		d.timer.Stop()
		d.result.Reject(fmt.Errorf("operation %s cancelled", d.id))
	}
}

// fire hands the operation to the queue at most once.
func (d *DelayedOperation) fire() {
	d.once.Do(func() {
		d.queue.mu.Lock()
		removed := d.queue.removeDelayedLocked(d)
		d.queue.mu.Unlock()
		if !removed {
			return
		}
		f := d.queue.push(d.run, false)
		go func() { d.result.Settle(f.Result()) }()
	})
}

func (q *Queue) removeDelayedLocked(d *DelayedOperation) bool {
	for i, op := range q.delayed {
		if op == d {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return true
		}
	}
	return false
}

// EnqueueAfterDelay schedules fn to run on the queue once delay has passed.
// Timers registered with SkipDelaysForTimer run immediately.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, fn func() error) *DelayedOperation {
	q.mu.Lock()
	if q.timersSkip[id] {
		delay = 0
	}
	d := &DelayedOperation{
		queue:    q,
		id:       id,
		targetAt: time.Now().Add(delay),
		run:      fn,
		result:   NewFuture[struct{}](),
	}
	if q.restricted {
		q.mu.Unlock()
		d.timer = time.NewTimer(0)
		d.timer.Stop()
		d.result.Reject(ErrQueueShutdown)
		return d
	}
	q.delayed = append(q.delayed, d)
	d.timer = time.AfterFunc(delay, d.fire)
	q.mu.Unlock()
	return d
}

// SkipDelaysForTimer makes later operations with id run without delay.
func (q *Queue) SkipDelaysForTimer(id TimerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timersSkip[id] = true
}

// ContainsDelayedOperation reports whether an operation with id is
// scheduled.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.delayed {
		if op.id == id {
			return true
		}
	}
	return false
}

// RunAllDelayedOperationsUntil runs every scheduled operation in target time
// order, up to and including the first one with lastID (or all of them for
// TimerAll), and waits for them to finish.
func (q *Queue) RunAllDelayedOperationsUntil(lastID TimerID) *Future[struct{}] {
	q.mu.Lock()
	ops := append([]*DelayedOperation(nil), q.delayed...)
	q.mu.Unlock()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].targetAt.Before(ops[j].targetAt) })

	if lastID != TimerAll {
		found := false
		for i, op := range ops {
			if op.id == lastID {
				ops = ops[:i+1]
				found = true
				break
			}
		}
		if !found {
			return Rejected[struct{}](fmt.Errorf("attempted to run delayed operation %s but none was scheduled", lastID))
		}
	}

	var results []*Future[struct{}]
	for _, op := range ops {
		op.timer.Stop()
		op.fire()
		results = append(results, op.result)
	}
	return WaitForAll(results...)
}
