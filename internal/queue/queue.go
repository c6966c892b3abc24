// Package queue runs background jobs on a fixed pool of workers.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
)

var (
	// ErrQueueClosed resolves jobs that were still queued when the queue stopped,
	// and rejects jobs added afterwards.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNoHandler is returned when adding a job of an unregistered type.
	ErrNoHandler = errors.New("no handler registered for job type")
	// ErrPanic wraps a panic recovered from a handler.
	ErrPanic = errors.New("job panicked")
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Handler executes the payload of one job type.
type Handler func(ctx context.Context, payload any) (any, error)

// Listener observes every job's terminal result.
type Listener func(Result)

// Result is the terminal outcome of a job.
type Result struct {
	JobID      string
	Type       model.JobType
	State      State
	Payload    any
	Value      any
	Err        error
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the time the job spent running.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stats is a snapshot of queue load.
type Stats struct {
	Pending                 int   `json:"pending"`
	Processing              int   `json:"processing"`
	Succeeded               int64 `json:"succeeded"`
	Failed                  int64 `json:"failed"`
	AverageProcessingTimeMs int64 `json:"average_processing_time_ms"`
}

// Ticket is the caller's handle on an enqueued job. It resolves exactly once.
type Ticket struct {
	ID string

	done   chan struct{}
	result Result
}

// Done is closed once the job reached a terminal state.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the terminal result; it is only meaningful after Done is closed.
func (t *Ticket) Result() Result {
	<-t.done
	return t.result
}

// Wait blocks until the job finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type job struct {
	ticket     *Ticket
	typ        model.JobType
	payload    any
	priority   int
	seq        uint64
	enqueuedAt time.Time
}

// Queue is a priority job queue served by a fixed number of workers.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	jobs     jobHeap
	seq      uint64
	closed   bool
	started  bool
	handlers map[model.JobType]Handler

	listenersMu sync.RWMutex
	listeners   []Listener

	workers    int
	processing int
	succeeded  int64
	failed     int64
	totalTime  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue with the given number of workers (at least one).
func New(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		handlers: make(map[model.JobType]Handler),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Handle registers the handler for a job type. It must be called before Start.
func (q *Queue) Handle(t model.JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[t] = h
}

// Subscribe registers a listener invoked for every job's terminal result.
// Listeners run on the worker that finished the job and must not block for long.
func (q *Queue) Subscribe(l Listener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()

	q.listeners = append(q.listeners, l)
}

// Start launches the workers. Jobs added before Start wait until then.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}

	zlog.Logger.Info().Int("workers", q.workers).Msg("processing queue started")
}

// AddJob enqueues a job and returns immediately. Higher priority runs first;
// equal priorities run in insertion order.
func (q *Queue) AddJob(t model.JobType, payload any, priority int) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if _, ok := q.handlers[t]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}

	q.seq++
	j := &job{
		ticket:     &Ticket{ID: uuid.NewString(), done: make(chan struct{})},
		typ:        t,
		payload:    payload,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	}
	heap.Push(&q.jobs, j)
	q.cond.Signal()

	return j.ticket, nil
}

// Stats returns a snapshot of queue load in constant time.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:    q.jobs.Len(),
		Processing: q.processing,
		Succeeded:  q.succeeded,
		Failed:     q.failed,
	}
	if n := q.succeeded + q.failed; n > 0 {
		s.AverageProcessingTimeMs = q.totalTime.Milliseconds() / n
	}

	return s
}

// Stop stops accepting jobs, fails every job still queued with ErrQueueClosed
// and waits for running jobs to finish. When ctx expires first, running handlers
// see their context canceled and Stop returns ctx.Err().
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := make([]*job, 0, q.jobs.Len())
	for q.jobs.Len() > 0 {
		pending = append(pending, heap.Pop(&q.jobs).(*job))
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	now := time.Now()
	for _, j := range pending {
		q.finish(j, Result{
			JobID:      j.ticket.ID,
			Type:       j.typ,
			State:      StateFailed,
			Payload:    j.payload,
			Err:        ErrQueueClosed,
			EnqueuedAt: j.enqueuedAt,
			FinishedAt: now,
		})
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for q.jobs.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}

		j := heap.Pop(&q.jobs).(*job)
		h := q.handlers[j.typ]
		q.processing++
		q.mu.Unlock()

		res := q.run(j, h)

		q.mu.Lock()
		q.processing--
		q.totalTime += res.Duration()
		if res.State == StateSucceeded {
			q.succeeded++
		} else {
			q.failed++
		}
		q.mu.Unlock()

		q.finish(j, res)
	}
}

func (q *Queue) run(j *job, h Handler) (res Result) {
	res = Result{
		JobID:      j.ticket.ID,
		Type:       j.typ,
		State:      StateRunning,
		Payload:    j.payload,
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}

		res.FinishedAt = time.Now()
		if res.Err != nil {
			res.State = StateFailed
		} else {
			res.State = StateSucceeded
		}
	}()

	res.Value, res.Err = h(q.ctx, j.payload)

	return res
}

// finish resolves the ticket and notifies listeners. It runs once per job.
func (q *Queue) finish(j *job, res Result) {
	j.ticket.result = res
	close(j.ticket.done)

	if res.Err != nil {
		zlog.Logger.Warn().
			Err(res.Err).
			Str("job_id", res.JobID).
			Str("job_type", string(res.Type)).
			Msg("job failed")
	}

	q.listenersMu.RLock()
	listeners := q.listeners
	q.listenersMu.RUnlock()

	for _, l := range listeners {
		q.notify(l, res)
	}
}

func (q *Queue) notify(l Listener, res Result) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().
				Str("job_id", res.JobID).
				Msgf("job listener panicked: %v", r)
		}
	}()

	l(res)
}
