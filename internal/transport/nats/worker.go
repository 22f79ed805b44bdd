// Package nats dispatches scheduler.Task attempts to remote workers over
// NATS request/reply, the way the teacher's plugin executors dispatched
// task bodies to external systems, but carried over a message broker
// instead of in-process HTTP/exec calls.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natslib "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parallax-systems/taskmesh/internal/natsctx"
	"github.com/parallax-systems/taskmesh/internal/resilience"
	"github.com/parallax-systems/taskmesh/internal/store"
	"github.com/parallax-systems/taskmesh/scheduler"
)

// subjectPrefix namespaces dispatch subjects so multiple taskmesh
// deployments can share a NATS cluster.
const subjectPrefix = "taskmesh.dispatch."

// Request is the wire payload sent to a worker on dispatch.
type Request struct {
	TaskID  string          `json:"task_id"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the wire payload a worker sends back on completion.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Worker is a remote execution endpoint addressed by a NATS subject.
type Worker struct {
	name    scheduler.WorkerName
	subject string
}

// NewWorker names a worker and the NATS subject its subscriber listens on.
func NewWorker(name scheduler.WorkerName, subject string) Worker {
	return Worker{name: name, subject: subject}
}

func (w Worker) Name() scheduler.WorkerName { return w.name }

// Dispatcher sends scheduler.Task dispatch requests to Workers over nc,
// guarding each worker with its own circuit breaker and a shared rate
// limiter so one flaky worker cannot starve the others' retry budget.
type Dispatcher struct {
	nc      *natslib.Conn
	tracer  trace.Tracer
	limiter *resilience.RateLimiter
	timeout time.Duration
	cache   *store.ResultCache[Reply]

	mu       sync.Mutex
	breakers map[scheduler.WorkerName]*resilience.CircuitBreaker
}

// NewDispatcher wraps an established NATS connection. timeout bounds a
// single request/reply round trip. cache is consulted by RemoteTask.Execute
// for any task constructed with a non-empty CacheKey, skipping the NATS
// round trip entirely on a hit; pass nil to disable caching.
func NewDispatcher(nc *natslib.Conn, limiter *resilience.RateLimiter, timeout time.Duration, cache *store.ResultCache[Reply]) *Dispatcher {
	return &Dispatcher{
		nc:       nc,
		tracer:   otel.Tracer("taskmesh-nats-dispatch"),
		limiter:  limiter,
		timeout:  timeout,
		cache:    cache,
		breakers: make(map[scheduler.WorkerName]*resilience.CircuitBreaker),
	}
}

func (d *Dispatcher) breakerFor(w scheduler.WorkerName) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[w]
	if !ok {
		cb = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)
		d.breakers[w] = cb
	}
	return cb
}

// dispatch sends one Request to worker and blocks on worker.subject for a
// Reply, reporting the outcome to that worker's circuit breaker.
func (d *Dispatcher) dispatch(ctx context.Context, w Worker, req Request) (Reply, error) {
	if d.nc == nil {
		return Reply{}, fmt.Errorf("nats: no connection available for worker %q", w.name)
	}
	cb := d.breakerFor(w.name)
	if !cb.Allow() {
		return Reply{}, fmt.Errorf("nats: circuit open for worker %q", w.name)
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return Reply{}, fmt.Errorf("nats: rate limit exceeded dispatching to %q", w.name)
	}

	ctx, span := d.tracer.Start(ctx, "nats.dispatch", trace.WithAttributes(
		attribute.String("task_id", req.TaskID),
		attribute.String("worker", string(w.name)),
		attribute.Int("attempt", req.Attempt),
	))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		cb.RecordResult(false)
		return Reply{}, fmt.Errorf("nats: encode request: %w", err)
	}

	msg, err := natsctx.Request(ctx, d.nc, w.subject, body, d.timeout)
	if err != nil {
		cb.RecordResult(false)
		span.RecordError(err)
		return Reply{}, fmt.Errorf("nats: request to %q: %w", w.subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		cb.RecordResult(false)
		return Reply{}, fmt.Errorf("nats: decode reply from %q: %w", w.subject, err)
	}
	if !reply.OK {
		cb.RecordResult(false)
		return reply, fmt.Errorf("nats: worker %q reported failure: %s", w.name, reply.Error)
	}
	cb.RecordResult(true)
	return reply, nil
}

// future is the scheduler.Future returned by RemoteTask.Execute. Completion
// always happens on a goroutine distinct from the caller of Execute, since
// the scheduler registers OnComplete while holding its own lock.
type future struct {
	mu   sync.Mutex
	done bool
	cb   func()
}

func (f *future) OnComplete(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		go cb()
		return
	}
	f.cb = cb
}

func (f *future) complete() {
	f.mu.Lock()
	cb := f.cb
	f.done = true
	f.mu.Unlock()
	if cb != nil {
		go cb()
	}
}

// RemoteTask adapts a caller-defined unit of work to scheduler.Task,
// dispatching execution to a NATS worker and tracking per-attempt outcome
// state the way the scheduler's resolver expects to read it back.
type RemoteTask struct {
	dispatcher *Dispatcher

	id           scheduler.TaskID
	priority     int
	dependencies []scheduler.TaskID
	dependents   []scheduler.TaskID
	payload      json.RawMessage
	locality     []scheduler.LocalityScore
	cacheKey     string

	mu          sync.Mutex
	attempt     int
	executedOn  []scheduler.WorkerName
	failed      bool
	err         error
	cancel      context.CancelFunc
	stoppedOn   scheduler.WorkerName
	hasStopped  bool
}

// RemoteTaskConfig describes a task body at construction time. Dependencies
// and Dependents are set separately once the full graph is known (mirroring
// how the scheduler's own tests wire up fakeTask). CacheKey, when non-empty,
// makes the task's result cacheable across runs via the dispatcher's
// ResultCache: a cache hit resolves Execute's Future without a NATS round
// trip, and a successful dispatch populates the cache for later attempts.
type RemoteTaskConfig struct {
	ID        scheduler.TaskID
	Priority  int
	Payload   json.RawMessage
	Locality  []scheduler.LocalityScore
	StoppedOn scheduler.WorkerName
	Stopped   bool
	CacheKey  string
}

// NewRemoteTask constructs a RemoteTask bound to dispatcher.
func NewRemoteTask(dispatcher *Dispatcher, cfg RemoteTaskConfig) *RemoteTask {
	return &RemoteTask{
		dispatcher: dispatcher,
		id:         cfg.ID,
		priority:   cfg.Priority,
		payload:    cfg.Payload,
		locality:   cfg.Locality,
		stoppedOn:  cfg.StoppedOn,
		hasStopped: cfg.Stopped,
		cacheKey:   cfg.CacheKey,
	}
}

func (t *RemoteTask) ID() scheduler.TaskID          { return t.id }
func (t *RemoteTask) Priority() int                 { return t.priority }
func (t *RemoteTask) Dependencies() []scheduler.TaskID { return t.dependencies }
func (t *RemoteTask) Dependents() []scheduler.TaskID   { return t.dependents }

// SetEdges is called once by the daemon after every RemoteTask in a
// workflow has been constructed, to wire the DAG edges the scheduler reads.
func (t *RemoteTask) SetEdges(dependencies, dependents []scheduler.TaskID) {
	t.dependencies = dependencies
	t.dependents = dependents
}

func (t *RemoteTask) StoppedOn() (scheduler.WorkerName, bool) { return t.stoppedOn, t.hasStopped }

func (t *RemoteTask) ExecutedOnLast() (scheduler.WorkerName, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.executedOn) == 0 {
		return "", false
	}
	return t.executedOn[len(t.executedOn)-1], true
}

func (t *RemoteTask) ExecutedOn() []scheduler.WorkerName {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]scheduler.WorkerName, len(t.executedOn))
	copy(out, t.executedOn)
	return out
}

func (t *RemoteTask) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *RemoteTask) Exception() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *RemoteTask) MarkFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	t.err = err
}

func (t *RemoteTask) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *RemoteTask) Locality(workers []scheduler.WorkerName) []scheduler.LocalityScore {
	if t.locality != nil {
		return t.locality
	}
	scores := make([]scheduler.LocalityScore, 0, len(workers))
	for _, w := range workers {
		scores = append(scores, scheduler.LocalityScore{Worker: w, Score: 1})
	}
	return scores
}

// Execute sends the task's payload to worker over NATS and returns a
// Future that completes once the reply (or a transport error) arrives. If
// the task carries a CacheKey and the dispatcher has a ResultCache, a cache
// hit resolves the Future immediately without a NATS round trip.
func (t *RemoteTask) Execute(ctx context.Context, worker scheduler.WorkerName) scheduler.Future {
	t.mu.Lock()
	t.attempt++
	t.executedOn = append(t.executedOn, worker)
	t.failed = false
	t.err = nil
	t.mu.Unlock()

	if t.cacheKey != "" && t.dispatcher.cache != nil {
		if reply, hit := t.dispatcher.cache.Get(t.cacheKey); hit {
			if !reply.OK {
				t.MarkFailed(fmt.Errorf("nats: worker %q reported failure: %s", worker, reply.Error))
			}
			f := &future{}
			f.complete()
			return f
		}
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	attempt := t.attempt
	t.cancel = cancel
	t.mu.Unlock()

	f := &future{}
	w := NewWorker(worker, subjectPrefix+string(worker))
	req := Request{TaskID: string(t.id), Attempt: attempt, Payload: t.payload}

	go func() {
		defer cancel()
		reply, err := t.dispatcher.dispatch(dispatchCtx, w, req)
		if err != nil {
			if dispatchCtx.Err() == context.Canceled {
				slog.Debug("dispatch canceled", "task", t.id, "worker", worker)
			} else {
				t.MarkFailed(err)
			}
		} else if t.cacheKey != "" && t.dispatcher.cache != nil {
			t.dispatcher.cache.Put(t.cacheKey, reply)
		}
		f.complete()
	}()

	return f
}
