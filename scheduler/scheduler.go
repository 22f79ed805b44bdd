package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DoneResult is delivered to a DoneFunc. Task is non-nil for a per-task
// completion event (a success, or an attempt that failed with a generic
// error, whether it is retried or exhausts the attempts budget); Err
// carries that attempt's error. Terminal is true exactly once, for the run's final
// outcome, at which point Task is nil and Err carries the run's fatal
// cause (nil on a clean run, a sentinel "aborted" error if Abort was
// called without a specific cause).
type DoneResult struct {
	Task     Task
	Err      error
	Terminal bool
}

// DoneFunc is invoked at most once per task attempt's terminal outcome and
// exactly once more, with Terminal set, by Run after the scheduling loop
// exits and just before Run returns. A Run that fails its classification
// pass returns that error without a Terminal call. Retried tasks
// may produce several non-terminal calls for the same task id; callers
// must tolerate that.
type DoneFunc func(DoneResult)

// Options configures a Scheduler. Tracer and Meter are optional; when nil,
// no-op implementations are used so the core never requires a live
// collector.
type Options struct {
	// Concurrency is the number of simultaneous dispatch slots per worker.
	// Must be >= 1; values <= 0 default to 1.
	Concurrency int
	// Attempts is the maximum number of executions a task may receive
	// before a generic failure is declared terminal. Must be >= 1; values
	// <= 0 default to 1.
	Attempts int

	Tracer trace.Tracer
	Meter  metric.Meter
}

// Scheduler drives a fixed task DAG to completion across a worker pool,
// implementing the readiness tracker, assignment engine, and failure
// resolver described in the package's design notes.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	tasks map[TaskID]*taskRecord
	order []TaskID

	executable *orderedSet

	workers      map[WorkerName]Worker
	workerOrder  []WorkerName
	executableOn map[WorkerName]*orderedSet
	locality     map[WorkerName]map[TaskID]int
	forbidden    map[TaskID]map[WorkerName]struct{}

	executing map[TaskID]struct{}

	workersReady  []WorkerName
	workersIdle   map[WorkerName]struct{}
	workersFailed map[WorkerName]struct{}

	concurrency int
	attempts    int

	done DoneFunc

	aborted  bool
	fatalErr error

	tracer trace.Tracer

	dispatchCounter   metric.Int64Counter
	completionCounter metric.Int64Counter
	retryCounter      metric.Int64Counter
	workerLossCounter metric.Int64Counter
}

// New registers tasks (sorted by ascending priority) and workers, validating
// construction-time invariants from spec.md §4.1: the task set must be
// non-empty, task ids must be unique, and at least one worker must be
// supplied. Classification (locality, blocked/executable partitioning)
// happens later, in Run.
func New(tasks []Task, workers []Worker, done DoneFunc, opts Options) (*Scheduler, error) {
	if len(tasks) == 0 {
		return nil, errors.New("scheduler: task set must not be empty")
	}
	if len(workers) == 0 {
		return nil, errors.New("scheduler: worker set must not be empty")
	}
	if done == nil {
		return nil, errors.New("scheduler: done callback is required")
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	sorted := append([]Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	s := &Scheduler{
		tasks:         make(map[TaskID]*taskRecord, len(sorted)),
		order:         make([]TaskID, 0, len(sorted)),
		workers:       make(map[WorkerName]Worker, len(workers)),
		executableOn:  make(map[WorkerName]*orderedSet, len(workers)),
		locality:      make(map[WorkerName]map[TaskID]int),
		forbidden:     make(map[TaskID]map[WorkerName]struct{}),
		executing:     make(map[TaskID]struct{}),
		workersIdle:   make(map[WorkerName]struct{}),
		workersFailed: make(map[WorkerName]struct{}),
		concurrency:   concurrency,
		attempts:      attempts,
		done:          done,
		tracer:        opts.Tracer,
	}
	s.cond = sync.NewCond(&s.mu)

	if s.tracer == nil {
		s.tracer = tracenoop.NewTracerProvider().Tracer("taskmesh-scheduler")
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("taskmesh-scheduler")
	}
	s.dispatchCounter, _ = meter.Int64Counter("taskmesh_scheduler_dispatches_total")
	s.completionCounter, _ = meter.Int64Counter("taskmesh_scheduler_completions_total")
	s.retryCounter, _ = meter.Int64Counter("taskmesh_scheduler_retries_total")
	s.workerLossCounter, _ = meter.Int64Counter("taskmesh_scheduler_worker_losses_total")

	for _, t := range sorted {
		id := t.ID()
		if _, exists := s.tasks[id]; exists {
			return nil, fmt.Errorf("scheduler: duplicate task id %q", id)
		}
		s.tasks[id] = newTaskRecord(t)
		s.order = append(s.order, id)
	}

	s.executable = newOrderedSet(s.lessByPriority)
	for _, w := range workers {
		name := w.Name()
		if _, exists := s.workers[name]; exists {
			return nil, fmt.Errorf("scheduler: duplicate worker name %q", name)
		}
		s.workers[name] = w
		s.workerOrder = append(s.workerOrder, name)
		s.executableOn[name] = newOrderedSet(s.lessByLocality(name))
	}

	return s, nil
}

func (s *Scheduler) lessByPriority(a, b TaskID) bool {
	pa, pb := s.tasks[a].task.Priority(), s.tasks[b].task.Priority()
	if pa != pb {
		return pa < pb
	}
	return a < b
}

func (s *Scheduler) lessByLocality(w WorkerName) func(a, b TaskID) bool {
	return func(a, b TaskID) bool {
		la, lb := s.locality[w][a], s.locality[w][b]
		if la != lb {
			return la > lb // descending locality score
		}
		return s.lessByPriority(a, b)
	}
}

func (s *Scheduler) isForbiddenLocked(id TaskID, w WorkerName) bool {
	_, forbidden := s.forbidden[id][w]
	return forbidden
}

func (s *Scheduler) allWorkersFailedLocked() bool {
	return len(s.workers) > 0 && len(s.workersFailed) >= len(s.workers)
}

// Run performs the §4.1 classification pass and then drives the scheduling
// loop to completion or abort, returning the same fatal cause delivered to
// the terminal DoneResult (nil on a clean run).
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if err := s.classifyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Abort(ctx.Err())
		case <-stopWatch:
		}
	}()

	s.loop()
	close(stopWatch)

	s.mu.Lock()
	var result error
	switch {
	case s.fatalErr != nil:
		result = s.fatalErr
	case s.aborted:
		result = &errAborted{}
	}
	s.mu.Unlock()

	s.done(DoneResult{Terminal: true, Err: result})
	return result
}

// Abort asynchronously stops the run. Safe to call from any goroutine,
// including from within a Task's own callback.
func (s *Scheduler) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(err)
}

func (s *Scheduler) abortLocked(err error) {
	s.aborted = true
	if err != nil && s.fatalErr == nil {
		s.fatalErr = err
	}
	s.cond.Broadcast()
}

func (s *Scheduler) cancelExecutingLocked() {
	for id := range s.executing {
		s.tasks[id].task.Cancel()
	}
}

// withLock runs fn under the scheduler's mutex, converting a panicking
// internal invariant violation (see fatalf) into an abort rather than
// crashing the callback's goroutine, per spec.md §4.5 ("Any exception
// escaping this routine calls abort(exc)").
func (s *Scheduler) withLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.abortLocked(panicToErr(r))
		}
	}()
	fn()
}

type fatalInvariantError struct{ msg string }

func (e *fatalInvariantError) Error() string { return e.msg }

func (s *Scheduler) fatalf(format string, args ...any) {
	panic(&fatalInvariantError{msg: fmt.Sprintf(format, args...)})
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

func dispatchAttrs(id TaskID, w WorkerName) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task_id", string(id)),
		attribute.String("worker", string(w)),
	}
}
