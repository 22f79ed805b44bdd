package scheduler

import (
	"context"
	"errors"
	"fmt"
)

// classifyLocked performs the one-time classification pass of spec.md §4.1:
// resolve locality/forbidden for every task against every worker, mark
// already-materialized tasks executed, partition the rest into
// blocked/executable, fail fast if there are no entry points, and seed the
// worker-ready FIFO. Workers are processed in the order given to New, so
// that order controls which worker gets first refusal of a task when more
// than one is free (see assignment engine, §4.3).
func (s *Scheduler) classifyLocked() error {
	for _, id := range s.order {
		rec := s.tasks[id]
		for _, ls := range rec.task.Locality(s.workerOrder) {
			switch {
			case ls.Score > 0:
				m := s.locality[ls.Worker]
				if m == nil {
					m = make(map[TaskID]int)
					s.locality[ls.Worker] = m
				}
				m[id] = ls.Score
			case ls.Score < 0:
				m := s.forbidden[id]
				if m == nil {
					m = make(map[WorkerName]struct{})
					s.forbidden[id] = m
				}
				m[ls.Worker] = struct{}{}
			}
		}
	}

	allForbiddenEverywhere := len(s.order) > 0
	for _, id := range s.order {
		if len(s.forbidden[id]) < len(s.workers) {
			allForbiddenEverywhere = false
			break
		}
	}
	if allForbiddenEverywhere {
		return errors.New("scheduler: all workers forbidden")
	}

	// Pass 1: materialize already-stopped tasks so dependency resolution
	// below sees their final status regardless of iteration order.
	for _, id := range s.order {
		rec := s.tasks[id]
		if _, stopped := rec.task.StoppedOn(); stopped {
			rec.status = statusExecuted
			s.done(DoneResult{Task: rec.task})
		}
	}

	// Pass 2: partition the remaining tasks into blocked/executable. Every
	// worker is still live and workers_idle is still empty here, so
	// setExecutableLocked's idle re-admission branch is inert; calling it
	// keeps this pass and later rescheduling sharing one code path.
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.status == statusExecuted {
			continue
		}
		for _, dep := range rec.task.Dependencies() {
			depRec, ok := s.tasks[dep]
			if !ok {
				return fmt.Errorf("scheduler: task %q depends on unknown task %q", id, dep)
			}
			if depRec.status != statusExecuted {
				rec.blockedOn[dep] = struct{}{}
			}
		}
		if len(rec.blockedOn) > 0 {
			rec.status = statusBlocked
			continue
		}
		s.setExecutableLocked(id)
	}

	if s.executable.Len() == 0 {
		allExecuted := true
		for _, id := range s.order {
			if s.tasks[id].status != statusExecuted {
				allExecuted = false
				break
			}
		}
		if !allExecuted {
			return errors.New("scheduler: no executable entry points")
		}
	}

	for _, w := range s.workerOrder {
		for i := 0; i < s.concurrency; i++ {
			s.workersReady = append(s.workersReady, w)
		}
	}
	s.cond.Broadcast()

	return nil
}

// loop is the single driver goroutine's body (spec.md §4.2): wait for a
// ready worker slot or abort, then dispatch or park the worker.
func (s *Scheduler) loop() {
	for {
		s.mu.Lock()
		exit := s.stepLocked()
		s.mu.Unlock()
		if exit {
			return
		}
	}
}

func (s *Scheduler) stepLocked() (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			s.abortLocked(panicToErr(r))
			exit = false // re-enter the loop; the abort branch will exit cleanly next pass
		}
	}()

	for len(s.workersReady) == 0 && !s.aborted {
		s.cond.Wait()
	}

	if s.aborted {
		s.cancelExecutingLocked()
		return true
	}

	w := s.workersReady[0]
	s.workersReady = s.workersReady[1:]

	if _, failed := s.workersFailed[w]; failed {
		return false
	}

	if s.executable.Len() == 0 && len(s.executing) == 0 {
		return true
	}

	task, ok := s.selectTaskLocked(w)
	if !ok {
		s.workersIdle[w] = struct{}{}
		return false
	}

	s.dispatchLocked(task, w)
	return false
}

// dispatchLocked removes task from the executable indexes, marks it
// executing, and calls Task.Execute. It is called with s.mu held.
func (s *Scheduler) dispatchLocked(task Task, w WorkerName) {
	id := task.ID()
	rec := s.tasks[id]
	s.executable.Remove(id)
	for _, set := range s.executableOn {
		set.Remove(id)
	}
	rec.status = statusExecuting
	s.executing[id] = struct{}{}

	s.dispatchCounter.Add(context.Background(), 1)

	dispatchCtx, span := s.tracer.Start(context.Background(), "scheduler.dispatch")
	span.SetAttributes(dispatchAttrs(id, w)...)

	future, synchronousFailure := s.invokeExecute(dispatchCtx, task, w)
	span.End()

	if synchronousFailure {
		s.handleCompletionLocked(task, w)
		return
	}
	if future == nil {
		// Dispatch was interrupted by cancellation before producing a
		// future. The task stays in `executing`; its completion will
		// still arrive through whatever callback the transport layer
		// ultimately fires.
		return
	}

	future.OnComplete(func() {
		s.withLock(func() {
			if s.aborted {
				return // late callback after abort; driver loop has already exited
			}
			s.handleCompletionLocked(task, w)
		})
	})
}

// invokeExecute guards Task.Execute against a synchronous panic, treating a
// panic that wraps context.Canceled as the "cancellation absorbed silently"
// case of spec.md §4.2 and any other panic as a synchronous dispatch
// failure: the task is marked failed via MarkFailed and the caller handles
// it like any other failed attempt.
func (s *Scheduler) invokeExecute(ctx context.Context, task Task, w WorkerName) (future Future, synchronousFailure bool) {
	defer func() {
		if r := recover(); r != nil {
			err := panicToErr(r)
			if errors.Is(err, context.Canceled) {
				future = nil
				synchronousFailure = false
				return
			}
			task.MarkFailed(err)
			future = nil
			synchronousFailure = true
		}
	}()
	future = task.Execute(ctx, w)
	return future, false
}

// handleCompletionLocked implements spec.md §4.5 task_done.
func (s *Scheduler) handleCompletionLocked(task Task, w WorkerName) {
	id := task.ID()
	delete(s.executing, id)
	s.completionCounter.Add(context.Background(), 1)

	if !task.Failed() {
		s.onTaskSucceededLocked(task)
	} else {
		s.taskFailedLocked(task)
	}

	s.workersReady = append(s.workersReady, w)
	s.cond.Signal()
}

func (s *Scheduler) onTaskSucceededLocked(task Task) {
	id := task.ID()
	rec := s.tasks[id]
	rec.status = statusExecuted
	s.done(DoneResult{Task: task})

	for _, depID := range task.Dependents() {
		depRec, ok := s.tasks[depID]
		if !ok {
			continue // caller-owned graph; tolerate stale dependent references
		}
		delete(depRec.blockedOn, id)
		if len(depRec.blockedOn) == 0 && depRec.status == statusBlocked {
			s.setExecutableLocked(depID)
		}
	}
}
