// Command taskmeshd is the taskmesh daemon: an HTTP API for registering
// DAG workflows, cron/event triggers that fire scheduler runs against
// them, and a NATS-backed dispatch layer to remote workers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	natslib "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parallax-systems/taskmesh/internal/config"
	"github.com/parallax-systems/taskmesh/internal/cronsched"
	"github.com/parallax-systems/taskmesh/internal/logging"
	"github.com/parallax-systems/taskmesh/internal/otelinit"
	"github.com/parallax-systems/taskmesh/internal/resilience"
	"github.com/parallax-systems/taskmesh/internal/runctl"
	"github.com/parallax-systems/taskmesh/internal/store"
	natstransport "github.com/parallax-systems/taskmesh/internal/transport/nats"
	"github.com/parallax-systems/taskmesh/scheduler"
)

// workflowSpec is the JSON shape accepted by POST /v1/workflows: a flat
// task list with string-keyed dependency edges, translated into
// natstransport.RemoteTask instances at run time.
type workflowSpec struct {
	Name  string       `json:"name"`
	Tasks []taskSpec   `json:"tasks"`
}

type taskSpec struct {
	ID        string          `json:"id"`
	Priority  int             `json:"priority"`
	DependsOn []string        `json:"depends_on"`
	Payload   json.RawMessage `json:"payload"`
	Workers   []string        `json:"workers"`  // preferred workers, in priority order; empty = any
	CacheKey  string          `json:"cache_key"` // non-empty opts this task's result into the dispatcher's ResultCache
}

type daemon struct {
	cfg        config.Config
	store      *store.Store
	dispatcher *natstransport.Dispatcher
	runs       *runctl.Manager
	trigger    *cronsched.Trigger
	meter      metric.Meter
	runCounter metric.Int64Counter
	runErrors  metric.Int64Counter
	runLatency metric.Float64Histogram
}

func (d *daemon) buildWorkers(spec workflowSpec) []scheduler.Worker {
	seen := make(map[string]struct{})
	var workers []scheduler.Worker
	for _, t := range spec.Tasks {
		for _, w := range t.Workers {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			workers = append(workers, natstransport.NewWorker(scheduler.WorkerName(w), "taskmesh.dispatch."+w))
		}
	}
	if len(workers) == 0 {
		workers = append(workers, natstransport.NewWorker("default", "taskmesh.dispatch.default"))
	}
	return workers
}

func (d *daemon) buildTasks(spec workflowSpec) ([]scheduler.Task, map[scheduler.TaskID]*natstransport.RemoteTask) {
	byID := make(map[scheduler.TaskID]*natstransport.RemoteTask, len(spec.Tasks))
	dependents := make(map[scheduler.TaskID][]scheduler.TaskID)

	for _, ts := range spec.Tasks {
		var locality []scheduler.LocalityScore
		for i, w := range ts.Workers {
			locality = append(locality, scheduler.LocalityScore{Worker: scheduler.WorkerName(w), Score: len(ts.Workers) - i})
		}
		rt := natstransport.NewRemoteTask(d.dispatcher, natstransport.RemoteTaskConfig{
			ID:       scheduler.TaskID(ts.ID),
			Priority: ts.Priority,
			Payload:  ts.Payload,
			Locality: locality,
			CacheKey: ts.CacheKey,
		})
		byID[rt.ID()] = rt
	}
	for _, ts := range spec.Tasks {
		id := scheduler.TaskID(ts.ID)
		var deps []scheduler.TaskID
		for _, dep := range ts.DependsOn {
			depID := scheduler.TaskID(dep)
			deps = append(deps, depID)
			dependents[depID] = append(dependents[depID], id)
		}
		byID[id].SetEdges(deps, nil)
	}
	for id, rt := range byID {
		rt.SetEdges(rt.Dependencies(), dependents[id])
	}

	tasks := make([]scheduler.Task, 0, len(byID))
	for _, rt := range byID {
		tasks = append(tasks, rt)
	}
	return tasks, byID
}

// runWorkflow implements cronsched.RunFunc: it loads a persisted workflow,
// builds a fresh scheduler for it, registers the run with runctl, and
// drives it to completion.
func (d *daemon) runWorkflow(ctx context.Context, workflow string) error {
	def, ok := d.store.Workflow(workflow)
	if !ok {
		return fmt.Errorf("taskmeshd: workflow %q not found", workflow)
	}
	var spec workflowSpec
	if err := json.Unmarshal(def.Spec, &spec); err != nil {
		return fmt.Errorf("taskmeshd: decode workflow %q: %w", workflow, err)
	}

	tasks, _ := d.buildTasks(spec)
	workers := d.buildWorkers(spec)
	runID := fmt.Sprintf("%s-%d", workflow, time.Now().UnixNano())

	tracer := otel.Tracer("taskmesh-daemon")
	sched, err := scheduler.New(tasks, workers, func(res scheduler.DoneResult) {
		if res.Terminal {
			return
		}
		attempt := 0
		if last := res.Task.ExecutedOn(); len(last) > 0 {
			attempt = len(last)
		}
		errStr := ""
		if res.Task.Failed() {
			errStr = fmt.Sprint(res.Task.Exception())
		}
		_ = d.store.AppendTaskAttempt(store.TaskAttemptRecord{
			RunID: runID, TaskID: string(res.Task.ID()), Attempt: attempt, Err: errStr, Timestamp: time.Now(),
		})
	}, scheduler.Options{
		Concurrency: d.cfg.SchedulerConcurrency,
		Attempts:    d.cfg.SchedulerAttempts,
		Tracer:      tracer,
		Meter:       d.meter,
	})
	if err != nil {
		return fmt.Errorf("taskmeshd: build scheduler for %q: %w", workflow, err)
	}

	d.runs.Register(runID, workflow, sched)
	started := time.Now()
	rec := store.RunRecord{RunID: runID, Workflow: workflow, StartedAt: started}

	runErr := sched.Run(ctx)
	rec.FinishedAt = time.Now()
	if runErr != nil {
		rec.Err = runErr.Error()
	}
	_ = d.store.PutRun(rec)
	d.runs.Complete(runID, runErr)

	attrs := metric.WithAttributes(attribute.String("workflow", workflow))
	d.runLatency.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
	if runErr != nil {
		d.runErrors.Add(ctx, 1, attrs)
	} else {
		d.runCounter.Add(ctx, 1, attrs)
	}
	return runErr
}

func (d *daemon) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var spec workflowSpec
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil || spec.Name == "" {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			raw, err := json.Marshal(spec)
			if err != nil {
				http.Error(w, "encode error", http.StatusInternalServerError)
				return
			}
			def := store.WorkflowDefinition{Name: spec.Name, CreatedAt: time.Now(), Spec: raw}
			if err := d.store.PutWorkflow(spec.Name, def); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(def)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			def, ok := d.store.Workflow(name)
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(def)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Workflow string `json:"workflow"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		go func() {
			if err := d.runWorkflow(context.Background(), req.Workflow); err != nil {
				slog.Error("workflow run failed", "workflow", req.Workflow, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/runs/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			RunID  string `json:"run_id"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := d.runs.Cancel(r.Context(), req.RunID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func main() {
	cfg := config.Load()
	logging.Init(cfg.ServiceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, cfg.ServiceName)

	st, err := store.Open(cfg.StorePath, metrics.Meter)
	if err != nil {
		slog.Error("open store", "error", err)
		return
	}
	defer st.Close()

	nc, err := natslib.Connect(cfg.NATSURL)
	if err != nil {
		slog.Warn("nats connect failed, dispatch will fail until a worker connection is available", "error", err)
	}
	defer func() {
		if nc != nil {
			nc.Close()
		}
	}()

	limiter := resilience.NewRateLimiter(100, 50, time.Second, 200)
	resultCache := store.NewResultCache[natstransport.Reply](cfg.ResultCacheSize, cfg.ResultCacheTTL)
	defer resultCache.Close()
	dispatcher := natstransport.NewDispatcher(nc, limiter, cfg.DispatchTimeout, resultCache)

	meter := otel.GetMeterProvider().Meter("taskmesh-daemon")
	d := &daemon{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		runs:       runctl.NewManager(meter),
		meter:      meter,
	}
	d.runCounter, _ = meter.Int64Counter("taskmesh_workflow_runs_total")
	d.runErrors, _ = meter.Int64Counter("taskmesh_workflow_run_errors_total")
	d.runLatency, _ = meter.Float64Histogram("taskmesh_workflow_duration_ms")

	d.trigger = cronsched.NewTrigger(d.runWorkflow, meter)
	if schedules, err := st.Schedules(); err == nil {
		for name, payload := range schedules {
			var cfg cronsched.TriggerConfig
			if err := json.Unmarshal(payload, &cfg); err != nil {
				slog.Warn("skipping malformed persisted schedule", "name", name, "error", err)
				continue
			}
			if _, err := d.trigger.AddSchedule(cfg); err != nil {
				slog.Warn("failed to register persisted schedule", "name", name, "error", err)
			}
		}
	}
	d.trigger.Start()

	sweep := time.NewTicker(cfg.RunSweepInterval)
	defer sweep.Stop()
	go func() {
		for {
			select {
			case <-sweep.C:
				d.runs.Sweep(cfg.RunRetention)
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: d.routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("taskmeshd started", "addr", cfg.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = d.trigger.Stop(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
