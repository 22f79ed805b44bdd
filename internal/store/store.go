// Package store persists run history and workflow definitions for the
// taskmesh daemon using BoltDB, chosen the way the teacher chose it: a
// pure-Go embedded store needs no sidecar process and keeps deployment to
// a single binary plus a data directory.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketWorkflows = []byte("workflows")
	bucketRuns      = []byte("runs")
	bucketTaskAttempts = []byte("task_attempts")
	bucketSchedules = []byte("schedules")
)

// WorkflowDefinition is the persisted, caller-supplied description of a DAG:
// enough to reconstruct scheduler.Task instances without re-parsing the
// original request.
type WorkflowDefinition struct {
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
	Spec      json.RawMessage `json:"spec"`
}

// RunRecord is the persisted outcome of one scheduler.Run invocation.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Workflow   string    `json:"workflow"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        string    `json:"err,omitempty"`
}

// TaskAttemptRecord captures one scheduler.DoneResult for a single task, for
// post-hoc diagnostics and the run-history API.
type TaskAttemptRecord struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	Attempt   int       `json:"attempt"`
	Err       string    `json:"err,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a BoltDB-backed persistence layer for workflow definitions, run
// outcomes, and per-task attempt history, with an in-memory hot cache for
// the workflow definitions (read far more often than they're written).
type Store struct {
	db *bbolt.DB

	mu       sync.RWMutex
	warmDefs map[string]WorkflowDefinition

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) a BoltDB file at path and prepares the
// bucket layout.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketRuns, bucketTaskAttempts, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskmesh_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskmesh_store_write_ms")

	s := &Store{db: db, warmDefs: make(map[string]WorkflowDefinition), readLatency: readLatency, writeLatency: writeLatency}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.ForEach(func(k, v []byte) error {
			var def WorkflowDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("store: decode workflow %q: %w", k, err)
			}
			s.warmDefs[string(k)] = def
			return nil
		})
	})
}

// PutWorkflow persists a workflow definition and refreshes the hot cache.
func (s *Store) PutWorkflow(name string, def WorkflowDefinition) error {
	start := time.Now()
	defer func() { s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("store: encode workflow %q: %w", name, err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(name), payload)
	}); err != nil {
		return fmt.Errorf("store: put workflow %q: %w", name, err)
	}

	s.mu.Lock()
	s.warmDefs[name] = def
	s.mu.Unlock()
	return nil
}

// Workflow returns a cached workflow definition.
func (s *Store) Workflow(name string) (WorkflowDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.warmDefs[name]
	return def, ok
}

// PutRun persists the outcome of a completed scheduler run.
func (s *Store) PutRun(rec RunRecord) error {
	start := time.Now()
	defer func() { s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode run %q: %w", rec.RunID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(rec.RunID), payload)
	})
}

// Run looks up a persisted run record.
func (s *Store) Run(runID string) (RunRecord, error) {
	start := time.Now()
	defer func() { s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRuns).Get([]byte(runID))
		if v == nil {
			return fmt.Errorf("store: run %q not found", runID)
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// AppendTaskAttempt records one per-task completion event, keyed so a
// run's full attempt history can be range-scanned by prefix.
func (s *Store) AppendTaskAttempt(rec TaskAttemptRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode task attempt: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%d", rec.RunID, rec.TaskID, rec.Attempt)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskAttempts).Put([]byte(key), payload)
	})
}

// PutSchedule persists a cron trigger definition under name, for
// cronsched.Trigger to reload on daemon restart.
func (s *Store) PutSchedule(name string, payload []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), payload)
	})
}

// Schedules returns every persisted schedule payload keyed by name.
func (s *Store) Schedules() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			cp := append([]byte(nil), v...)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}
