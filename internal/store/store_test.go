package store

import (
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	meter := noopmetric.NewMeterProvider().Meter("test")
	s, err := Open(filepath.Join(t.TempDir(), "taskmesh.db"), meter)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := openTestStore(t)
	def := WorkflowDefinition{Name: "etl", CreatedAt: time.Unix(0, 0).UTC(), Spec: []byte(`{"tasks":[]}`)}
	if err := s.PutWorkflow("etl", def); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	got, ok := s.Workflow("etl")
	if !ok {
		t.Fatalf("expected workflow to be cached after Put")
	}
	if got.Name != def.Name {
		t.Fatalf("got name %q, want %q", got.Name, def.Name)
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := RunRecord{RunID: "run-1", Workflow: "etl", StartedAt: time.Unix(10, 0).UTC(), FinishedAt: time.Unix(20, 0).UTC()}
	if err := s.PutRun(rec); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	got, err := s.Run("run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Workflow != "etl" {
		t.Fatalf("got workflow %q, want etl", got.Workflow)
	}
}

func TestResultCacheEvictsLRU(t *testing.T) {
	c := NewResultCache[string](2, time.Minute)
	defer c.Close()

	c.Put("a", "va")
	c.Put("b", "vb")
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to still be cached")
	}
	c.Put("c", "vc") // b is now the least-recently-used and should be evicted
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be cached")
	}
}

func TestResultCacheExpires(t *testing.T) {
	c := NewResultCache[int](4, 20*time.Millisecond)
	defer c.Close()

	c.Put("k", 42)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry to have expired")
	}
}
