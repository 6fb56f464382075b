package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry := NewRegistry()
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry.Register(Daily(1, 0), jobA)
	registry.Register(Hourly(5), jobB)
	registry.Register(Hourly(5), nil)
	entries := registry.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(entries))
	}
	if entries[0].Job != jobA || entries[1].Job != jobB {
		t.Fatalf("jobs returned out of order")
	}
	// ensure caller cannot mutate internal slice
	entries[0].Job = nil
	if registry.Entries()[0].Job == nil {
		t.Fatalf("internal slice leaked")
	}
	if job, ok := registry.Lookup("b"); !ok || job != jobB {
		t.Fatalf("lookup failed")
	}
	scheduled := registry.Scheduled()
	if scheduled[1].Name != "b" || scheduled[1].Schedule != Hourly(5) {
		t.Fatalf("unexpected scheduled entry %+v", scheduled[1])
	}
}
