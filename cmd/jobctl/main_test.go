package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/countercart/countercart-backend/internal/app"
	"github.com/countercart/countercart-backend/internal/cron"
)

var errNoPipeline = errors.New("pipeline unavailable")

func failingLoader(calls *int) loader {
	return func(context.Context) (*app.App, func(), error) {
		*calls++
		return nil, nil, errNoPipeline
	}
}

func fixedNow() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }

func TestScheduleDoesNotLoadPipeline(t *testing.T) {
	calls := 0
	var out bytes.Buffer
	root := newRootCmd(failingLoader(&calls), fixedNow)
	root.SetOut(&out)
	root.SetArgs([]string{"schedule"})
	if err := root.Execute(); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no pipeline load, got %d", calls)
	}

	var runs []cron.NextRun
	if err := json.Unmarshal(out.Bytes(), &runs); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(runs) != len(cron.DefaultSchedules()) {
		t.Fatalf("expected %d jobs, got %d", len(cron.DefaultSchedules()), len(runs))
	}
	for _, run := range runs {
		if !run.NextRun.After(fixedNow()) {
			t.Fatalf("%s next run %v is not after now", run.Name, run.NextRun)
		}
	}
}

func TestIDFlagsValidatedBeforeLoad(t *testing.T) {
	cases := [][]string{
		{"sync"},
		{"sync", "--item", "not-a-uuid"},
		{"charge"},
		{"process-batch", "--batch", "123"},
	}
	for _, args := range cases {
		calls := 0
		root := newRootCmd(failingLoader(&calls), fixedNow)
		root.SetArgs(args)
		err := root.Execute()
		if err == nil || !strings.Contains(err.Error(), "--") {
			t.Fatalf("%v: expected flag error, got %v", args, err)
		}
		if calls != 0 {
			t.Fatalf("%v: pipeline loaded before validation", args)
		}
	}
}

func TestLoaderErrorsSurface(t *testing.T) {
	calls := 0
	root := newRootCmd(failingLoader(&calls), fixedNow)
	root.SetArgs([]string{"sync-all"})
	if err := root.Execute(); !errors.Is(err, errNoPipeline) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
}

func TestRunRequiresJobName(t *testing.T) {
	calls := 0
	root := newRootCmd(failingLoader(&calls), fixedNow)
	root.SetArgs([]string{"run"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected argument error")
	}
}
