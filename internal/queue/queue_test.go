package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
)

func newTestJail(t *testing.T) *fsjail.Jail {
	t.Helper()
	roots := map[fsjail.Root]string{}
	for _, r := range fsjail.Roots() {
		dir := filepath.Join(t.TempDir(), string(r))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		roots[r] = dir
	}
	jail, err := fsjail.New(roots, nil)
	if err != nil {
		t.Fatal(err)
	}
	return jail
}

func TestLockIsExclusive(t *testing.T) {
	jail := newTestJail(t)
	l, err := AcquireLock(jail)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if _, err := AcquireLock(jail); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	}
	l.Release()
	l2, err := AcquireLock(jail)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
}

func TestLockBreaksStaleOwner(t *testing.T) {
	jail := newTestJail(t)
	dir, err := jail.RootDir(fsjail.RootWizards)
	if err != nil {
		t.Fatal(err)
	}
	// A pid that cannot be alive on Linux.
	if err := os.WriteFile(filepath.Join(dir, lockFileName), []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := AcquireLock(jail)
	if err != nil {
		t.Fatalf("stale lock not broken: %v", err)
	}
	l.Release()
}

func TestPauseResumePersist(t *testing.T) {
	jail := newTestJail(t)
	st, err := LoadState(jail)
	if err != nil || st.Mode != ModeRunning {
		t.Fatalf("default state: %+v err=%v", st, err)
	}
	if err := Pause(jail); err != nil {
		t.Fatal(err)
	}
	st, _ = LoadState(jail)
	if st.Mode != ModePaused {
		t.Fatalf("mode = %s, want paused", st.Mode)
	}
	if err := Resume(jail); err != nil {
		t.Fatal(err)
	}
	st, _ = LoadState(jail)
	if st.Mode != ModeRunning {
		t.Fatalf("mode = %s, want running", st.Mode)
	}
}

func TestClampWorkers(t *testing.T) {
	if got := ClampWorkers(0, "inplace"); got != 1 {
		t.Fatalf("inplace default = %d", got)
	}
	if got := ClampWorkers(0, "stage"); got < 1 || got > 2 {
		t.Fatalf("stage default = %d", got)
	}
	if got := ClampWorkers(-3, "stage"); got < 1 {
		t.Fatalf("negative clamp = %d", got)
	}
	if got := ClampWorkers(1_000_000, "stage"); got > runtime.NumCPU() {
		t.Fatalf("upper clamp = %d", got)
	}
}

func admitRun(t *testing.T, jail *fsjail.Jail, runID string) {
	t.Helper()
	if err := SaveRunState(jail, &RunState{RunID: runID, SessionID: "s", Mode: "stage", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
}

func TestDrainRunsAdmittedJobsOnly(t *testing.T) {
	jail := newTestJail(t)
	bus := diag.NewBus()
	svc := jobs.NewService(jail, bus)
	admitRun(t, jail, "run1")

	admitted, err := svc.Create(jobs.TypeProcess, jobs.Meta{Source: "import", RunID: "run1"})
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := svc.Create(jobs.TypeProcess, jobs.Meta{Source: "import", RunID: "missing"})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var ran []string
	exec := ExecutorFunc(func(ctx context.Context, rec *jobs.Record) error {
		mu.Lock()
		ran = append(ran, rec.JobID)
		mu.Unlock()
		return nil
	})
	pool := NewPool(svc, jail, bus, exec, 2)
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(ran) != 1 || ran[0] != admitted.JobID {
		t.Fatalf("ran %v, want [%s]", ran, admitted.JobID)
	}
	rec, _ := svc.Get(admitted.JobID)
	if rec.State != jobs.StateSucceeded {
		t.Fatalf("state = %s", rec.State)
	}
	rec, _ = svc.Get(orphan.JobID)
	if rec.State != jobs.StatePending {
		t.Fatalf("orphan state = %s, want PENDING", rec.State)
	}
}

func TestDrainMapsExecutorFailure(t *testing.T) {
	jail := newTestJail(t)
	svc := jobs.NewService(jail, nil)
	admitRun(t, jail, "run1")
	rec, _ := svc.Create(jobs.TypeProcess, jobs.Meta{RunID: "run1"})

	exec := ExecutorFunc(func(ctx context.Context, r *jobs.Record) error {
		return fmt.Errorf("EXECUTION_FAILED: codec exited 1")
	})
	pool := NewPool(svc, jail, nil, exec, 1)
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(rec.JobID)
	if got.State != jobs.StateFailed {
		t.Fatalf("state = %s", got.State)
	}
	if got.Error == "" {
		t.Fatal("error not recorded")
	}
}

func TestCancelObservedAtBoundary(t *testing.T) {
	jail := newTestJail(t)
	svc := jobs.NewService(jail, nil)
	admitRun(t, jail, "run1")
	rec, _ := svc.Create(jobs.TypeProcess, jobs.Meta{RunID: "run1"})

	exec := ExecutorFunc(func(ctx context.Context, r *jobs.Record) error {
		// Cancel lands mid-execution; the worker notices at the next
		// boundary and stops cleanly.
		if _, err := svc.Cancel(r.JobID); err != nil {
			return err
		}
		if svc.CancelRequested(r.JobID) {
			return ErrCancelled
		}
		return errors.New("cancel flag not visible")
	})
	pool := NewPool(svc, jail, nil, exec, 1)
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(rec.JobID)
	if got.State != jobs.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", got.State)
	}
}

func TestCancelBeforeClaimWins(t *testing.T) {
	jail := newTestJail(t)
	svc := jobs.NewService(jail, nil)
	admitRun(t, jail, "run1")
	rec, _ := svc.Create(jobs.TypeProcess, jobs.Meta{RunID: "run1"})
	if _, err := svc.Cancel(rec.JobID); err != nil {
		t.Fatal(err)
	}

	exec := ExecutorFunc(func(ctx context.Context, r *jobs.Record) error {
		t.Error("executor ran for a cancelled job")
		return nil
	})
	pool := NewPool(svc, jail, nil, exec, 1)
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(rec.JobID)
	if got.State != jobs.StateCancelled {
		t.Fatalf("state = %s", got.State)
	}
}

func TestBatchWorkersFromRunState(t *testing.T) {
	jail := newTestJail(t)
	svc := jobs.NewService(jail, nil)
	if err := SaveRunState(jail, &RunState{RunID: "wide", SessionID: "s1", Mode: "stage", CreatedAt: "2026-01-01T00:00:00Z", Workers: 2}); err != nil {
		t.Fatal(err)
	}
	if err := SaveRunState(jail, &RunState{RunID: "legacy", SessionID: "s2", Mode: "inplace", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	pool := NewPool(svc, jail, nil, ExecutorFunc(func(ctx context.Context, r *jobs.Record) error { return nil }), 0)

	got := pool.batchWorkers([]*jobs.Record{{Meta: jobs.Meta{RunID: "wide"}}})
	if got != ClampWorkers(2, "") {
		t.Fatalf("persisted width = %d, want %d", got, ClampWorkers(2, ""))
	}
	// A record without a stored width falls back to its run's mode default.
	got = pool.batchWorkers([]*jobs.Record{{Meta: jobs.Meta{RunID: "legacy"}}})
	if got != 1 {
		t.Fatalf("mode fallback = %d, want 1", got)
	}
	// Mixed batch takes the widest run.
	got = pool.batchWorkers([]*jobs.Record{
		{Meta: jobs.Meta{RunID: "legacy"}},
		{Meta: jobs.Meta{RunID: "wide"}},
	})
	if got != ClampWorkers(2, "") {
		t.Fatalf("mixed batch width = %d, want %d", got, ClampWorkers(2, ""))
	}
}

func TestDrainResolvesWidthPerRun(t *testing.T) {
	jail := newTestJail(t)
	svc := jobs.NewService(jail, nil)
	if err := SaveRunState(jail, &RunState{RunID: "run1", SessionID: "s", Mode: "stage", CreatedAt: "2026-01-01T00:00:00Z", Workers: 1}); err != nil {
		t.Fatal(err)
	}
	rec, _ := svc.Create(jobs.TypeProcess, jobs.Meta{RunID: "run1"})

	exec := ExecutorFunc(func(ctx context.Context, r *jobs.Record) error { return nil })
	pool := NewPool(svc, jail, nil, exec, 0)
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(rec.JobID)
	if got.State != jobs.StateSucceeded {
		t.Fatalf("state = %s", got.State)
	}
}

func TestDrainRespectsPause(t *testing.T) {
	jail := newTestJail(t)
	svc := jobs.NewService(jail, nil)
	admitRun(t, jail, "run1")
	rec, _ := svc.Create(jobs.TypeProcess, jobs.Meta{RunID: "run1"})
	if err := Pause(jail); err != nil {
		t.Fatal(err)
	}

	exec := ExecutorFunc(func(ctx context.Context, r *jobs.Record) error {
		t.Error("executor ran while paused")
		return nil
	})
	pool := NewPool(svc, jail, nil, exec, 1)
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(rec.JobID)
	if got.State != jobs.StatePending {
		t.Fatalf("state = %s, want PENDING", got.State)
	}
}
