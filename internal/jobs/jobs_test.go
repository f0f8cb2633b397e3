package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
)

func newTestService(t *testing.T, bus *diag.Bus) *Service {
	t.Helper()
	roots := map[fsjail.Root]string{}
	for _, r := range []fsjail.Root{fsjail.RootJobs, fsjail.RootWizards} {
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
	return NewService(jail, bus)
}

func TestJobLifecycle(t *testing.T) {
	svc := newTestService(t, nil)
	rec, err := svc.Create(TypeProcess, Meta{Source: "import", SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StatePending {
		t.Fatalf("state=%s", rec.State)
	}
	if _, err := svc.MarkRunning(rec.JobID); err != nil {
		t.Fatal(err)
	}
	got, err := svc.MarkSucceeded(rec.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateSucceeded || got.Progress != 1 || got.Finished == "" {
		t.Fatalf("record %+v", got)
	}

	loaded, err := svc.Get(rec.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State != StateSucceeded {
		t.Fatalf("persisted state=%s", loaded.State)
	}
}

func TestIllegalTransitions(t *testing.T) {
	svc := newTestService(t, nil)
	rec, _ := svc.Create(TypeProcess, Meta{})

	if _, err := svc.MarkSucceeded(rec.JobID); err == nil {
		t.Fatal("PENDING->SUCCEEDED must be rejected")
	} else {
		var ill *IllegalTransitionError
		if !errors.As(err, &ill) {
			t.Fatalf("error type: %v", err)
		}
	}

	if _, err := svc.MarkRunning(rec.JobID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkSucceeded(rec.JobID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(rec.JobID); err == nil {
		t.Fatal("cancel of terminal job must be rejected")
	}
}

func TestCancelFromPendingAndRunning(t *testing.T) {
	svc := newTestService(t, nil)

	pending, _ := svc.Create(TypeProcess, Meta{})
	rec, err := svc.Cancel(pending.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateCancelled {
		t.Fatalf("state=%s", rec.State)
	}

	running, _ := svc.Create(TypeProcess, Meta{})
	_, _ = svc.MarkRunning(running.JobID)
	rec, err = svc.Cancel(running.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateRunning || !rec.CancelRequested {
		t.Fatalf("record %+v", rec)
	}
	if !svc.CancelRequested(running.JobID) {
		t.Fatal("cancel flag not observable")
	}
	if _, err := svc.FinishCancelled(running.JobID); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionPersistedBeforeEndDiagnostic(t *testing.T) {
	bus := diag.NewBus()
	svc := newTestService(t, bus)
	var observed State
	bus.Subscribe("diag.job.end", func(e diag.Envelope) {
		id, _ := e.Data["job_id"].(string)
		if rec, err := svc.Get(id); err == nil {
			observed = rec.State
		}
	})
	rec, _ := svc.Create(TypeProcess, Meta{})
	_, _ = svc.MarkRunning(rec.JobID)
	_, _ = svc.MarkSucceeded(rec.JobID)
	if observed != StateSucceeded {
		t.Fatalf("subscriber saw state %q before persistence", observed)
	}
}

func TestRetryCreatesNewPendingWithBackPointer(t *testing.T) {
	svc := newTestService(t, nil)
	rec, _ := svc.Create(TypeProcess, Meta{SessionID: "s1", BookRelPath: "Author/Book"})
	_, _ = svc.MarkRunning(rec.JobID)
	_, _ = svc.MarkFailed(rec.JobID, fmt.Errorf("codec exited 1"))

	again, err := svc.Retry(rec.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if again.JobID == rec.JobID || again.State != StatePending {
		t.Fatalf("retry record %+v", again)
	}
	if again.Meta.RetryOf != rec.JobID || again.Meta.BookRelPath != "Author/Book" {
		t.Fatalf("retry meta %+v", again.Meta)
	}
	prior, _ := svc.Get(rec.JobID)
	if prior.State != StateFailed {
		t.Fatalf("prior state mutated: %s", prior.State)
	}
}

func TestRetryRejectsNonTerminal(t *testing.T) {
	svc := newTestService(t, nil)
	rec, _ := svc.Create(TypeProcess, Meta{})
	if _, err := svc.Retry(rec.JobID); err == nil {
		t.Fatal("retry of PENDING job must be rejected")
	}
}

func TestIdempotencyMap(t *testing.T) {
	svc := newTestService(t, nil)
	key := "k1"
	first, created, err := svc.GetOrCreateIdempotent("s1", key, TypeProcess, Meta{Source: "import"})
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	second, created, err := svc.GetOrCreateIdempotent("s1", key, TypeProcess, Meta{Source: "import"})
	if err != nil || created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("idempotency broken: %s vs %s", first.JobID, second.JobID)
	}
	if first.Meta.IdempotencyKey != key {
		t.Fatalf("meta key %q", first.Meta.IdempotencyKey)
	}
}

func TestListOrdering(t *testing.T) {
	svc := newTestService(t, nil)
	a, _ := svc.Create(TypeProcess, Meta{})
	time.Sleep(5 * time.Millisecond)
	b, _ := svc.Create(TypeProcess, Meta{})

	recs, err := svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("len=%d", len(recs))
	}
	if recs[0].JobID != b.JobID || recs[1].JobID != a.JobID {
		t.Fatalf("order: %s, %s", recs[0].JobID, recs[1].JobID)
	}
}

func TestAppendLogAndTail(t *testing.T) {
	svc := newTestService(t, nil)
	rec, _ := svc.Create(TypeProcess, Meta{})
	_ = svc.AppendLog(rec.JobID, "copy begin")
	_ = svc.AppendLog(rec.JobID, "copy done")
	tail, err := svc.Store().TailLog(rec.JobID, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(tail) != "copy begin\ncopy done\n" {
		t.Fatalf("tail %q", tail)
	}
}
