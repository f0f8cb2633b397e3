package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
	"github.com/bookwright/bookwright/internal/registry"
	"github.com/bookwright/bookwright/internal/requests"
)

type testEnv struct {
	jail *fsjail.Jail
	bus  *diag.Bus
	jobs *jobs.Service
	reg  *registry.Processed
	run  *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	roots := map[fsjail.Root]string{}
	base := t.TempDir()
	for _, r := range fsjail.Roots() {
		dir := filepath.Join(base, string(r))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		roots[r] = dir
	}
	jail, err := fsjail.New(roots, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := diag.NewBus()
	svc := jobs.NewService(jail, bus)
	reg := registry.NewProcessed(jail)
	return &testEnv{jail: jail, bus: bus, jobs: svc, reg: reg, run: New(jail, bus, svc, reg, CodecSpec{})}
}

func (env *testEnv) seed(t *testing.T, root fsjail.Root, files map[string]string) {
	t.Helper()
	dir, err := env.jail.RootDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// prepareJob writes a job_requests document for one book and creates the
// matching RUNNING job record.
func (env *testEnv) prepareJob(t *testing.T, mode, unitType, bookRel string, options map[string]any) *jobs.Record {
	t.Helper()
	targetRoot := "outbox"
	if mode == "stage" {
		targetRoot = "stage"
	}
	doc := &requests.Document{
		JobType:           requests.JobType,
		JobVersion:        requests.JobVersion,
		SessionID:         "s1",
		Mode:              mode,
		ConfigFingerprint: "cf",
		Actions: []requests.Action{{
			Type:     "import.book",
			Source:   requests.SourceRef{Root: "inbox", RelativePath: bookRel},
			Target:   requests.TargetRef{Root: targetRoot},
			BookID:   "book:0011223344556677",
			UnitType: unitType,
			Decision: &requests.BookDecision{
				BookRelPath:  bookRel,
				UnitType:     unitType,
				Author:       "Author",
				Title:        "Book",
				HandlingMode: mode,
				Options:      options,
			},
		}},
	}
	b, err := requests.Finalize(doc)
	if err != nil {
		t.Fatal(err)
	}
	rel := "import/sessions/s1/job_requests.json"
	if err := env.jail.WriteFileAtomic(fsjail.RootWizards, rel, b); err != nil {
		t.Fatal(err)
	}
	rec, err := env.jobs.Create(jobs.TypeProcess, jobs.Meta{
		Source:          "import",
		SessionID:       "s1",
		JobRequestsPath: "wizards:" + rel,
		RunID:           "run-s1",
		BookRelPath:     bookRel,
		Mode:            mode,
		UnitType:        unitType,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, err = env.jobs.MarkRunning(rec.JobID)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestStageDirUnitCopiesTree(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{
		"Author/Book/track01.mp3": "a",
		"Author/Book/cover.jpg":   "c",
	})
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", nil)
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"track01.mp3", "cover.jpg"} {
		staged := fsjail.Join("import", "stage", rec.JobID, "Author/Book", rel)
		if ok, _ := env.jail.Exists(fsjail.RootStage, staged); !ok {
			t.Fatalf("missing staged file %s", staged)
		}
	}
}

func TestStageFileUnitUsesStemFolder(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"standalone.m4b": "audio"})
	rec := env.prepareJob(t, "stage", "file", "standalone.m4b", nil)
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	staged := fsjail.Join("import", "stage", rec.JobID, "standalone", "standalone.m4b")
	if ok, _ := env.jail.Exists(fsjail.RootStage, staged); !ok {
		t.Fatalf("missing staged file %s", staged)
	}
}

func TestInplaceDoesNotCopy(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"Author/Book/track01.mp3": "a"})
	rec := env.prepareJob(t, "inplace", "dir", "Author/Book", nil)
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	entries, err := env.jail.List(fsjail.RootStage, ".", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("inplace staged files: %v", entries)
	}
}

func TestProcessedShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"Author/Book/track01.mp3": "a"})
	key, err := registry.BookIdentityKey(fsjail.RootInbox, "Author/Book", "dir")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.reg.Mark(key); err != nil {
		t.Fatal(err)
	}
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", nil)
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	entries, _ := env.jail.List(fsjail.RootStage, ".", true)
	if len(entries) != 0 {
		t.Fatalf("already-processed unit was staged: %v", entries)
	}
	log, err := env.jobs.Store().TailLog(rec.JobID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(log), "already processed") {
		t.Fatalf("log %q", log)
	}
}

func audioOptions(bitrateMode string) map[string]any {
	return map[string]any{
		"audio_processing": map[string]any{
			"enabled":      true,
			"confirmed":    true,
			"bitrate_mode": bitrateMode,
			"bitrate_kbps": 64,
		},
	}
}

func TestAudioReencodesMP3AndSkipsOthers(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{
		"Author/Book/track01.mp3": "source-bytes",
		"Author/Book/extra.flac":  "flac-bytes",
	})
	var calls [][]string
	env.run.runCommand = func(ctx context.Context, argv []string) error {
		calls = append(calls, argv)
		// The codec writes the output file.
		for _, a := range argv {
			if strings.HasSuffix(a, ".tmp") {
				return os.WriteFile(a, []byte("encoded"), 0o644)
			}
		}
		return fmt.Errorf("no output argument")
	}
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", audioOptions("cbr"))
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("codec calls = %d", len(calls))
	}
	staged := fsjail.Join("import", "stage", rec.JobID, "Author/Book/track01.mp3")
	b, err := env.jail.ReadFile(fsjail.RootStage, staged)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "encoded" {
		t.Fatalf("staged mp3 = %q", b)
	}
	// No temp residue after atomic replace.
	entries, _ := env.jail.List(fsjail.RootStage, fsjail.Join("import", "stage", rec.JobID, "Author/Book"), false)
	for _, e := range entries {
		if strings.HasSuffix(e.RelPath, ".tmp") {
			t.Fatalf("temp residue %s", e.RelPath)
		}
	}
	got, _ := env.jobs.Get(rec.JobID)
	if len(got.Warnings) != 1 || !strings.Contains(got.Warnings[0], "extra.flac") {
		t.Fatalf("warnings %v", got.Warnings)
	}
}

func TestAudioFailureFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"Author/Book/track01.mp3": "x"})
	env.run.runCommand = func(ctx context.Context, argv []string) error {
		return fmt.Errorf("codec exited 1")
	}
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", audioOptions("vbr"))
	err := env.run.Execute(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "EXECUTION_FAILED") {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteSourceWithGuard(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"Author/Book/track01.mp3": "a"})
	opts := map[string]any{
		"delete_source_policy": map[string]any{"enabled": true, "guard_enabled": true},
	}
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", opts)
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.jail.Exists(fsjail.RootInbox, "Author/Book"); ok {
		t.Fatal("source not deleted")
	}
}

func TestDeleteSourceGuardMismatchKeepsSource(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"Author/Book/track01.mp3": "a"})
	opts := map[string]any{
		"delete_source_policy": map[string]any{"enabled": true, "guard_enabled": true},
		"audio_processing": map[string]any{
			"enabled": true, "confirmed": true, "bitrate_mode": "cbr", "bitrate_kbps": 64,
		},
	}
	// The codec mutates the SOURCE mid-job, so the guard must refuse the
	// delete.
	env.run.runCommand = func(ctx context.Context, argv []string) error {
		dir, _ := env.jail.RootDir(fsjail.RootInbox)
		if err := os.WriteFile(filepath.Join(dir, "Author/Book/new.mp3"), []byte("late"), 0o644); err != nil {
			return err
		}
		for _, a := range argv {
			if strings.HasSuffix(a, ".tmp") {
				return os.WriteFile(a, []byte("encoded"), 0o644)
			}
		}
		return fmt.Errorf("no output argument")
	}
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", opts)
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.jail.Exists(fsjail.RootInbox, "Author/Book"); !ok {
		t.Fatal("source deleted despite guard mismatch")
	}
	log, _ := env.jobs.Store().TailLog(rec.JobID, 4096)
	if !strings.Contains(string(log), "delete_source_guard_mismatch") {
		t.Fatalf("log %q", log)
	}
}

func TestCancelObservedBeforeCopy(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{"Author/Book/track01.mp3": "a"})
	rec := env.prepareJob(t, "stage", "dir", "Author/Book", nil)
	if _, err := env.jobs.Cancel(rec.JobID); err != nil {
		t.Fatal(err)
	}
	err := env.run.Execute(context.Background(), rec)
	if err == nil {
		t.Fatal("execute ignored cancel flag")
	}
	entries, _ := env.jail.List(fsjail.RootStage, ".", true)
	if len(entries) != 0 {
		t.Fatalf("cancelled job staged files: %v", entries)
	}
}

func TestStaleTempCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, fsjail.RootInbox, map[string]string{
		"Author/Book/track01.mp3":              "a",
		"Author/Book/track01.mp3.deadbeef.tmp": "partial",
	})
	env.run.runCommand = func(ctx context.Context, argv []string) error {
		for _, a := range argv {
			if strings.HasSuffix(a, ".tmp") {
				return os.WriteFile(a, []byte("encoded"), 0o644)
			}
		}
		return fmt.Errorf("no output argument")
	}
	rec := env.prepareJob(t, "inplace", "dir", "Author/Book", audioOptions("cbr"))
	if err := env.run.Execute(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.jail.Exists(fsjail.RootInbox, "Author/Book/track01.mp3.deadbeef.tmp"); ok {
		t.Fatal("stale temp survived")
	}
}
