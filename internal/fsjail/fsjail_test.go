package fsjail

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestJail(t *testing.T) *Jail {
	t.Helper()
	roots := map[Root]string{}
	for _, r := range Roots() {
		dir := filepath.Join(t.TempDir(), string(r))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		roots[r] = dir
	}
	j, err := New(roots, nil)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestNormalizeRel(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b", "a/b", false},
		{`a\b\c`, "a/b/c", false},
		{"a/./b", "a/b", false},
		{"a/x/../b", "a/b", false},
		{"", ".", false},
		{".", ".", false},
		{"..", "", true},
		{"../x", "", true},
		{"a/../../x", "", true},
		{"/abs", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeRel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizeRel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeRel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeRel(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	j := newTestJail(t)
	for _, rel := range []string{"..", "../x", "/etc/passwd", "a/../../../x"} {
		_, err := j.Resolve(RootInbox, rel)
		if err == nil {
			t.Fatalf("Resolve(%q): expected error", rel)
		}
		kind := KindOf(err)
		if kind != KindInvalidPath && kind != KindEscapesRoot {
			t.Fatalf("Resolve(%q): kind=%s", rel, kind)
		}
	}
}

func TestJailSafetyNoEffect(t *testing.T) {
	j := newTestJail(t)
	if err := j.Mkdir(RootInbox, "../outside", true, true); err == nil {
		t.Fatal("expected error")
	}
	dir, _ := j.RootDir(RootInbox)
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "outside")); err == nil {
		t.Fatal("escaped mkdir took effect")
	}
}

func TestListSortedAndRecursive(t *testing.T) {
	j := newTestJail(t)
	for _, rel := range []string{"b/track2.mp3", "b/track1.mp3", "a/x.mp3"} {
		w, err := j.OpenWrite(RootInbox, rel)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
		_ = w.Close()
	}
	entries, err := j.List(RootInbox, ".", true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "a/x.mp3", "b", "b/track1.mp3", "b/track2.mp3"}
	if len(entries) != len(want) {
		t.Fatalf("entries: %+v", entries)
	}
	for i, e := range entries {
		if e.RelPath != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, e.RelPath, want[i])
		}
	}

	shallow, err := j.List(RootInbox, ".", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(shallow) != 2 || shallow[0].RelPath != "a" || shallow[1].RelPath != "b" {
		t.Fatalf("shallow: %+v", shallow)
	}
}

func TestListFailureKinds(t *testing.T) {
	j := newTestJail(t)
	if _, err := j.List(RootInbox, "missing", false); !IsKind(err, KindNotFound) {
		t.Fatalf("err=%v", err)
	}
	w, _ := j.OpenWrite(RootInbox, "file.txt")
	_ = w.Close()
	if _, err := j.List(RootInbox, "file.txt", false); !IsKind(err, KindNotADirectory) {
		t.Fatalf("err=%v", err)
	}
}

func TestRenameSemantics(t *testing.T) {
	j := newTestJail(t)
	w, _ := j.OpenWrite(RootStage, "src.txt")
	_, _ = w.Write([]byte("data"))
	_ = w.Close()

	if err := j.Rename(RootStage, "missing", "dst", false); !IsKind(err, KindNotFound) {
		t.Fatalf("err=%v", err)
	}
	w2, _ := j.OpenWrite(RootStage, "dst.txt")
	_ = w2.Close()
	if err := j.Rename(RootStage, "src.txt", "dst.txt", false); !IsKind(err, KindAlreadyExists) {
		t.Fatalf("err=%v", err)
	}
	if err := j.Rename(RootStage, "src.txt", "dst.txt", true); err != nil {
		t.Fatalf("overwrite rename: %v", err)
	}
	b, err := j.ReadFile(RootStage, "dst.txt")
	if err != nil || string(b) != "data" {
		t.Fatalf("content %q err %v", b, err)
	}
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	j := newTestJail(t)
	if err := j.WriteFileAtomic(RootWizards, "import/sessions/s1/state.json", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	ok, err := j.Exists(RootWizards, "import/sessions/s1/state.json.tmp")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("temp file left behind")
	}
	b, err := j.ReadFile(RootWizards, "import/sessions/s1/state.json")
	if err != nil || string(b) != `{}` {
		t.Fatalf("content %q err %v", b, err)
	}
}

func TestTailBytes(t *testing.T) {
	j := newTestJail(t)
	w, _ := j.OpenWrite(RootJobs, "job.log")
	_, _ = w.Write([]byte("0123456789"))
	_ = w.Close()

	b, err := j.TailBytes(RootJobs, "job.log", 4)
	if err != nil || string(b) != "6789" {
		t.Fatalf("tail %q err %v", b, err)
	}
	b, err = j.TailBytes(RootJobs, "job.log", 100)
	if err != nil || string(b) != "0123456789" {
		t.Fatalf("tail %q err %v", b, err)
	}
	if _, err := j.TailBytes(RootJobs, "job.log", 0); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("err=%v", err)
	}
	if _, err := j.TailBytes(RootJobs, "nope.log", 4); !IsKind(err, KindNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestChecksum(t *testing.T) {
	j := newTestJail(t)
	w, _ := j.OpenWrite(RootInbox, "f")
	_, _ = w.Write([]byte("abc"))
	_ = w.Close()
	sum, err := j.Checksum(RootInbox, "f")
	if err != nil {
		t.Fatal(err)
	}
	if sum != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sum=%s", sum)
	}
}

func TestCopyTreePreservesLayout(t *testing.T) {
	j := newTestJail(t)
	for _, rel := range []string{"Author/Book/track01.mp3", "Author/Book/cover.jpg"} {
		w, _ := j.OpenWrite(RootInbox, rel)
		_, _ = w.Write([]byte(rel))
		_ = w.Close()
	}
	if err := j.CopyTree(RootInbox, "Author/Book", RootStage, "import/stage/J/Author/Book"); err != nil {
		t.Fatal(err)
	}
	b, err := j.ReadFile(RootStage, "import/stage/J/Author/Book/track01.mp3")
	if err != nil || string(b) != "Author/Book/track01.mp3" {
		t.Fatalf("copied content %q err %v", b, err)
	}
}

func TestOpenAppend(t *testing.T) {
	j := newTestJail(t)
	for _, chunk := range []string{"one\n", "two\n"} {
		w, err := j.OpenAppend(RootJobs, "a.log")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write([]byte(chunk))
		_ = w.Close()
	}
	b, _ := j.ReadFile(RootJobs, "a.log")
	if string(b) != "one\ntwo\n" {
		t.Fatalf("append content %q", b)
	}
}
