// Package fsjail confines every filesystem effect of the import pipeline to
// a fixed set of named roots. Paths are root-relative, normalized to POSIX
// form, and validated before any syscall; an operation either resolves under
// exactly one root or fails without touching the disk.
package fsjail

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bookwright/bookwright/internal/diag"
)

// Root names a jail-confined directory tree.
type Root string

const (
	RootInbox   Root = "inbox"
	RootStage   Root = "stage"
	RootJobs    Root = "jobs"
	RootOutbox  Root = "outbox"
	RootConfig  Root = "config"
	RootWizards Root = "wizards"
)

// Roots lists every known root in stable order.
func Roots() []Root {
	return []Root{RootInbox, RootStage, RootJobs, RootOutbox, RootConfig, RootWizards}
}

// ParseRoot resolves a root by name.
func ParseRoot(s string) (Root, error) {
	r := Root(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roots() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown root: %q", s)
}

// Jail binds each root to an absolute directory and mediates every
// filesystem operation. Safe for concurrent use.
type Jail struct {
	roots map[Root]string
	bus   *diag.Bus
}

// New validates the root bindings and returns a jail. Every root in the
// binding map must be absolute; missing roots fail the first operation that
// names them rather than construction, so partial deployments (e.g. no
// outbox) stay usable.
func New(roots map[Root]string, bus *diag.Bus) (*Jail, error) {
	bound := make(map[Root]string, len(roots))
	for r, dir := range roots {
		if _, err := ParseRoot(string(r)); err != nil {
			return nil, err
		}
		if !filepath.IsAbs(dir) {
			return nil, fmt.Errorf("root %s is not absolute: %q", r, dir)
		}
		bound[r] = filepath.Clean(dir)
	}
	return &Jail{roots: bound, bus: bus}, nil
}

// RootDir returns the absolute directory bound to root.
func (j *Jail) RootDir(root Root) (string, error) {
	dir, ok := j.roots[root]
	if !ok {
		return "", fail(KindInvalidArgument, "root_dir", root, "", fmt.Errorf("root not bound"))
	}
	return dir, nil
}

// NormalizeRel folds backslashes to '/', cleans the path, and rejects
// absolute paths and any traversal outside the root. The empty string and
// "." normalize to "." (the root itself).
func NormalizeRel(rel string) (string, error) {
	s := strings.ReplaceAll(rel, `\`, "/")
	if strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("absolute path not allowed: %q", rel)
	}
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("NUL byte in path: %q", rel)
	}
	cleaned := path.Clean(s)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes root: %q", rel)
	}
	if cleaned == "" {
		cleaned = "."
	}
	return cleaned, nil
}

// Resolve maps (root, rel) to an absolute path under the root directory.
func (j *Jail) Resolve(root Root, rel string) (string, error) {
	dir, err := j.RootDir(root)
	if err != nil {
		return "", err
	}
	cleaned, err := NormalizeRel(rel)
	if err != nil {
		return "", fail(KindInvalidPath, "resolve", root, rel, err)
	}
	abs := filepath.Join(dir, filepath.FromSlash(cleaned))
	// Join cleans again; a path that no longer has the root as a prefix has
	// escaped regardless of how it was spelled.
	if abs != dir && !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return "", fail(KindEscapesRoot, "resolve", root, rel, fmt.Errorf("resolved outside root"))
	}
	return abs, nil
}

// Join returns the normalized join of rel path segments.
func Join(parts ...string) string {
	return path.Join(parts...)
}

// emit publishes a jail diagnostic. The jail never fails because of
// diagnostics.
func (j *Jail) emit(event, op string, root Root, rel string, extra map[string]any) {
	if j.bus == nil {
		return
	}
	data := map[string]any{"root": string(root), "rel_path": rel}
	for k, v := range extra {
		data[k] = v
	}
	j.bus.Publish(event, "fsjail", op, data)
}

func (j *Jail) opStart(op string, root Root, rel string) {
	j.emit("operation.start", op, root, rel, nil)
}

func (j *Jail) opEnd(op string, root Root, rel string, err error) {
	extra := map[string]any{"ok": err == nil}
	if err != nil {
		extra["error_kind"] = string(KindOf(err))
	}
	j.emit("operation.end", op, root, rel, extra)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, k int) bool { return entries[i].RelPath < entries[k].RelPath })
}
