package fsjail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one listing row. Listings are always sorted by RelPath.
type Entry struct {
	RelPath string    `json:"rel_path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size,omitempty"`
	MTime   time.Time `json:"mtime,omitempty"`
}

// Stat describes a single path.
type Stat struct {
	RelPath string    `json:"rel_path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	MTime   time.Time `json:"mtime"`
}

// List returns the sorted entries under (root, rel). With recursive=true the
// walk descends and RelPath stays relative to rel's parent frame (i.e. the
// given rel is the prefix).
func (j *Jail) List(root Root, rel string, recursive bool) ([]Entry, error) {
	const op = "list"
	j.opStart(op, root, rel)
	entries, err := j.list(root, rel, recursive)
	j.opEnd(op, root, rel, err)
	return entries, err
}

func (j *Jail) list(root Root, rel string, recursive bool) ([]Entry, error) {
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail(KindNotFound, "list", root, rel, err)
		}
		return nil, fail(KindInternal, "list", root, rel, err)
	}
	if !fi.IsDir() {
		return nil, fail(KindNotADirectory, "list", root, rel, nil)
	}
	base, _ := NormalizeRel(rel)
	var out []Entry
	if recursive {
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if p == abs {
				return nil
			}
			sub, rerr := filepath.Rel(abs, p)
			if rerr != nil {
				return rerr
			}
			out = append(out, entryFor(joinRel(base, filepath.ToSlash(sub)), d))
			return nil
		})
	} else {
		var des []fs.DirEntry
		des, err = os.ReadDir(abs)
		for _, d := range des {
			out = append(out, entryFor(joinRel(base, d.Name()), d))
		}
	}
	if err != nil {
		return nil, fail(KindInternal, "list", root, rel, err)
	}
	sortEntries(out)
	return out, nil
}

func joinRel(base, name string) string {
	if base == "." || base == "" {
		return name
	}
	return base + "/" + name
}

func entryFor(rel string, d fs.DirEntry) Entry {
	e := Entry{RelPath: rel, IsDir: d.IsDir()}
	if info, err := d.Info(); err == nil {
		if !d.IsDir() {
			e.Size = info.Size()
		}
		e.MTime = info.ModTime().UTC()
	}
	return e
}

// Stat returns metadata for (root, rel).
func (j *Jail) Stat(root Root, rel string) (Stat, error) {
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return Stat{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stat{}, fail(KindNotFound, "stat", root, rel, err)
		}
		return Stat{}, fail(KindInternal, "stat", root, rel, err)
	}
	cleaned, _ := NormalizeRel(rel)
	size := int64(0)
	if !fi.IsDir() {
		size = fi.Size()
	}
	return Stat{RelPath: cleaned, IsDir: fi.IsDir(), Size: size, MTime: fi.ModTime().UTC()}, nil
}

// Exists never fails for unknown paths; invalid paths still fail.
func (j *Jail) Exists(root Root, rel string) (bool, error) {
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fail(KindInternal, "exists", root, rel, err)
	}
	return true, nil
}

// Mkdir creates a directory. parents creates intermediates; existOK accepts
// an already-present directory.
func (j *Jail) Mkdir(root Root, rel string, parents, existOK bool) error {
	const op = "mkdir"
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return err
	}
	j.opStart(op, root, rel)
	defer func() { j.opEnd(op, root, rel, err) }()
	if fi, serr := os.Stat(abs); serr == nil {
		if fi.IsDir() && existOK {
			return nil
		}
		err = fail(KindAlreadyExists, op, root, rel, nil)
		return err
	}
	if parents {
		err = os.MkdirAll(abs, 0o755)
	} else {
		err = os.Mkdir(abs, 0o755)
	}
	if err != nil {
		err = fail(KindInternal, op, root, rel, err)
	}
	return err
}

// Rename moves src to dst within the same root.
func (j *Jail) Rename(root Root, src, dst string, overwrite bool) error {
	const op = "rename"
	absSrc, err := j.Resolve(root, src)
	if err != nil {
		return err
	}
	absDst, err := j.Resolve(root, dst)
	if err != nil {
		return err
	}
	j.opStart(op, root, src)
	defer func() { j.opEnd(op, root, src, err) }()
	if _, serr := os.Stat(absSrc); serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			err = fail(KindNotFound, op, root, src, serr)
			return err
		}
		err = fail(KindInternal, op, root, src, serr)
		return err
	}
	if fi, serr := os.Stat(absDst); serr == nil {
		if fi.IsDir() {
			err = fail(KindIsADirectory, op, root, dst, nil)
			return err
		}
		if !overwrite {
			err = fail(KindAlreadyExists, op, root, dst, nil)
			return err
		}
	}
	if merr := os.MkdirAll(filepath.Dir(absDst), 0o755); merr != nil {
		err = fail(KindInternal, op, root, dst, merr)
		return err
	}
	if rerr := os.Rename(absSrc, absDst); rerr != nil {
		err = fail(KindInternal, op, root, dst, rerr)
	}
	return err
}

// DeleteFile removes a single file.
func (j *Jail) DeleteFile(root Root, rel string) error {
	const op = "delete_file"
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return err
	}
	j.opStart(op, root, rel)
	defer func() { j.opEnd(op, root, rel, err) }()
	fi, serr := os.Stat(abs)
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			err = fail(KindNotFound, op, root, rel, serr)
			return err
		}
		err = fail(KindInternal, op, root, rel, serr)
		return err
	}
	if fi.IsDir() {
		err = fail(KindIsADirectory, op, root, rel, nil)
		return err
	}
	if rerr := os.Remove(abs); rerr != nil {
		err = fail(KindInternal, op, root, rel, rerr)
	}
	return err
}

// Rmdir removes an empty directory.
func (j *Jail) Rmdir(root Root, rel string) error {
	const op = "rmdir"
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return err
	}
	j.opStart(op, root, rel)
	defer func() { j.opEnd(op, root, rel, err) }()
	fi, serr := os.Stat(abs)
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			err = fail(KindNotFound, op, root, rel, serr)
			return err
		}
		err = fail(KindInternal, op, root, rel, serr)
		return err
	}
	if !fi.IsDir() {
		err = fail(KindNotADirectory, op, root, rel, nil)
		return err
	}
	if rerr := os.Remove(abs); rerr != nil {
		err = fail(KindInternal, op, root, rel, rerr)
	}
	return err
}

// Rmtree removes a directory tree recursively.
func (j *Jail) Rmtree(root Root, rel string) error {
	const op = "rmtree"
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return err
	}
	cleaned, _ := NormalizeRel(rel)
	if cleaned == "." {
		return fail(KindInvalidArgument, op, root, rel, fmt.Errorf("refusing to remove root"))
	}
	j.opStart(op, root, rel)
	defer func() { j.opEnd(op, root, rel, err) }()
	fi, serr := os.Stat(abs)
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			err = fail(KindNotFound, op, root, rel, serr)
			return err
		}
		err = fail(KindInternal, op, root, rel, serr)
		return err
	}
	if !fi.IsDir() {
		err = fail(KindNotADirectory, op, root, rel, nil)
		return err
	}
	if rerr := os.RemoveAll(abs); rerr != nil {
		err = fail(KindInternal, op, root, rel, rerr)
	}
	return err
}

// Copy copies a file. overwrite allows replacing an existing destination;
// mkdirParents creates missing destination directories.
func (j *Jail) Copy(root Root, src, dst string, overwrite, mkdirParents bool) error {
	const op = "copy"
	absSrc, err := j.Resolve(root, src)
	if err != nil {
		return err
	}
	absDst, err := j.Resolve(root, dst)
	if err != nil {
		return err
	}
	j.opStart(op, root, src)
	defer func() { j.opEnd(op, root, src, err) }()
	fi, serr := os.Stat(absSrc)
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			err = fail(KindNotFound, op, root, src, serr)
			return err
		}
		err = fail(KindInternal, op, root, src, serr)
		return err
	}
	if fi.IsDir() {
		err = fail(KindIsADirectory, op, root, src, nil)
		return err
	}
	if _, serr := os.Stat(absDst); serr == nil && !overwrite {
		err = fail(KindAlreadyExists, op, root, dst, nil)
		return err
	}
	if mkdirParents {
		if merr := os.MkdirAll(filepath.Dir(absDst), 0o755); merr != nil {
			err = fail(KindInternal, op, root, dst, merr)
			return err
		}
	}
	err = copyFile(absSrc, absDst)
	if err != nil {
		err = fail(KindInternal, op, root, dst, err)
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// OpenRead opens (root, rel) for reading. The caller owns the close.
func (j *Jail) OpenRead(root Root, rel string) (io.ReadCloser, error) {
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail(KindNotFound, "open_read", root, rel, err)
		}
		return nil, fail(KindInternal, "open_read", root, rel, err)
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		_ = f.Close()
		return nil, fail(KindIsADirectory, "open_read", root, rel, nil)
	}
	return f, nil
}

// OpenWrite opens (root, rel) for truncating write, creating parents.
func (j *Jail) OpenWrite(root Root, rel string) (io.WriteCloser, error) {
	return j.openFlags("open_write", root, rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// OpenAppend opens (root, rel) for appending, creating parents.
func (j *Jail) OpenAppend(root Root, rel string) (io.WriteCloser, error) {
	return j.openFlags("open_append", root, rel, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

func (j *Jail) openFlags(op string, root Root, rel string, flags int) (io.WriteCloser, error) {
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fail(KindInternal, op, root, rel, err)
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, fail(KindInternal, op, root, rel, err)
	}
	return f, nil
}

// ReadFile returns the full contents of (root, rel).
func (j *Jail) ReadFile(root Root, rel string) ([]byte, error) {
	r, err := j.OpenRead(root, rel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fail(KindInternal, "read_file", root, rel, err)
	}
	return b, nil
}

// WriteFileAtomic writes to a .tmp sibling, then renames over the target
// with overwrite. Readers observe either the previous or the new content,
// never a torn write.
func (j *Jail) WriteFileAtomic(root Root, rel string, data []byte) error {
	const op = "write_atomic"
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return err
	}
	j.opStart(op, root, rel)
	defer func() { j.opEnd(op, root, rel, err) }()
	if merr := os.MkdirAll(filepath.Dir(abs), 0o755); merr != nil {
		err = fail(KindInternal, op, root, rel, merr)
		return err
	}
	tmp := abs + ".tmp"
	if werr := os.WriteFile(tmp, data, 0o644); werr != nil {
		err = fail(KindInternal, op, root, rel, werr)
		return err
	}
	if rerr := os.Rename(tmp, abs); rerr != nil {
		_ = os.Remove(tmp)
		err = fail(KindInternal, op, root, rel, rerr)
	}
	return err
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func (j *Jail) WriteJSONAtomic(root Root, rel string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(KindInternal, "write_json", root, rel, err)
	}
	return j.WriteFileAtomic(root, rel, append(b, '\n'))
}

// ReadJSON decodes (root, rel) into out.
func (j *Jail) ReadJSON(root Root, rel string, out any) error {
	b, err := j.ReadFile(root, rel)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fail(KindInternal, "read_json", root, rel, err)
	}
	return nil
}

// Checksum returns the hex SHA-256 of a file's contents.
func (j *Jail) Checksum(root Root, rel string) (string, error) {
	r, err := j.OpenRead(root, rel)
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fail(KindInternal, "checksum", root, rel, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TailBytes returns the last maxBytes bytes of a file.
func (j *Jail) TailBytes(root Root, rel string, maxBytes int64) ([]byte, error) {
	const op = "tail_bytes"
	if maxBytes <= 0 {
		return nil, fail(KindInvalidArgument, op, root, rel, fmt.Errorf("max_bytes must be > 0"))
	}
	abs, err := j.Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail(KindNotFound, op, root, rel, err)
		}
		return nil, fail(KindInternal, op, root, rel, err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, fail(KindInternal, op, root, rel, err)
	}
	if fi.IsDir() {
		return nil, fail(KindIsADirectory, op, root, rel, nil)
	}
	offset := fi.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fail(KindInternal, op, root, rel, err)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fail(KindInternal, op, root, rel, err)
	}
	return b, nil
}

// CopyTree copies a directory tree recursively with deterministic
// (lexicographic) iteration order. Used by stage-mode imports.
func (j *Jail) CopyTree(srcRoot Root, srcRel string, dstRoot Root, dstRel string) error {
	const op = "copy_tree"
	entries, err := j.List(srcRoot, srcRel, true)
	if err != nil {
		return err
	}
	srcBase, _ := NormalizeRel(srcRel)
	if err := j.Mkdir(dstRoot, dstRel, true, true); err != nil {
		return err
	}
	for _, e := range entries {
		sub := strings.TrimPrefix(e.RelPath, srcBase)
		sub = strings.TrimPrefix(sub, "/")
		target := joinRel(dstRel, sub)
		if e.IsDir {
			if err := j.Mkdir(dstRoot, target, true, true); err != nil {
				return err
			}
			continue
		}
		if err := j.copyAcross(srcRoot, e.RelPath, dstRoot, target); err != nil {
			return err
		}
	}
	j.opEnd(op, srcRoot, srcRel, nil)
	return nil
}

// CopyAcross copies one file between roots, creating parents.
func (j *Jail) CopyAcross(srcRoot Root, srcRel string, dstRoot Root, dstRel string) error {
	return j.copyAcross(srcRoot, srcRel, dstRoot, dstRel)
}

func (j *Jail) copyAcross(srcRoot Root, srcRel string, dstRoot Root, dstRel string) error {
	absSrc, err := j.Resolve(srcRoot, srcRel)
	if err != nil {
		return err
	}
	absDst, err := j.Resolve(dstRoot, dstRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fail(KindInternal, "copy", dstRoot, dstRel, err)
	}
	if err := copyFile(absSrc, absDst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail(KindNotFound, "copy", srcRoot, srcRel, err)
		}
		return fail(KindInternal, "copy", dstRoot, dstRel, err)
	}
	return nil
}
