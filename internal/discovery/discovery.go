// Package discovery scans a source root for importable book units. Phase 0
// is two-pass: a bounded fast index that classifies top-level items and
// derives (author, book) tuples, then a delta-driven deep enrichment that
// fingerprints each unit and collects cover candidates.
package discovery

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
)

// Classification of a top-level source item.
type Class string

const (
	ClassAuthorDir    Class = "author_dir"
	ClassBookDir      Class = "book_dir"
	ClassAudioFile    Class = "audio_file"
	ClassContainerZip Class = "container_zip"
	ClassContainerRar Class = "container_rar"
	ClassOtherFile    Class = "other_file"
)

// Kind of a discovery item as exposed to the wizard.
type Kind string

const (
	KindDir    Kind = "dir"
	KindFile   Kind = "file"
	KindBundle Kind = "bundle"
)

// Longest-suffix match decides bundle-ness, so ".tar.gz" wins over ".gz".
var bundleSuffixes = []string{".tar.gz", ".tar.bz2", ".tar", ".tgz", ".zip"}

var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".m4b": true, ".flac": true,
	".wav": true, ".ogg": true, ".opus": true,
}

var coverExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// Item is one discovered entry, ordered by (root, relative_path, kind).
type Item struct {
	ItemID       string `json:"item_id"` // "root:<R>|path:<P>"
	Root         string `json:"root"`
	RelativePath string `json:"relative_path"`
	Kind         Kind   `json:"kind"`
	Class        Class  `json:"class"`
}

// Book is one importable unit derived from the index.
type Book struct {
	AuthorKey string `json:"author_key"`
	BookKey   string `json:"book_key"`
	RelPath   string `json:"rel_path"`
	UnitType  string `json:"unit_type"` // dir | file
}

// SelectionItem is what the wizard's indexed multi-selects offer.
type SelectionItem struct {
	ItemID string `json:"item_id"`
	Label  string `json:"label"`
}

// Snapshot is the fast-index result. Persisted per session as
// discovery.json; immutable once written.
type Snapshot struct {
	Root      string `json:"root"`
	RelPath   string `json:"rel_path"`
	Signature string `json:"signature"`
	Items     []Item `json:"items"`
	Books     []Book `json:"books"`
}

// AuthorID derives the selectable author id.
func AuthorID(authorKey string) string {
	return canon.ShortID("author:", "a|"+authorKey)
}

// BookID derives the selectable book id.
func BookID(authorKey, bookKey string) string {
	return canon.ShortID("book:", "b|"+authorKey+"|"+bookKey)
}

// Indexer runs the fast pass. Ignore patterns are doublestar globs matched
// against paths relative to the scan origin.
type Indexer struct {
	Jail   *fsjail.Jail
	Bus    *diag.Bus
	Ignore []string
}

// FastIndex lists at most two directory levels under (root, rel),
// classifies each top-level item, and derives book units. Output ordering
// is total: items by (root, relative_path, kind), books by
// (author_key, book_key, rel_path).
func (ix *Indexer) FastIndex(root fsjail.Root, rel string) (*Snapshot, error) {
	ix.emit("operation.start", "fast_index", root, rel, nil)
	snap, err := ix.fastIndex(root, rel)
	ix.emit("operation.end", "fast_index", root, rel, map[string]any{"ok": err == nil})
	return snap, err
}

func (ix *Indexer) fastIndex(root fsjail.Root, rel string) (*Snapshot, error) {
	base, err := fsjail.NormalizeRel(rel)
	if err != nil {
		return nil, err
	}
	top, err := ix.Jail.List(root, base, false)
	if err != nil {
		return nil, err
	}
	top = ix.filterIgnored(base, top)

	var sigEntries []any
	var items []Item
	var books []Book

	for _, e := range top {
		sigEntries = append(sigEntries, sigEntry(e))
		name := path.Base(e.RelPath)
		if e.IsDir {
			children, err := ix.Jail.List(root, e.RelPath, false)
			if err != nil {
				return nil, err
			}
			children = ix.filterIgnored(base, children)
			subdirs := 0
			for _, c := range children {
				sigEntries = append(sigEntries, sigEntry(c))
				if c.IsDir {
					subdirs++
				}
			}
			if subdirs > 0 {
				// Author layout needs two levels: author dir over book dirs.
				items = append(items, ix.item(root, e.RelPath, KindDir, ClassAuthorDir))
				for _, c := range children {
					if !c.IsDir {
						continue
					}
					books = append(books, Book{
						AuthorKey: name,
						BookKey:   path.Base(c.RelPath),
						RelPath:   c.RelPath,
						UnitType:  "dir",
					})
				}
			} else {
				items = append(items, ix.item(root, e.RelPath, KindDir, ClassBookDir))
				books = append(books, Book{
					AuthorKey: name,
					BookKey:   name,
					RelPath:   e.RelPath,
					UnitType:  "dir",
				})
			}
			continue
		}
		class, kind := classifyFile(name)
		items = append(items, ix.item(root, e.RelPath, kind, class))
		if class == ClassAudioFile || kind == KindBundle {
			books = append(books, Book{
				AuthorKey: "",
				BookKey:   stem(name),
				RelPath:   e.RelPath,
				UnitType:  "file",
			})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Root != items[j].Root {
			return items[i].Root < items[j].Root
		}
		if items[i].RelativePath != items[j].RelativePath {
			return items[i].RelativePath < items[j].RelativePath
		}
		return items[i].Kind < items[j].Kind
	})
	sort.Slice(books, func(i, j int) bool {
		if books[i].AuthorKey != books[j].AuthorKey {
			return books[i].AuthorKey < books[j].AuthorKey
		}
		if books[i].BookKey != books[j].BookKey {
			return books[i].BookKey < books[j].BookKey
		}
		return books[i].RelPath < books[j].RelPath
	})

	sig, err := signature(sigEntries)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Root:      string(root),
		RelPath:   base,
		Signature: sig,
		Items:     items,
		Books:     books,
	}, nil
}

// AuthorSelection projects the snapshot's authors in discovery order.
func (s *Snapshot) AuthorSelection() []SelectionItem {
	seen := map[string]bool{}
	var out []SelectionItem
	for _, b := range s.Books {
		if b.AuthorKey == "" || seen[b.AuthorKey] {
			continue
		}
		seen[b.AuthorKey] = true
		out = append(out, SelectionItem{
			ItemID: AuthorID(b.AuthorKey),
			Label:  canon.ASCIICoerce(b.AuthorKey),
		})
	}
	return out
}

// BookSelection projects the snapshot's books in discovery order, filtered
// to the given author ids when any are selected.
func (s *Snapshot) BookSelection(authorIDs []string) []SelectionItem {
	allow := map[string]bool{}
	for _, id := range authorIDs {
		allow[id] = true
	}
	var out []SelectionItem
	for _, b := range s.Books {
		if len(allow) > 0 && !allow[AuthorID(b.AuthorKey)] {
			continue
		}
		label := b.BookKey
		if b.AuthorKey != "" {
			label = b.AuthorKey + "/" + b.BookKey
		}
		out = append(out, SelectionItem{
			ItemID: BookID(b.AuthorKey, b.BookKey),
			Label:  canon.ASCIICoerce(label),
		})
	}
	return out
}

// BookByID resolves a selectable id back to its unit.
func (s *Snapshot) BookByID(id string) (Book, bool) {
	for _, b := range s.Books {
		if BookID(b.AuthorKey, b.BookKey) == id {
			return b, true
		}
	}
	return Book{}, false
}

func (ix *Indexer) item(root fsjail.Root, rel string, kind Kind, class Class) Item {
	return Item{
		ItemID:       fmt.Sprintf("root:%s|path:%s", root, rel),
		Root:         string(root),
		RelativePath: rel,
		Kind:         kind,
		Class:        class,
	}
}

func (ix *Indexer) filterIgnored(base string, entries []fsjail.Entry) []fsjail.Entry {
	if len(ix.Ignore) == 0 {
		return entries
	}
	kept := entries[:0]
	for _, e := range entries {
		rel := strings.TrimPrefix(e.RelPath, base+"/")
		if !ix.ignored(rel) {
			kept = append(kept, e)
		}
	}
	return kept
}

func (ix *Indexer) ignored(rel string) bool {
	for _, pat := range ix.Ignore {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (ix *Indexer) emit(event, op string, root fsjail.Root, rel string, extra map[string]any) {
	if ix.Bus == nil {
		return
	}
	data := map[string]any{"root": string(root), "rel_path": rel}
	for k, v := range extra {
		data[k] = v
	}
	ix.Bus.Publish(event, "discovery", op, data)
}

func classifyFile(name string) (Class, Kind) {
	lower := strings.ToLower(name)
	for _, suf := range bundleSuffixes {
		if strings.HasSuffix(lower, suf) {
			if suf == ".zip" {
				return ClassContainerZip, KindBundle
			}
			return ClassOtherFile, KindBundle
		}
	}
	if strings.HasSuffix(lower, ".rar") {
		return ClassContainerRar, KindFile
	}
	if audioExts[path.Ext(lower)] {
		return ClassAudioFile, KindFile
	}
	return ClassOtherFile, KindFile
}

func stem(name string) string {
	lower := strings.ToLower(name)
	for _, suf := range bundleSuffixes {
		if strings.HasSuffix(lower, suf) {
			return name[:len(name)-len(suf)]
		}
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

func sigEntry(e fsjail.Entry) map[string]any {
	return map[string]any{
		"rel_path": e.RelPath,
		"is_dir":   e.IsDir,
		"size":     e.Size,
		"mtime":    e.MTime.UnixMicro(),
	}
}

func signature(entries []any) (string, error) {
	sort.Slice(entries, func(i, j int) bool {
		a := entries[i].(map[string]any)["rel_path"].(string)
		b := entries[j].(map[string]any)["rel_path"].(string)
		return a < b
	})
	return canon.Fingerprint(entries)
}
