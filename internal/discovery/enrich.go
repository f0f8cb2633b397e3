package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/fsjail"
)

const (
	cacheSchemaVersion = 1
	cacheRel           = "import_wizard/cache_v1.json"
)

// Enrichment states.
const (
	StateIdle    = "idle"
	StatePending = "pending"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// BookFingerprint identifies a unit's content at basic strength: metadata
// only, no byte hashing.
type BookFingerprint struct {
	Algo     string `json:"algo"`
	Value    string `json:"value"`
	Strength string `json:"strength"`
}

// Enrichment is the cached deep-scan result for one book unit.
type Enrichment struct {
	State       string          `json:"state"`
	Sig         string          `json:"_sig"`
	Signature   string          `json:"signature,omitempty"`
	Fingerprint BookFingerprint `json:"fingerprint,omitempty"`
	Covers      []string        `json:"covers,omitempty"`
	AudioFiles  []string        `json:"audio_files,omitempty"`
	Error       string          `json:"error,omitempty"`
	ID3         *ID3Hints       `json:"id3,omitempty"`
}

type cacheDoc struct {
	SchemaVersion int                    `json:"schema_version"`
	Books         map[string]*Enrichment `json:"books"`
}

// BookRef keys the enrichment cache: 24 hex over source root and rel path.
func BookRef(sourceRoot fsjail.Root, relPath string) string {
	return canon.ShortHash(string(sourceRoot)+"|"+relPath, 12)
}

// Enricher runs deep enrichment and maintains cache_v1.json under the Jobs
// root. Safe for sequential use by the lock-holding process; the running
// state excludes concurrent invocations for the same unit.
type Enricher struct {
	Jail *fsjail.Jail
}

// Enrich deep-scans one unit. A cached entry whose _sig still matches is
// returned as-is; a unit already running is rejected.
func (en *Enricher) Enrich(sourceRoot fsjail.Root, book Book) (*Enrichment, error) {
	doc, err := en.loadCache()
	if err != nil {
		return nil, err
	}
	ref := BookRef(sourceRoot, book.RelPath)
	sig, err := en.unitSig(sourceRoot, book)
	if err != nil {
		return nil, err
	}
	if cur, ok := doc.Books[ref]; ok {
		if cur.State == StateRunning {
			return nil, fmt.Errorf("enrichment already running for %s", book.RelPath)
		}
		if cur.State == StateDone && cur.Sig == sig {
			return cur, nil
		}
	}

	// Persist running before the scan so a crash leaves evidence and a
	// concurrent caller is excluded.
	doc.Books[ref] = &Enrichment{State: StateRunning, Sig: sig}
	if err := en.saveCache(doc); err != nil {
		return nil, err
	}

	e, scanErr := en.scan(sourceRoot, book)
	if scanErr != nil {
		doc.Books[ref] = &Enrichment{State: StateFailed, Sig: sig, Error: scanErr.Error()}
		_ = en.saveCache(doc)
		return nil, scanErr
	}
	e.State = StateDone
	e.Sig = sig
	doc.Books[ref] = e
	if err := en.saveCache(doc); err != nil {
		return nil, err
	}
	return e, nil
}

func (en *Enricher) scan(sourceRoot fsjail.Root, book Book) (*Enrichment, error) {
	e := &Enrichment{}
	if book.UnitType == "file" {
		st, err := en.Jail.Stat(sourceRoot, book.RelPath)
		if err != nil {
			return nil, err
		}
		line := fmt.Sprintf("%s%d%d", st.RelPath, st.Size, st.MTime.UnixMicro())
		sum := sha256.Sum256([]byte(line))
		e.Fingerprint = BookFingerprint{Algo: "sha256", Value: hex.EncodeToString(sum[:]), Strength: "basic"}
		e.Signature = e.Fingerprint.Value
		return e, nil
	}

	entries, err := en.Jail.List(sourceRoot, book.RelPath, true)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, ent := range entries {
		if ent.IsDir {
			continue
		}
		ext := strings.ToLower(path.Ext(ent.RelPath))
		switch {
		case audioExts[ext]:
			e.AudioFiles = append(e.AudioFiles, ent.RelPath)
		case coverExts[ext]:
			e.Covers = append(e.Covers, ent.RelPath)
		default:
			continue
		}
		lines = append(lines, fmt.Sprintf("%s\n%d\n%d\n", ent.RelPath, ent.Size, ent.MTime.UnixMicro()))
	}
	sort.Strings(lines)
	sort.Strings(e.Covers)
	sort.Strings(e.AudioFiles)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
	}
	e.Fingerprint = BookFingerprint{Algo: "sha256", Value: hex.EncodeToString(h.Sum(nil)), Strength: "basic"}
	e.Signature = e.Fingerprint.Value
	if hints := en.sampleID3(sourceRoot, e.AudioFiles); hints != nil {
		e.ID3 = hints
	}
	return e, nil
}

// unitSig is the cheap change detector for a unit: blake3 over the unit's
// metadata listing.
func (en *Enricher) unitSig(sourceRoot fsjail.Root, book Book) (string, error) {
	h := blake3.New()
	if book.UnitType == "file" {
		st, err := en.Jail.Stat(sourceRoot, book.RelPath)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s|%d|%d\n", st.RelPath, st.Size, st.MTime.UnixMicro())
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	entries, err := en.Jail.List(sourceRoot, book.RelPath, true)
	if err != nil {
		return "", err
	}
	for _, ent := range entries {
		fmt.Fprintf(h, "%s|%v|%d|%d\n", ent.RelPath, ent.IsDir, ent.Size, ent.MTime.UnixMicro())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (en *Enricher) loadCache() (*cacheDoc, error) {
	doc := &cacheDoc{SchemaVersion: cacheSchemaVersion, Books: map[string]*Enrichment{}}
	err := en.Jail.ReadJSON(fsjail.RootJobs, cacheRel, doc)
	if err != nil {
		if fsjail.IsKind(err, fsjail.KindNotFound) {
			return doc, nil
		}
		return nil, err
	}
	if doc.SchemaVersion != cacheSchemaVersion {
		return nil, fmt.Errorf("enrichment cache: unsupported schema version %d", doc.SchemaVersion)
	}
	if doc.Books == nil {
		doc.Books = map[string]*Enrichment{}
	}
	return doc, nil
}

func (en *Enricher) saveCache(doc *cacheDoc) error {
	doc.SchemaVersion = cacheSchemaVersion
	return en.Jail.WriteJSONAtomic(fsjail.RootJobs, cacheRel, doc)
}
