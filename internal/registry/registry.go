// Package registry tracks which book units have already been imported.
// Membership is written only after the owning job reaches SUCCEEDED; every
// runner checks membership before doing destructive or costly work.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/fsjail"
)

const (
	schemaVersion = 1
	registryRel   = "import/processed/processed_registry.json"
)

type document struct {
	SchemaVersion int      `json:"schema_version"`
	Keys          []string `json:"keys"`
}

// BookIdentityKey derives the registry key for a book unit. Keys are
// "algo:value" and deterministic across processes.
func BookIdentityKey(sourceRoot fsjail.Root, bookRelPath, unitType string) (string, error) {
	rel, err := fsjail.NormalizeRel(bookRelPath)
	if err != nil {
		return "", fmt.Errorf("identity key: %w", err)
	}
	fp, err := canon.Fingerprint(map[string]any{
		"source_root": string(sourceRoot),
		"rel_path":    canon.ASCIICoerce(rel),
		"unit_type":   unitType,
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + fp, nil
}

// Processed is the persisted key set. Safe for concurrent use within the
// process that holds the patches-root lock; cross-process exclusion is the
// lock's job, not this type's.
type Processed struct {
	mu   sync.Mutex
	jail *fsjail.Jail
}

func NewProcessed(jail *fsjail.Jail) *Processed {
	return &Processed{jail: jail}
}

// Mark admits a key. Re-marking an existing key is a no-op.
func (p *Processed) Mark(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.load()
	if err != nil {
		return err
	}
	for _, k := range doc.Keys {
		if k == key {
			return nil
		}
	}
	doc.Keys = append(doc.Keys, key)
	sort.Strings(doc.Keys)
	return p.save(doc)
}

// Unmark removes a key. Removing an absent key is a no-op.
func (p *Processed) Unmark(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.load()
	if err != nil {
		return err
	}
	kept := doc.Keys[:0]
	for _, k := range doc.Keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	doc.Keys = kept
	return p.save(doc)
}

// IsProcessed reports membership.
func (p *Processed) IsProcessed(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.load()
	if err != nil {
		return false, err
	}
	for _, k := range doc.Keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// List returns the sorted key set.
func (p *Processed) List() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(doc.Keys))
	copy(out, doc.Keys)
	sort.Strings(out)
	return out, nil
}

func (p *Processed) load() (*document, error) {
	var doc document
	err := p.jail.ReadJSON(fsjail.RootWizards, registryRel, &doc)
	if err != nil {
		if fsjail.IsKind(err, fsjail.KindNotFound) {
			return &document{SchemaVersion: schemaVersion}, nil
		}
		return nil, err
	}
	if doc.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("processed registry: unsupported schema version %d", doc.SchemaVersion)
	}
	return &doc, nil
}

func (p *Processed) save(doc *document) error {
	doc.SchemaVersion = schemaVersion
	sort.Strings(doc.Keys)
	return p.jail.WriteJSONAtomic(fsjail.RootWizards, registryRel, doc)
}

func validateKey(key string) error {
	algo, value, ok := strings.Cut(key, ":")
	if !ok || algo == "" || value == "" {
		return fmt.Errorf("invalid identity key: %q", key)
	}
	if !canon.IsASCII(key) {
		return fmt.Errorf("identity key must be ASCII: %q", key)
	}
	return nil
}
