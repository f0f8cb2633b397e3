// Package requests defines the job_requests.json document: the canonical,
// single-write artifact produced at Phase-2 entry and consumed by the queue
// runner and the processed-registry subscriber.
package requests

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bookwright/bookwright/internal/canon"
)

const (
	JobType    = "import.process"
	JobVersion = 1
)

// SourceRef names a jail location.
type SourceRef struct {
	Root         string `json:"root"`
	RelativePath string `json:"relative_path"`
}

// TargetRef names the destination root for an action.
type TargetRef struct {
	Root string `json:"root"`
}

// BookDecision is the per-book import decision frozen into the document.
type BookDecision struct {
	BookRelPath   string            `json:"book_rel_path"`
	UnitType      string            `json:"unit_type"` // dir | file
	Author        string            `json:"author"`
	Title         string            `json:"title"`
	HandlingMode  string            `json:"handling_mode"`
	RenamePreview map[string]string `json:"rename_preview,omitempty"`
	Options       map[string]any    `json:"options,omitempty"`
}

// Action is one entry of the actions list. The batch action carries the
// plan summary; book actions carry per-unit identity fields for the
// registry subscriber.
type Action struct {
	Type        string         `json:"type"` // import.batch | import.book
	Source      SourceRef      `json:"source"`
	Target      TargetRef      `json:"target"`
	PlanSummary map[string]any `json:"plan_summary,omitempty"`

	// import.book fields.
	BookID   string        `json:"book_id,omitempty"`
	UnitType string        `json:"unit_type,omitempty"`
	Decision *BookDecision `json:"decision,omitempty"`
}

// Document is the job_requests.json shape, version 1.
type Document struct {
	JobType            string            `json:"job_type"`
	JobVersion         int               `json:"job_version"`
	SessionID          string            `json:"session_id"`
	Mode               string            `json:"mode"`
	ConfigFingerprint  string            `json:"config_fingerprint"`
	Actions            []Action          `json:"actions"`
	DiagnosticsContext map[string]string `json:"diagnostics_context,omitempty"`
	IdempotencyKey     string            `json:"idempotency_key"`
}

// ComputeIdempotencyKey fingerprints the document with the key field absent.
func ComputeIdempotencyKey(doc *Document) (string, error) {
	clone := *doc
	clone.IdempotencyKey = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return "", err
	}
	delete(plain, "idempotency_key")
	return canon.Fingerprint(plain)
}

// Finalize stamps the idempotency key and returns canonical bytes ready for
// the single atomic write.
func Finalize(doc *Document) ([]byte, error) {
	key, err := ComputeIdempotencyKey(doc)
	if err != nil {
		return nil, err
	}
	doc.IdempotencyKey = key
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	b, err := canon.CanonicalizeJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateBytes(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses and schema-validates document bytes.
func Decode(b []byte) (*Document, error) {
	if err := ValidateBytes(b); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.JobType != JobType || doc.JobVersion != JobVersion {
		return nil, fmt.Errorf("unsupported job_requests document: type=%q version=%d", doc.JobType, doc.JobVersion)
	}
	return &doc, nil
}

// schemaJSON guards the wire shape; structural drift fails loudly at the
// producer and at the registry subscriber rather than deep in the runner.
const schemaJSON = `{
  "type": "object",
  "required": ["job_type", "job_version", "session_id", "mode", "config_fingerprint", "actions", "idempotency_key"],
  "properties": {
    "job_type": {"type": "string"},
    "job_version": {"type": "integer", "minimum": 1},
    "session_id": {"type": "string", "minLength": 1},
    "mode": {"enum": ["stage", "inplace"]},
    "config_fingerprint": {"type": "string"},
    "diagnostics_context": {"type": "object"},
    "idempotency_key": {"type": "string", "minLength": 1},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "source", "target"],
        "properties": {
          "type": {"enum": ["import.batch", "import.book"]},
          "source": {
            "type": "object",
            "required": ["root", "relative_path"],
            "properties": {
              "root": {"type": "string", "minLength": 1},
              "relative_path": {"type": "string"}
            }
          },
          "target": {
            "type": "object",
            "required": ["root"],
            "properties": {"root": {"type": "string", "minLength": 1}}
          },
          "book_id": {"type": "string"},
          "unit_type": {"enum": ["dir", "file", ""]}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("job_requests.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	s, err := c.Compile("job_requests.schema.json")
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateBytes checks raw document bytes against the schema.
func ValidateBytes(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("job_requests: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("job_requests schema: %w", err)
	}
	return nil
}
