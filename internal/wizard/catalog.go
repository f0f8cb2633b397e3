package wizard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bookwright/bookwright/internal/discovery"
	"github.com/bookwright/bookwright/internal/fsjail"
)

// FieldType is the closed union of step-field types. Validation dispatches
// on the tag; there is no reflective payload handling.
type FieldType string

const (
	TypeText        FieldType = "text"
	TypeToggle      FieldType = "toggle"
	TypeConfirm     FieldType = "confirm"
	TypeSelect      FieldType = "select"
	TypeNumber      FieldType = "number"
	TypeMultiSelect FieldType = "multi_select_indexed"
	TypeTableEdit   FieldType = "table_edit"
)

// Field is one schema entry of a step.
type Field struct {
	Name        string                    `json:"name"`
	Type        FieldType                 `json:"type"`
	Required    bool                      `json:"required"`
	Constraints map[string]any            `json:"constraints,omitempty"`
	Items       []discovery.SelectionItem `json:"items,omitempty"`
}

// Step is one wizard step schema.
type Step struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields,omitempty"`

	// Computed steps are never submitted by the UI.
	Computed bool `json:"computed,omitempty"`
}

// Catalog is the immutable per-session step schema set.
type Catalog struct {
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step IDs in definition order.
const (
	StepSelectAuthors        = "select_authors"
	StepSelectBooks          = "select_books"
	StepPlanPreviewBatch     = "plan_preview_batch"
	StepEffectiveAuthorTitle = "effective_author_title"
	StepFilenamePolicy       = "filename_policy"
	StepCoversPolicy         = "covers_policy"
	StepID3Policy            = "id3_policy"
	StepAudioProcessing      = "audio_processing"
	StepPublishPolicy        = "publish_policy"
	StepDeleteSourcePolicy   = "delete_source_policy"
	StepConflictPolicy       = "conflict_policy"
	StepParallelism          = "parallelism"
	StepFinalSummaryConfirm  = "final_summary_confirm"
	StepResolveConflicts     = "resolve_conflicts_batch"
	StepProcessing           = "processing"
)

// mandatorySteps may never be disabled by a flow override.
// resolve_conflicts_batch is conditional: it participates only when the
// conflict policy is ask and conflicts are present.
var mandatorySteps = map[string]bool{
	StepSelectAuthors:       true,
	StepSelectBooks:         true,
	StepPlanPreviewBatch:    true,
	StepConflictPolicy:      true,
	StepFinalSummaryConfirm: true,
	StepProcessing:          true,
	StepResolveConflicts:    true,
}

// DefaultCatalog bootstraps the step schemas written to
// import/catalog/catalog.json on first use.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Version: 1,
		Steps: []Step{
			{ID: StepSelectAuthors, Title: "Select authors", Fields: []Field{
				{Name: "selection", Type: TypeMultiSelect},
			}},
			{ID: StepSelectBooks, Title: "Select books", Fields: []Field{
				{Name: "selection", Type: TypeMultiSelect},
			}},
			{ID: StepPlanPreviewBatch, Title: "Plan preview", Computed: true},
			{ID: StepEffectiveAuthorTitle, Title: "Author and title", Fields: []Field{
				{Name: "overrides", Type: TypeTableEdit},
			}},
			{ID: StepFilenamePolicy, Title: "Filename policy", Fields: []Field{
				{Name: "policy", Type: TypeSelect, Constraints: map[string]any{
					"options": []string{"keep", "normalize"},
				}},
			}},
			{ID: StepCoversPolicy, Title: "Covers policy", Fields: []Field{
				{Name: "embed", Type: TypeToggle},
				{Name: "prefer", Type: TypeSelect, Constraints: map[string]any{
					"options": []string{"largest", "first"},
				}},
			}},
			{ID: StepID3Policy, Title: "ID3 policy", Fields: []Field{
				{Name: "write_tags", Type: TypeToggle},
			}},
			{ID: StepAudioProcessing, Title: "Audio processing", Fields: []Field{
				{Name: "enabled", Type: TypeToggle},
				{Name: "confirmed", Type: TypeConfirm},
				{Name: "bitrate_mode", Type: TypeSelect, Constraints: map[string]any{
					"options": []string{"cbr", "vbr"},
				}},
				{Name: "bitrate_kbps", Type: TypeNumber, Constraints: map[string]any{
					"min": 32, "max": 320,
				}},
			}},
			{ID: StepPublishPolicy, Title: "Publish policy", Fields: []Field{
				{Name: "publish", Type: TypeToggle},
			}},
			{ID: StepDeleteSourcePolicy, Title: "Delete source", Fields: []Field{
				{Name: "enabled", Type: TypeToggle},
				{Name: "guard_enabled", Type: TypeToggle},
			}},
			{ID: StepConflictPolicy, Title: "Conflict policy", Fields: []Field{
				{Name: "mode", Type: TypeSelect, Required: true, Constraints: map[string]any{
					"options": []string{"ask", "overwrite", "skip", "version_suffix"},
				}},
			}},
			{ID: StepParallelism, Title: "Parallelism", Fields: []Field{
				{Name: "n", Type: TypeNumber, Constraints: map[string]any{
					"min": 1, "max": 64,
				}},
			}},
			{ID: StepFinalSummaryConfirm, Title: "Confirm", Fields: []Field{
				{Name: "confirm_start", Type: TypeConfirm, Required: true},
			}},
			{ID: StepResolveConflicts, Title: "Resolve conflicts", Fields: []Field{
				{Name: "confirm", Type: TypeConfirm},
			}},
			{ID: StepProcessing, Title: "Processing", Computed: true},
		},
	}
}

// StepByID looks up a step schema.
func (c *Catalog) StepByID(id string) (Step, bool) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

const (
	catalogRel    = "import/catalog/catalog.json"
	definitionRel = "import/definitions/wizard_definition.json"
)

// catalogSchemaJSON guards a hand-edited catalog.json: the field type
// union is closed, so an unknown type must fail at load, not at submit.
const catalogSchemaJSON = `{
  "type": "object",
  "required": ["version", "steps"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "computed": {"type": "boolean"},
          "fields": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "type": {"enum": ["text", "toggle", "confirm", "select", "number", "multi_select_indexed", "table_edit"]},
                "required": {"type": "boolean"}
              }
            }
          }
        }
      }
    }
  }
}`

var catalogSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("catalog.schema.json", strings.NewReader(catalogSchemaJSON)); err != nil {
		panic(err)
	}
	s, err := c.Compile("catalog.schema.json")
	if err != nil {
		panic(err)
	}
	return s
}()

// LoadCatalog reads the persisted catalog, bootstrapping the default on
// first use. The stored document is schema-checked so a hand-edited
// catalog fails at load time.
func LoadCatalog(jail *fsjail.Jail) (*Catalog, error) {
	raw, err := jail.ReadFile(fsjail.RootWizards, catalogRel)
	if err == nil {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if err := catalogSchema.Validate(v); err != nil {
			return nil, fmt.Errorf("catalog schema: %w", err)
		}
		var c Catalog
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		return &c, nil
	}
	if !fsjail.IsKind(err, fsjail.KindNotFound) {
		return nil, err
	}
	def := DefaultCatalog()
	if err := jail.WriteJSONAtomic(fsjail.RootWizards, catalogRel, def); err != nil {
		return nil, err
	}
	ids := make([]string, len(def.Steps))
	for i, s := range def.Steps {
		ids[i] = s.ID
	}
	if err := jail.WriteJSONAtomic(fsjail.RootWizards, definitionRel, map[string]any{"steps": ids}); err != nil {
		return nil, err
	}
	return def, nil
}
