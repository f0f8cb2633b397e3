package wizard

import (
	"fmt"

	"github.com/bookwright/bookwright/internal/fsjail"
)

// FlowConfig is the v1 flow document: which optional steps are enabled plus
// a verbosity hint. Mandatory steps cannot be toggled.
type FlowConfig struct {
	Version   int                   `json:"version"`
	Steps     map[string]StepToggle `json:"steps"`
	Verbosity string                `json:"verbosity,omitempty"`
}

type StepToggle struct {
	Enabled bool `json:"enabled"`
}

// Overrides is the only accepted create_session flow_overrides shape.
type Overrides struct {
	Steps map[string]struct {
		Enabled *bool `json:"enabled"`
	} `json:"steps"`
}

const (
	flowRel       = "import/flow/current.json"
	flowConfigRel = "import/config/flow_config.json"
)

// DefaultFlow enables every catalog step.
func DefaultFlow(c *Catalog) *FlowConfig {
	f := &FlowConfig{Version: 1, Steps: map[string]StepToggle{}}
	for _, s := range c.Steps {
		f.Steps[s.ID] = StepToggle{Enabled: true}
	}
	return f
}

// LoadFlow reads the persisted flow config, bootstrapping the default on
// first use.
func LoadFlow(jail *fsjail.Jail, c *Catalog) (*FlowConfig, error) {
	var f FlowConfig
	err := jail.ReadJSON(fsjail.RootWizards, flowRel, &f)
	if err == nil {
		if f.Version != 1 {
			return nil, fmt.Errorf("flow config: unsupported version %d", f.Version)
		}
		return &f, nil
	}
	if !fsjail.IsKind(err, fsjail.KindNotFound) {
		return nil, err
	}
	def := DefaultFlow(c)
	if err := jail.WriteJSONAtomic(fsjail.RootWizards, flowRel, def); err != nil {
		return nil, err
	}
	if err := jail.WriteJSONAtomic(fsjail.RootWizards, flowConfigRel, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Apply merges create_session overrides into a copy of the flow. Enabling a
// mandatory step is a no-op; disabling one is a hard error.
func (f *FlowConfig) Apply(ov *Overrides) (*FlowConfig, error) {
	out := &FlowConfig{Version: f.Version, Verbosity: f.Verbosity, Steps: map[string]StepToggle{}}
	for id, t := range f.Steps {
		out.Steps[id] = t
	}
	if ov == nil {
		return out, nil
	}
	for id, t := range ov.Steps {
		if t.Enabled == nil {
			continue
		}
		if _, known := out.Steps[id]; !known {
			return nil, validationErr("$.steps."+id, "unknown_id", "unknown step in flow overrides: "+id)
		}
		if mandatorySteps[id] {
			if !*t.Enabled {
				return nil, invariantErr("mandatory_step_disabled", "cannot disable mandatory step "+id)
			}
			continue
		}
		out.Steps[id] = StepToggle{Enabled: *t.Enabled}
	}
	return out, nil
}

// Enabled reports whether a step participates in this flow.
func (f *FlowConfig) Enabled(stepID string) bool {
	if mandatorySteps[stepID] {
		return true
	}
	t, ok := f.Steps[stepID]
	return ok && t.Enabled
}

// Order projects the catalog's step order under this flow, excluding the
// conditional resolve step (entered only via the conflict edge) and the
// terminal processing step.
func (f *FlowConfig) Order(c *Catalog) []string {
	var out []string
	for _, s := range c.Steps {
		if s.ID == StepResolveConflicts || s.ID == StepProcessing {
			continue
		}
		if f.Enabled(s.ID) {
			out = append(out, s.ID)
		}
	}
	return out
}
