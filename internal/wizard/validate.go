package wizard

import (
	"fmt"
	"strings"

	"github.com/bookwright/bookwright/internal/discovery"
)

// validatePayload checks a submitted payload against the step schema. The
// check order is canonical: unknown fields, then type mismatches, then
// missing required fields. Multi-select fields resolve to an ordered id
// list stored under "<name>".
func validatePayload(step Step, payload map[string]any) (map[string]any, error) {
	fields := map[string]Field{}
	for _, f := range step.Fields {
		fields[f.Name] = f
	}

	for name := range payload {
		base := name
		if strings.HasSuffix(name, "_expr") || strings.HasSuffix(name, "_ids") {
			base = name[:strings.LastIndex(name, "_")]
		}
		f, ok := fields[base]
		if !ok {
			return nil, validationErr("$."+name, "unknown_field", "unknown field "+name+" for step "+step.ID)
		}
		if base != name && f.Type != TypeMultiSelect {
			return nil, validationErr("$."+name, "unknown_field", "unknown field "+name+" for step "+step.ID)
		}
	}

	out := map[string]any{}
	for _, f := range step.Fields {
		if f.Type == TypeMultiSelect {
			ids, present, err := resolveMultiSelect(f, payload)
			if err != nil {
				return nil, err
			}
			if present {
				out[f.Name] = ids
			} else if f.Required {
				return nil, validationErr("$."+f.Name, "missing_required", "field "+f.Name+" is required")
			}
			continue
		}
		raw, present := payload[f.Name]
		if !present {
			if f.Required {
				return nil, validationErr("$."+f.Name, "missing_required", "field "+f.Name+" is required")
			}
			continue
		}
		v, err := coerceField(step.ID, f, raw)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func coerceField(stepID string, f Field, raw any) (any, error) {
	path := "$." + f.Name
	switch f.Type {
	case TypeText:
		s, ok := raw.(string)
		if !ok {
			return nil, validationErr(path, "invalid_type", "field "+f.Name+" expects a string")
		}
		return s, nil
	case TypeToggle, TypeConfirm:
		b, ok := raw.(bool)
		if !ok {
			return nil, validationErr(path, "invalid_type", "field "+f.Name+" expects a boolean")
		}
		return b, nil
	case TypeSelect:
		s, ok := raw.(string)
		if !ok {
			return nil, validationErr(path, "invalid_type", "field "+f.Name+" expects a string")
		}
		s = strings.ToLower(strings.TrimSpace(s))
		opts := selectOptions(f)
		for _, o := range opts {
			if s == o {
				return s, nil
			}
		}
		return nil, validationErr(path, "out_of_range",
			fmt.Sprintf("field %s must be one of %v", f.Name, opts))
	case TypeNumber:
		n, ok := asFloat(raw)
		if !ok {
			return nil, validationErr(path, "invalid_type", "field "+f.Name+" expects a number")
		}
		if min, ok := asFloat(f.Constraints["min"]); ok && n < min {
			return nil, validationErr(path, "out_of_range", fmt.Sprintf("field %s below minimum", f.Name))
		}
		if max, ok := asFloat(f.Constraints["max"]); ok && n > max {
			return nil, validationErr(path, "out_of_range", fmt.Sprintf("field %s above maximum", f.Name))
		}
		return n, nil
	case TypeTableEdit:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, validationErr(path, "invalid_type", "field "+f.Name+" expects an object")
		}
		return m, nil
	default:
		return nil, validationErr(path, "invalid_type", "unsupported field type "+string(f.Type))
	}
}

// resolveMultiSelect accepts "<name>_expr" or "<name>_ids" and returns the
// selected ids in discovery (item) order. An empty selection is allowed.
func resolveMultiSelect(f Field, payload map[string]any) ([]string, bool, error) {
	exprRaw, hasExpr := payload[f.Name+"_expr"]
	idsRaw, hasIDs := payload[f.Name+"_ids"]
	if !hasExpr && !hasIDs {
		return nil, false, nil
	}
	if hasExpr && hasIDs {
		return nil, false, validationErr("$."+f.Name, "invalid_type",
			"field "+f.Name+" accepts either an expression or an id list, not both")
	}
	if hasExpr {
		expr, ok := exprRaw.(string)
		if !ok {
			return nil, false, validationErr("$."+f.Name+"_expr", "invalid_type", "selection expression must be a string")
		}
		indices, err := ParseSelectionExpr(expr, len(f.Items))
		if err != nil {
			return nil, false, err
		}
		out := make([]string, len(indices))
		for i, idx := range indices {
			out[i] = f.Items[idx-1].ItemID
		}
		return out, true, nil
	}
	list, ok := asStringSlice(idsRaw)
	if !ok {
		return nil, false, validationErr("$."+f.Name+"_ids", "invalid_type", "selection ids must be a string list")
	}
	chosen := map[string]bool{}
	for _, id := range list {
		if !itemKnown(f.Items, id) {
			return nil, false, validationErr("$."+f.Name+"_ids", "unknown_id", "unknown selection id "+id)
		}
		chosen[id] = true
	}
	// Preserve discovery order regardless of input order.
	var out []string
	for _, it := range f.Items {
		if chosen[it.ItemID] {
			out = append(out, it.ItemID)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, true, nil
}

func itemKnown(items []discovery.SelectionItem, id string) bool {
	for _, it := range items {
		if it.ItemID == id {
			return true
		}
	}
	return false
}

func selectOptions(f Field) []string {
	raw, ok := f.Constraints["options"]
	if !ok {
		return nil
	}
	if ss, ok := raw.([]string); ok {
		return ss
	}
	if list, ok := raw.([]any); ok {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func asStringSlice(v any) ([]string, bool) {
	if ss, ok := v.([]string); ok {
		return ss, true
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
