package schema

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"grimm.is/rime/internal/fault"
)

// ParseDesiredState decodes and validates a desired-state YAML document.
func ParseDesiredState(data []byte) (*DesiredState, error) {
	var doc DesiredState
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse desired state: %w", err)
	}
	for i := range doc.Interfaces {
		doc.Interfaces[i].Properties = NormalizeMap(doc.Interfaces[i].Properties)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid desired state: %w", err)
	}
	return &doc, nil
}

// Dump serializes any schema value to YAML.
func Dump(v any) ([]byte, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	return out, nil
}

// NormalizeMap recursively rewrites yaml.v2's map[interface{}]interface{}
// values into map[string]any so property maps compare and re-marshal
// predictably regardless of which decoder produced them.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue normalizes a single decoded YAML value.
func NormalizeValue(v any) any {
	switch tv := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[fmt.Sprintf("%v", k)] = NormalizeValue(vv)
		}
		return out
	case map[string]any:
		return NormalizeMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, vv := range tv {
			out[i] = NormalizeValue(vv)
		}
		return out
	default:
		return tv
	}
}

// MergeDocuments folds several desired-state documents into one. Each
// interface may be configured by at most one document; the same name in two
// inputs is a configuration conflict, never a silent override.
func MergeDocuments(docs ...*DesiredState) (*DesiredState, error) {
	merged := &DesiredState{}
	owner := make(map[string]int)
	for docIdx, doc := range docs {
		if doc == nil {
			continue
		}
		for _, iface := range doc.Interfaces {
			if prev, clash := owner[iface.Name]; clash {
				return nil, fault.ConfigurationConflict(
					"interface %q defined by document %d and document %d", iface.Name, prev, docIdx)
			}
			owner[iface.Name] = docIdx
			merged.Interfaces = append(merged.Interfaces, iface)
		}
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}
