// Package schema sanitises JSON-Schema tool-parameter trees so they survive
// the upstream's restrictive subset of JSON Schema (SPEC_FULL §4.3).
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Sanitize returns a deep copy of schema with unsupported keywords removed
// or folded, recursing depth-first. At each node a union (anyOf/oneOf/allOf)
// is folded first, from the node's raw branches, and only then are the
// node's children sanitised.
//
// The original map is never mutated.
func Sanitize(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	return sanitizeMap(s)
}

// droppedKeys are keywords the upstream rejects outright, either because no
// useful folding exists ($schema, $id, cache_control, title, ...) or because
// they are handled by their own fold logic below (foldableKeys, foldUnion).
var droppedKeys = map[string]struct{}{
	"$schema":              {},
	"$id":                  {},
	"$ref":                 {},
	"$defs":                {},
	"definitions":          {},
	"patternProperties":    {},
	"additionalItems":      {},
	"contains":             {},
	"propertyNames":        {},
	"if":                   {},
	"then":                 {},
	"else":                 {},
	"not":                  {},
	"const":                {},
	"pattern":              {},
	"format":               {},
	"multipleOf":           {},
	"minLength":            {},
	"maxLength":            {},
	"minItems":             {},
	"maxItems":             {},
	"uniqueItems":          {},
	"enumCaseInsensitive":  {},
	"cache_control":        {},
	"additionalProperties": {},
	"title":                {},
	"example":              {},
	"examples":             {},
	"strict":               {},
}

// foldableKeys are dropped keywords whose constraint is preserved as a note
// appended to the node's description rather than silently discarded
// (SPEC_FULL §4.3 "Remove and fold into description").
var foldableKeys = map[string]struct{}{
	"pattern":               {},
	"format":                {},
	"multipleOf":            {},
	"minLength":             {},
	"maxLength":             {},
	"minItems":              {},
	"maxItems":              {},
	"uniqueItems":           {},
	"enumCaseInsensitive":   {},
	"const":                 {},
	"propertyNames":         {},
	"patternProperties":     {},
	"additionalProperties":  {},
	"not":                   {},
}

func sanitizeNode(v any) any {
	switch node := v.(type) {
	case map[string]any:
		return sanitizeMap(node)
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = sanitizeNode(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	// Union schemas (anyOf/oneOf/allOf) are folded before the rest of the
	// node's own keys are considered, mirroring ConvertJSONSchemaToOpenAPI's
	// enum-union flattening and allOf/anyOf/oneOf collapsing.
	if collapsed, ok := foldUnion(m); ok {
		m = collapsed
	}

	out := make(map[string]any, len(m))
	var notes []string
	for k, v := range m {
		switch k {
		case "anyOf", "oneOf", "allOf":
			continue // already folded above, or unfoldable (dropped)
		}
		if k == "properties" {
			// Keys of a properties map are property names, not keywords:
			// every name is kept and each property's schema is sanitised.
			if props, ok := v.(map[string]any); ok {
				sanitized := make(map[string]any, len(props))
				for name, prop := range props {
					sanitized[name] = sanitizeNode(prop)
				}
				out[k] = sanitized
				continue
			}
		}
		if _, fold := foldableKeys[k]; fold {
			if note := foldNote(k, v); note != "" {
				notes = append(notes, note)
			}
			continue
		}
		if _, drop := droppedKeys[k]; drop {
			continue
		}
		if k == "exclusiveMinimum" {
			if n, ok := numeric(v); ok {
				out["minimum"] = n + 1
				notes = append(notes, fmt.Sprintf("exclusiveMinimum: %v", v))
			}
			continue
		}
		if k == "exclusiveMaximum" {
			if n, ok := numeric(v); ok {
				out["maximum"] = n - 1
				notes = append(notes, fmt.Sprintf("exclusiveMaximum: %v", v))
			}
			continue
		}
		if k == "type" {
			out[k] = collapseUnionType(v)
			continue
		}
		if k == "default" && v == nil {
			continue
		}
		out[k] = sanitizeNode(v)
	}
	if len(notes) > 0 {
		sort.Strings(notes)
		desc, _ := out["description"].(string)
		if desc != "" {
			desc += "; "
		}
		desc += strings.Join(notes, "; ")
		out["description"] = desc
	}
	return out
}

// foldNote renders a dropped keyword's constraint as descriptive text so a
// model still sees the constraint even though the upstream schema can't
// express it structurally (SPEC_FULL §4.3).
func foldNote(key string, v any) string {
	switch key {
	case "patternProperties":
		return "property name patterns are constrained (patternProperties)"
	case "propertyNames":
		return "property names are constrained (propertyNames)"
	case "additionalProperties":
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			return "additional properties must match a schema (additionalProperties)"
		}
		return ""
	case "not":
		return "must not match a forbidden schema (not)"
	case "const":
		return fmt.Sprintf("must equal %v (const)", v)
	default:
		return fmt.Sprintf("%s: %v", key, v)
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// collapseUnionType reduces a ["string","null"]-style type array to its
// first non-null scalar, since the upstream rejects repeating type fields.
func collapseUnionType(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	for _, t := range arr {
		if s, ok := t.(string); ok && s != "null" {
			return s
		}
	}
	if len(arr) > 0 {
		return arr[0]
	}
	return v
}

// foldUnion collapses an anyOf/oneOf whose branches are all scalar-enum
// shapes into a single enum on the node, and otherwise merges allOf
// branches' properties into the node directly (best-effort flattening).
func foldUnion(m map[string]any) (map[string]any, bool) {
	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := m[key].([]any)
		if !ok || len(branches) == 0 {
			continue
		}

		var enumValues []any
		var firstType any
		allEnum := true
		for i, b := range branches {
			branch, ok := b.(map[string]any)
			if !ok {
				allEnum = false
				break
			}
			e, hasEnum := branch["enum"].([]any)
			if !hasEnum {
				allEnum = false
				break
			}
			if i == 0 {
				firstType = branch["type"]
			}
			enumValues = append(enumValues, e...)
		}

		if allEnum {
			merged := cloneWithout(m, key)
			merged["enum"] = enumValues
			if firstType != nil {
				merged["type"] = firstType
			}
			return merged, true
		}
	}

	if allOf, ok := m["allOf"].([]any); ok && len(allOf) > 0 {
		merged := cloneWithout(m, "allOf")
		props := map[string]any{}
		if orig, ok := merged["properties"].(map[string]any); ok {
			for k, v := range orig {
				props[k] = v
			}
		}
		var required []any
		if r, ok := merged["required"].([]any); ok {
			required = r
		}
		for _, b := range allOf {
			branch, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if bp, ok := branch["properties"].(map[string]any); ok {
				for k, v := range bp {
					props[k] = v
				}
			}
			if br, ok := branch["required"].([]any); ok {
				required = append(required, br...)
			}
			if merged["type"] == nil {
				merged["type"] = branch["type"]
			}
		}
		merged["properties"] = props
		if len(required) > 0 {
			merged["required"] = required
		}
		return merged, true
	}

	return m, false
}

func cloneWithout(m map[string]any, drop string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == drop {
			continue
		}
		out[k] = v
	}
	return out
}
