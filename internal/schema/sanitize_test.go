package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitizeStripsUnsupportedKeywords(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"email": map[string]any{
				"type":    "string",
				"pattern": "^[a-z]+@",
				"format":  "email",
			},
		},
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
	}

	out := Sanitize(in)

	if _, ok := out["$schema"]; ok {
		t.Fatal("expected $schema to be dropped")
	}
	if _, ok := out["additionalProperties"]; ok {
		t.Fatal("expected additionalProperties to be dropped")
	}

	props := out["properties"].(map[string]any)
	email := props["email"].(map[string]any)
	if _, ok := email["pattern"]; ok {
		t.Fatal("expected pattern to be dropped")
	}
	if _, ok := email["format"]; ok {
		t.Fatal("expected format to be dropped")
	}
	if email["type"] != "string" {
		t.Fatalf("expected type preserved, got %v", email["type"])
	}

	desc, _ := email["description"].(string)
	if !strings.Contains(desc, "pattern: ^[a-z]+@") || !strings.Contains(desc, "format: email") {
		t.Fatalf("expected pattern/format folded into description, got %q", desc)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	in := map[string]any{
		"type":             "integer",
		"exclusiveMinimum": 0.0,
		"anyOf": []any{
			map[string]any{"enum": []any{"a", "b"}, "type": "string"},
			map[string]any{"enum": []any{"c"}, "type": "string"},
		},
	}

	once := Sanitize(in)
	twice := Sanitize(once)

	onceJSON, _ := json.Marshal(once)
	twiceJSON, _ := json.Marshal(twice)
	if string(onceJSON) != string(twiceJSON) {
		t.Fatalf("sanitize not idempotent:\nonce:  %s\ntwice: %s", onceJSON, twiceJSON)
	}
}

func TestSanitizeCollapsesUnionType(t *testing.T) {
	in := map[string]any{"type": []any{"string", "null"}}
	out := Sanitize(in)
	if out["type"] != "string" {
		t.Fatalf("expected collapsed type string, got %v", out["type"])
	}
}

func TestSanitizeFoldsExclusiveMinimum(t *testing.T) {
	in := map[string]any{"type": "integer", "exclusiveMinimum": 5.0}
	out := Sanitize(in)
	if _, ok := out["exclusiveMinimum"]; ok {
		t.Fatal("expected exclusiveMinimum to be folded away")
	}
	if out["minimum"] != 6.0 {
		t.Fatalf("expected minimum=6, got %v", out["minimum"])
	}
	if desc, _ := out["description"].(string); !strings.Contains(desc, "exclusiveMinimum: 5") {
		t.Fatalf("expected exclusiveMinimum noted in description, got %q", desc)
	}
}

func TestSanitizeFoldAppendsToExistingDescription(t *testing.T) {
	in := map[string]any{
		"type":        "string",
		"description": "the user's age bracket",
		"minLength":   3.0,
	}
	out := Sanitize(in)
	desc, _ := out["description"].(string)
	if !strings.Contains(desc, "the user's age bracket") {
		t.Fatalf("expected original description preserved, got %q", desc)
	}
	if !strings.Contains(desc, "minLength: 3") {
		t.Fatalf("expected minLength folded into description, got %q", desc)
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"pattern": "x", "type": "string"}
	_ = Sanitize(in)
	if _, ok := in["pattern"]; !ok {
		t.Fatal("expected original map left untouched")
	}
}
