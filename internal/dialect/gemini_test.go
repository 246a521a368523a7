package dialect

import (
	"testing"

	"github.com/rakunlabs/gatewire/internal/upstream"
)

func TestGeminiMapRequestSanitizesToolSchema(t *testing.T) {
	req := GenerateContentRequest{
		Contents: []upstream.Content{{Role: "user", Parts: []upstream.Part{{Text: "hi"}}}},
		Tools: []GeminiTool{{
			FunctionDeclarations: []GeminiFunctionDeclaration{{
				Name:       "f",
				Parameters: map[string]any{"type": "object", "$schema": "x"},
			}},
		}},
	}

	out := GeminiMapper{}.MapRequest(req, "gemini-2.5-flash", "proj-1")
	params := out.Request.Tools[0].FunctionDeclarations[0].Parameters
	if _, ok := params["$schema"]; ok {
		t.Fatal("expected $schema stripped")
	}
}
