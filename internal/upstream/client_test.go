package upstream

import (
	"strings"
	"testing"
)

func TestMergeSSEAccumulatesTextAndPreservesFunctionCalls(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello, "}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"world"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP"}]}}`,
		`data: [DONE]`,
		"",
	}, "\n")

	merged, err := mergeSSE(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("mergeSSE: %v", err)
	}

	if len(merged.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(merged.Candidates))
	}
	parts := merged.Candidates[0].Content.Parts
	if len(parts) != 2 {
		t.Fatalf("expected 2 merged parts (text, functionCall), got %d: %+v", len(parts), parts)
	}
	if parts[0].Text != "Hello, world" {
		t.Fatalf("expected accumulated text, got %q", parts[0].Text)
	}
	if parts[1].FunctionCall == nil || parts[1].FunctionCall.Name != "lookup" {
		t.Fatalf("expected preserved functionCall part, got %+v", parts[1])
	}
	if merged.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("expected finish reason STOP, got %q", merged.Candidates[0].FinishReason)
	}
}

func TestIsPremiumModel(t *testing.T) {
	cases := map[string]bool{
		"claude-3-5-sonnet": true,
		"gemini-3-pro":      true,
		"gemini-2.5-flash":  false,
		"gemini-3-flash":    false,
	}
	for model, want := range cases {
		if got := isPremiumModel(model); got != want {
			t.Errorf("isPremiumModel(%q) = %v, want %v", model, got, want)
		}
	}
}
