package dialect

import (
	"encoding/json"
	"testing"

	"github.com/rakunlabs/gatewire/internal/thoughtsig"
)

func TestOpenAIMapRequestSimpleChat(t *testing.T) {
	req := ChatCompletionRequest{
		Model: "gpt-4",
		Messages: []OpenAIMessage{
			{Role: "user", Content: rawString(t, "ping")},
		},
	}

	out, err := OpenAIMapper{}.MapRequest(req, "gemini-3-pro", "proj-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}

	if out.Model != "gemini-3-pro" {
		t.Fatalf("expected resolved model, got %s", out.Model)
	}
	if len(out.Request.Contents) != 1 || out.Request.Contents[0].Parts[0].Text != "ping" {
		t.Fatalf("expected single user content with text 'ping', got %+v", out.Request.Contents)
	}
}

func TestOpenAIMapRequestSystemFoldedIntoInstruction(t *testing.T) {
	req := ChatCompletionRequest{
		Model: "gpt-4",
		Messages: []OpenAIMessage{
			{Role: "system", Content: rawString(t, "be terse")},
			{Role: "user", Content: rawString(t, "hi")},
		},
	}

	out, err := OpenAIMapper{}.MapRequest(req, "gemini-2.5-flash", "proj-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}

	if out.Request.SystemInstruction == nil {
		t.Fatal("expected systemInstruction to be set")
	}
	found := false
	for _, p := range out.Request.SystemInstruction.Parts {
		if p.Text == "be terse" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected system text folded in, got %+v", out.Request.SystemInstruction.Parts)
	}
}

func TestOpenAIMapRequestInjectsClaudeIdentity(t *testing.T) {
	req := ChatCompletionRequest{Model: "claude-3-5-sonnet", Messages: []OpenAIMessage{{Role: "user", Content: rawString(t, "hi")}}}
	out, err := OpenAIMapper{}.MapRequest(req, "claude-3-5-sonnet", "proj-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}
	if out.Request.SystemInstruction == nil || len(out.Request.SystemInstruction.Parts) == 0 {
		t.Fatal("expected identity instruction injected for claude model")
	}
}

func TestOpenAIMapRequestBackgroundRedirect(t *testing.T) {
	req := ChatCompletionRequest{
		Model:     "gpt-4",
		MaxTokens: 64,
		Messages: []OpenAIMessage{
			{Role: "system", Content: rawString(t, "Summarize the conversation so far in <10 words.")},
			{Role: "user", Content: rawString(t, "blah")},
		},
		Tools: []OpenAITool{{Type: "function", Function: OpenAIFunction{Name: "noop"}}},
	}

	out, err := OpenAIMapper{}.MapRequest(req, "gemini-3-pro", "proj-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}
	if out.Model != backgroundModel {
		t.Fatalf("expected redirect to %s, got %s", backgroundModel, out.Model)
	}
	if len(out.Request.Tools) != 0 {
		t.Fatalf("expected tools stripped for background request, got %+v", out.Request.Tools)
	}
}

func TestOpenAIMapResponseToolCallRoundTrip(t *testing.T) {
	resp := fakeUpstreamResponseWithToolCall()
	msg, finish := OpenAIMapper{}.partsToMessage(resp.Candidates[0].Content.Parts, resp.Candidates[0].FinishReason, "fp-1", 0)

	if finish != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %s", finish)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}

	id, sig := unsmuggleSignature(msg.ToolCalls[0].ID)
	if id != "call_0" {
		t.Fatalf("expected call_0, got %s", id)
	}
	if sig != "sig-xyz" {
		t.Fatalf("expected smuggled signature sig-xyz, got %q", sig)
	}
}

func TestOpenAIThoughtSignatureRecoveredFromStore(t *testing.T) {
	store := thoughtsig.New(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity)
	mapper := OpenAIMapper{Store: store}

	resp := fakeUpstreamResponseWithToolCall()
	_ = mapper.MapResponse(resp, "gemini-3-pro", "fp-1", 0)

	req := ChatCompletionRequest{
		Model: "gemini-3-pro",
		Messages: []OpenAIMessage{
			{Role: "assistant", ToolCalls: []OpenAIToolCall{
				{ID: "call_0", Type: "function", Function: OpenAIFunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
			}},
		},
	}

	out, err := mapper.MapRequest(req, "gemini-3-pro", "proj-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}
	part := out.Request.Contents[0].Parts[0]
	if part.ThoughtSignature != "sig-xyz" {
		t.Fatalf("expected recovered signature, got %q", part.ThoughtSignature)
	}
}

func rawString(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
