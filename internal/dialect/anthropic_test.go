package dialect

import (
	"encoding/json"
	"testing"

	"github.com/rakunlabs/gatewire/internal/thoughtsig"
)

func blocksJSON(t *testing.T, blocks []AnthropicContentBlock) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	return b
}

func TestAnthropicMapRequestStrippedSchemaKeyword(t *testing.T) {
	req := MessagesRequest{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 100,
		Messages: []AnthropicMessage{
			{Role: "user", Content: blocksJSON(t, []AnthropicContentBlock{{Type: "text", Text: "hi"}})},
		},
		Tools: []AnthropicTool{{
			Name: "search_docs",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "pattern": "^.+$"},
				},
			},
		}},
	}

	out, err := AnthropicMapper{}.MapRequest(req, "claude-3-5-sonnet", "proj-1", "sess-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}

	if len(out.Request.Tools) == 0 || len(out.Request.Tools[len(out.Request.Tools)-1].FunctionDeclarations) == 0 {
		t.Fatal("expected function declaration present")
	}
	params := out.Request.Tools[len(out.Request.Tools)-1].FunctionDeclarations[0].Parameters
	props := params["properties"].(map[string]any)
	query := props["query"].(map[string]any)
	if _, ok := query["pattern"]; ok {
		t.Fatal("expected pattern keyword stripped by sanitiser")
	}
}

func TestAnthropicMapRequestEmptyToolResultSubstitution(t *testing.T) {
	req := MessagesRequest{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 100,
		Messages: []AnthropicMessage{
			{Role: "user", Content: blocksJSON(t, []AnthropicContentBlock{{
				Type: "tool_result", ToolUseID: "t1", Name: "mkdir", Content: rawString(t, ""),
			}})},
		},
	}

	out, err := AnthropicMapper{}.MapRequest(req, "claude-3-5-sonnet", "proj-1", "sess-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}

	fr := out.Request.Contents[0].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("expected function response part")
	}
	if fr.Response["result"] != emptyToolOutputPlaceholder {
		t.Fatalf("expected placeholder substitution, got %+v", fr.Response)
	}
}

func TestAnthropicMapRequestSearchToolGatedByModel(t *testing.T) {
	req := MessagesRequest{
		Model:     "gemini-3-pro",
		MaxTokens: 100,
		Messages:  []AnthropicMessage{{Role: "user", Content: blocksJSON(t, []AnthropicContentBlock{{Type: "text", Text: "hi"}})}},
		Tools:     []AnthropicTool{{Name: "web_search"}},
	}

	out, err := AnthropicMapper{}.MapRequest(req, "gemini-3-pro", "proj-1", "sess-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}
	for _, tool := range out.Request.Tools {
		if tool.GoogleSearch != nil {
			t.Fatal("expected googleSearch to be skipped for gemini-3 models")
		}
	}
}

func TestAnthropicMapResponseToolUse(t *testing.T) {
	resp := fakeUpstreamResponseWithToolCall()
	out := AnthropicMapper{}.MapResponse(resp, "claude-3-5-sonnet", "fp-1", 0)

	if out.StopReason != "tool_use" {
		t.Fatalf("expected stop_reason tool_use, got %s", out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "tool_use" {
		t.Fatalf("expected single tool_use block, got %+v", out.Content)
	}
}

func TestAnthropicMapStreamChunkTextThenTool(t *testing.T) {
	state := &StreamState{}
	textEvents := AnthropicMapper{}.MapStreamChunk(fakeUpstreamResponseWithText("hello"), state, "fp-1", 0)
	if len(textEvents) != 2 {
		t.Fatalf("expected content_block_start + content_block_delta, got %d", len(textEvents))
	}
	if !state.TextBlockOpen {
		t.Fatal("expected text block left open")
	}

	toolEvents := AnthropicMapper{}.MapStreamChunk(fakeUpstreamResponseWithToolCall(), state, "fp-1", 0)
	if len(toolEvents) == 0 {
		t.Fatal("expected tool-call events")
	}
	if state.TextBlockOpen {
		t.Fatal("expected text block closed before tool_use block opened")
	}
}

func TestAnthropicMapStreamChunkThinkingBlock(t *testing.T) {
	state := &StreamState{}
	events := AnthropicMapper{}.MapStreamChunk(fakeUpstreamResponseWithThought("pondering...", "sig-think"), state, "fp-1", 0)

	if !state.ThinkingBlockOpen {
		t.Fatal("expected thinking block left open")
	}
	if len(events) != 3 {
		t.Fatalf("expected start+thinking_delta+signature_delta, got %d: %+v", len(events), events)
	}
	if events[0].Event != "content_block_start" {
		t.Fatalf("expected content_block_start first, got %s", events[0].Event)
	}
	startBlock := events[0].Data.(map[string]any)["content_block"].(map[string]any)
	if startBlock["type"] != "thinking" {
		t.Fatalf("expected thinking content_block, got %+v", startBlock)
	}
	if events[1].Event != "content_block_delta" {
		t.Fatalf("expected content_block_delta second, got %s", events[1].Event)
	}
	delta := events[1].Data.(map[string]any)["delta"].(map[string]any)
	if delta["type"] != "thinking_delta" || delta["thinking"] != "pondering..." {
		t.Fatalf("expected thinking_delta with text, got %+v", delta)
	}
	sigDelta := events[2].Data.(map[string]any)["delta"].(map[string]any)
	if sigDelta["type"] != "signature_delta" || sigDelta["signature"] != "sig-think" {
		t.Fatalf("expected signature_delta with signature, got %+v", sigDelta)
	}

	textEvents := AnthropicMapper{}.MapStreamChunk(fakeUpstreamResponseWithText("answer"), state, "fp-1", 0)
	if state.ThinkingBlockOpen {
		t.Fatal("expected thinking block closed before text block opened")
	}
	foundStop := false
	for _, e := range textEvents {
		if e.Event == "content_block_stop" {
			foundStop = true
		}
	}
	if !foundStop {
		t.Fatal("expected content_block_stop closing the thinking block")
	}
}

func TestAnthropicThoughtSignatureRecoveredFromStore(t *testing.T) {
	store := thoughtsig.New(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity)
	mapper := AnthropicMapper{Store: store}

	resp := fakeUpstreamResponseWithThought("let me think", "sig-recovered")
	_ = mapper.MapResponse(resp, "claude-3-5-sonnet", "fp-1", 0)

	req := MessagesRequest{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 100,
		Messages: []AnthropicMessage{
			{Role: "assistant", Content: blocksJSON(t, []AnthropicContentBlock{
				{Type: "thinking", Text: "let me think"},
			})},
		},
	}

	out, err := mapper.MapRequest(req, "claude-3-5-sonnet", "proj-1", "sess-1", "fp-1")
	if err != nil {
		t.Fatalf("MapRequest: %v", err)
	}
	part := out.Request.Contents[0].Parts[0]
	if part.ThoughtSignature != "sig-recovered" {
		t.Fatalf("expected recovered signature, got %q", part.ThoughtSignature)
	}
}
