package dialect

import (
	"encoding/json"
	"strings"

	"github.com/rakunlabs/gatewire/internal/thoughtsig"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// skipSignatureSentinel is written into a tool_use's thoughtSignature slot
// when no real signature is known yet, mirroring the reference Claude
// handler's literal "skip_thought_signature_validator" marker.
const skipSignatureSentinel = "skip_thought_signature_validator"

// MessagesRequest is the Anthropic-compatible /v1/messages body.
type MessagesRequest struct {
	Model     string            `json:"model"`
	System    json.RawMessage   `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Tools     []AnthropicTool   `json:"tools,omitempty"`
	MaxTokens int               `json:"max_tokens"`
	Stream    bool              `json:"stream,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// MessagesResponse is the non-streaming Anthropic response shape.
type MessagesResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicMapper implements the Anthropic-compatible dialect. Store, when
// set, backs the thought-signature recovery fallback (SPEC_FULL §4.5
// "Thought-signature handling"): signatures are recorded on the way out in
// MapResponse/MapStreamChunk and consulted on the way back in in MapRequest
// whenever the caller's echoed-back history is missing one.
type AnthropicMapper struct {
	Store *thoughtsig.Store
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
				sb.WriteString("\n")
			}
		}
		return strings.TrimSpace(sb.String())
	}
	return ""
}

func contentBlocks(raw json.RawMessage) []AnthropicContentBlock {
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []AnthropicContentBlock{{Type: "text", Text: s}}
	}
	return nil
}

// supportsSearch reports whether model honours the native googleSearch tool
// (gemini-3 models reject it).
func supportsSearch(model string) bool {
	return !strings.Contains(strings.ToLower(model), "gemini-3")
}

// MapRequest converts an Anthropic-compatible request to the upstream
// shape, grounded on the reference Claude handler's message/tool
// conversion.
func (m AnthropicMapper) MapRequest(req MessagesRequest, resolvedModel, project, sessionID, fingerprint string) (upstream.Request, error) {
	var sysInstruction *upstream.Content
	if sysText := systemText(req.System); sysText != "" {
		sysInstruction = &upstream.Content{Parts: []upstream.Part{{Text: sysText}}}
	}
	sysInstruction = injectIdentityInstruction(sysInstruction, resolvedModel)

	var contents []upstream.Content
	for msgIdx, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		var parts []upstream.Part
		for blockIdx, b := range contentBlocks(msg.Content) {
			switch b.Type {
			case "text":
				parts = append(parts, upstream.Part{Text: b.Text})
			case "thinking":
				sig := b.Signature
				if sig == "" {
					sig = m.recoverSignature(fingerprint, msgIdx, blockIdx)
				}
				parts = append(parts, upstream.Part{Text: b.Text, Thought: true, ThoughtSignature: sig})
			case "tool_use":
				sig := b.Signature
				if sig == "" {
					sig = m.recoverSignature(fingerprint, msgIdx, blockIdx)
				}
				if sig == "" {
					sig = skipSignatureSentinel
				}
				parts = append(parts, upstream.Part{
					FunctionCall:     &upstream.FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input},
					ThoughtSignature: sig,
				})
			case "tool_result":
				respObj := map[string]any{}
				text := messageText(b.Content)
				if text == "" {
					text = emptyToolOutputPlaceholder
				}
				if err := json.Unmarshal([]byte(text), &respObj); err != nil {
					respObj = map[string]any{"result": text}
				}
				parts = append(parts, upstream.Part{FunctionResponse: &upstream.FunctionResponse{ID: b.ToolUseID, Name: b.Name, Response: respObj}})
			}
		}
		contents = append(contents, upstream.Content{Role: role, Parts: parts})
	}
	contents = mergeConsecutiveSameRole(contents)

	var upstreamTools []upstream.Tool
	var decls []upstream.FunctionDeclaration
	wantsSearch := false
	for _, t := range req.Tools {
		if t.Name == "web_search" || t.Name == "google_search" {
			if supportsSearch(resolvedModel) {
				wantsSearch = true
			}
			continue
		}
		decls = append(decls, upstream.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  sanitizeParameters(t.InputSchema),
		})
	}
	if wantsSearch {
		upstreamTools = append(upstreamTools, upstream.Tool{GoogleSearch: &struct{}{}})
	}
	if len(decls) > 0 {
		upstreamTools = append(upstreamTools, upstream.Tool{FunctionDeclarations: decls})
	}

	var toolConfig *upstream.ToolConfig
	if len(upstreamTools) > 0 {
		toolConfig = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	stop := append([]string{"\n\nHuman:", "\n\nAssistant:"}, req.StopSequences...)

	return upstream.Request{
		Project:     project,
		RequestID:   "agent-req",
		Model:       resolvedModel,
		UserAgent:   "antigravity",
		RequestType: "agent",
		Request: upstream.Payload{
			Contents:          contents,
			SystemInstruction: sysInstruction,
			GenerationConfig: &upstream.GenerationConfig{
				MaxOutputTokens: req.MaxTokens,
				StopSequences:   stop,
				ThinkingConfig:  thinkingConfigFor(resolvedModel, req.MaxTokens*4),
			},
			Tools:      upstreamTools,
			ToolConfig: toolConfig,
			SessionID:  sessionID,
		},
	}, nil
}

// recoverSignature consults Store for a signature the caller's echoed-back
// history failed to carry, returning "" if Store is unset or the position
// was never recorded (SPEC_FULL §4.5 scenario S4).
func (m AnthropicMapper) recoverSignature(fingerprint string, msgIdx, blockIdx int) string {
	if m.Store == nil || fingerprint == "" {
		return ""
	}
	sig, _ := m.Store.Lookup(fingerprint, thoughtSigPosition(msgIdx, blockIdx))
	return sig
}

// rememberSignature records a non-empty signature against the content
// block's position so a later request whose history drops the field can
// still recover it.
func (m AnthropicMapper) rememberSignature(fingerprint string, msgIdx, blockIdx int, signature string) {
	if m.Store == nil || fingerprint == "" || signature == "" {
		return
	}
	m.Store.Put(fingerprint, thoughtSigPosition(msgIdx, blockIdx), signature)
}

// MapResponse converts a buffered upstream Response into the Anthropic
// non-streaming shape. historyLen is the index this response's assistant
// message will occupy the next time it reappears in a request's history
// (SPEC_FULL §4.5).
func (m AnthropicMapper) MapResponse(resp upstream.Response, model, fingerprint string, historyLen int) MessagesResponse {
	out := MessagesResponse{Type: "message", Role: "assistant", Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	cand := resp.Candidates[0]
	hasToolUse := false
	for blockIdx, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			hasToolUse = true
			m.rememberSignature(fingerprint, historyLen, blockIdx, p.ThoughtSignature)
			out.Content = append(out.Content, AnthropicContentBlock{
				Type: "tool_use", ID: p.FunctionCall.ID, Name: p.FunctionCall.Name,
				Input: p.FunctionCall.Args, Signature: p.ThoughtSignature,
			})
		case p.Thought:
			m.rememberSignature(fingerprint, historyLen, blockIdx, p.ThoughtSignature)
			out.Content = append(out.Content, AnthropicContentBlock{Type: "thinking", Text: p.Text, Signature: p.ThoughtSignature})
		case p.Text != "":
			out.Content = append(out.Content, AnthropicContentBlock{Type: "text", Text: p.Text})
		}
	}

	out.StopReason = "end_turn"
	if hasToolUse {
		out.StopReason = "tool_use"
	} else if strings.EqualFold(cand.FinishReason, "MAX_TOKENS") {
		out.StopReason = "max_tokens"
	}
	return out
}

// StreamEvent is one Anthropic SSE event: an event name plus its JSON body.
type StreamEvent struct {
	Event string
	Data  any
}

// StreamState carries the cross-chunk block state that MapStreamChunk uses
// to turn each upstream streaming Response into zero or more Anthropic SSE
// events, the way the reference handleClaudeStreaming tracks
// textBlockStarted and a per-tool index.
type StreamState struct {
	TextBlockOpen     bool
	ThinkingBlockOpen bool
	ToolIndex         int
	NextBlockIdx      int
}

// MapStreamChunk converts one upstream streaming Response into Anthropic SSE
// events. fingerprint and historyLen thread through to Store the same way
// MapResponse does, so a streamed thinking/tool-use block's signature can be
// recovered later if the client's next request drops it (SPEC_FULL §4.5).
func (m AnthropicMapper) MapStreamChunk(resp upstream.Response, state *StreamState, fingerprint string, historyLen int) []StreamEvent {
	if len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]

	var events []StreamEvent
	for _, p := range cand.Content.Parts {
		switch {
		case p.Thought:
			if state.TextBlockOpen {
				events = append(events, StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": state.NextBlockIdx}})
				state.TextBlockOpen = false
				state.NextBlockIdx++
			}
			if !state.ThinkingBlockOpen {
				events = append(events, StreamEvent{Event: "content_block_start", Data: map[string]any{
					"index": state.NextBlockIdx, "content_block": map[string]any{"type": "thinking", "thinking": ""},
				}})
				state.ThinkingBlockOpen = true
			}
			events = append(events, StreamEvent{Event: "content_block_delta", Data: map[string]any{
				"index": state.NextBlockIdx, "delta": map[string]any{"type": "thinking_delta", "thinking": p.Text},
			}})
			if p.ThoughtSignature != "" {
				m.rememberSignature(fingerprint, historyLen, state.NextBlockIdx, p.ThoughtSignature)
				events = append(events, StreamEvent{Event: "content_block_delta", Data: map[string]any{
					"index": state.NextBlockIdx, "delta": map[string]any{"type": "signature_delta", "signature": p.ThoughtSignature},
				}})
			}
		case p.Text != "" && !p.Thought:
			if state.ThinkingBlockOpen {
				events = append(events, StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": state.NextBlockIdx}})
				state.ThinkingBlockOpen = false
				state.NextBlockIdx++
			}
			if !state.TextBlockOpen {
				events = append(events, StreamEvent{Event: "content_block_start", Data: map[string]any{
					"index": state.NextBlockIdx, "content_block": map[string]any{"type": "text", "text": ""},
				}})
				state.TextBlockOpen = true
			}
			events = append(events, StreamEvent{Event: "content_block_delta", Data: map[string]any{
				"index": state.NextBlockIdx, "delta": map[string]any{"type": "text_delta", "text": p.Text},
			}})
		case p.FunctionCall != nil:
			if state.TextBlockOpen {
				events = append(events, StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": state.NextBlockIdx}})
				state.TextBlockOpen = false
				state.NextBlockIdx++
			}
			if state.ThinkingBlockOpen {
				events = append(events, StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": state.NextBlockIdx}})
				state.ThinkingBlockOpen = false
				state.NextBlockIdx++
			}
			idx := state.NextBlockIdx
			state.NextBlockIdx++
			m.rememberSignature(fingerprint, historyLen, idx, p.ThoughtSignature)
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			events = append(events,
				StreamEvent{Event: "content_block_start", Data: map[string]any{
					"index": idx, "content_block": map[string]any{"type": "tool_use", "id": p.FunctionCall.ID, "name": p.FunctionCall.Name, "input": map[string]any{}},
				}},
				StreamEvent{Event: "content_block_delta", Data: map[string]any{
					"index": idx, "delta": map[string]any{"type": "input_json_delta", "partial_json": string(argsJSON)},
				}},
				StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": idx}},
			)
		}
	}

	if cand.FinishReason != "" {
		if state.TextBlockOpen {
			events = append(events, StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": state.NextBlockIdx}})
			state.TextBlockOpen = false
		}
		if state.ThinkingBlockOpen {
			events = append(events, StreamEvent{Event: "content_block_stop", Data: map[string]any{"index": state.NextBlockIdx}})
			state.ThinkingBlockOpen = false
		}
		stopReason := "end_turn"
		if cand.Content.Parts != nil {
			for _, p := range cand.Content.Parts {
				if p.FunctionCall != nil {
					stopReason = "tool_use"
				}
			}
		}
		events = append(events, StreamEvent{Event: "message_delta", Data: map[string]any{
			"delta": map[string]any{"stop_reason": stopReason},
		}})
	}

	return events
}
