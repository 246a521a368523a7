package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rakunlabs/gatewire/internal/thoughtsig"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// thoughtSignatureSeparator embeds a captured reasoning signature into an
// OpenAI tool-call id so it survives the OpenAI wire format's lack of a
// native signature field ("ID smuggling").
const thoughtSignatureSeparator = "__thought__"

// ChatCompletionRequest is the OpenAI-compatible request body, grounded on
// internal/server/translate.go's ChatCompletionRequest.
type ChatCompletionRequest struct {
	Model         string          `json:"model"`
	Messages      []OpenAIMessage `json:"messages"`
	Tools         []OpenAITool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// OpenAIMessage mirrors translate.go's OpenAIMessage, including the
// non-standard ThoughtSignature extension field on tool calls.
type OpenAIMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// OpenAIToolCall is a tool_calls entry. ThoughtSignature is a Gemini
// extension: clients must echo it back on assistant messages so the
// gateway can restore it (translate.go's documented convention).
type OpenAIToolCall struct {
	Index            *int               `json:"index,omitempty"`
	ID               string             `json:"id"`
	Type             string             `json:"type"`
	Function         OpenAIFunctionCall `json:"function"`
	ThoughtSignature string             `json:"thought_signature,omitempty"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAITool struct {
	Type     string       `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatCompletionResponse is the non-streaming OpenAI-compatible response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int            `json:"index"`
	Message      OpenAIMessage  `json:"message"`
	FinishReason string         `json:"finish_reason"`
	Annotations  []URLCitation  `json:"annotations,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type URLCitation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

// ChatCompletionChunk is one streaming SSE delta.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int           `json:"index"`
	Delta        ChunkDelta    `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type ChunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIMapper implements the OpenAI-compatible dialect. Store, when set,
// backs the same thought-signature recovery fallback as AnthropicMapper: a
// tool call's signature is normally smuggled into its id (thoughtSignatureSeparator)
// or carried in ThoughtSignature, but when a client drops both on replay the
// gateway falls back to its own cache keyed by the tool call's position
// within its message (SPEC_FULL §4.5).
type OpenAIMapper struct {
	Store *thoughtsig.Store
}

func (m OpenAIMapper) recoverSignature(fingerprint string, msgIdx, toolCallIdx int) string {
	if m.Store == nil || fingerprint == "" {
		return ""
	}
	sig, _ := m.Store.Lookup(fingerprint, thoughtSigPosition(msgIdx, toolCallIdx))
	return sig
}

func (m OpenAIMapper) rememberSignature(fingerprint string, msgIdx, toolCallIdx int, signature string) {
	if m.Store == nil || fingerprint == "" || signature == "" {
		return
	}
	m.Store.Put(fingerprint, thoughtSigPosition(msgIdx, toolCallIdx), signature)
}

func smuggleSignature(id, signature string) string {
	if signature == "" {
		return id
	}
	return id + thoughtSignatureSeparator + signature
}

func unsmuggleSignature(id string) (string, string) {
	if idx := strings.Index(id, thoughtSignatureSeparator); idx >= 0 {
		return id[:idx], id[idx+len(thoughtSignatureSeparator):]
	}
	return id, ""
}

func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	// content may be an array of {type,text} blocks (vision-style input).
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// MapRequest converts an OpenAI-compatible request into the single upstream
// shape, grounded on translate.go's message handling plus the reference
// mappers/openai.go's OpenAIToGemini.
func (m OpenAIMapper) MapRequest(req ChatCompletionRequest, resolvedModel, project, fingerprint string) (upstream.Request, error) {
	var systemParts []upstream.Part
	var contents []upstream.Content

	for msgIdx, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, upstream.Part{Text: messageText(msg.Content)})
		case "tool":
			id, _ := unsmuggleSignature(msg.ToolCallID)
			var respObj map[string]any
			if err := json.Unmarshal(msg.Content, &respObj); err != nil {
				text := messageText(msg.Content)
				if text == "" {
					text = emptyToolOutputPlaceholder
				}
				respObj = map[string]any{"result": text}
			}
			contents = append(contents, upstream.Content{Role: "user", Parts: []upstream.Part{{
				FunctionResponse: &upstream.FunctionResponse{ID: id, Name: msg.Name, Response: respObj},
			}}})
		case "assistant":
			var parts []upstream.Part
			if text := messageText(msg.Content); text != "" {
				parts = append(parts, upstream.Part{Text: text})
			}
			for toolCallIdx, tc := range msg.ToolCalls {
				id, sig := unsmuggleSignature(tc.ID)
				if sig == "" {
					sig = tc.ThoughtSignature
				}
				if sig == "" {
					sig = m.recoverSignature(fingerprint, msgIdx, toolCallIdx)
				}
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				parts = append(parts, upstream.Part{
					FunctionCall:     &upstream.FunctionCall{ID: id, Name: tc.Function.Name, Args: args},
					ThoughtSignature: sig,
				})
			}
			contents = append(contents, upstream.Content{Role: "model", Parts: parts})
		default: // user
			contents = append(contents, upstream.Content{Role: "user", Parts: []upstream.Part{{Text: messageText(msg.Content)}}})
		}
	}

	var sysInstruction *upstream.Content
	if len(systemParts) > 0 {
		sysInstruction = &upstream.Content{Parts: systemParts}
	}
	sysInstruction = injectIdentityInstruction(sysInstruction, resolvedModel)

	contents = mergeConsecutiveSameRole(contents)

	var firstText string
	if len(req.Messages) > 0 {
		firstText = messageText(req.Messages[0].Content)
	}
	model := resolvedModel
	tools := req.Tools
	var thinking *upstream.ThinkingConfig
	if isBackgroundRequest(req.MaxTokens, firstText) {
		model = backgroundModel
		tools = nil
	} else {
		thinking = thinkingConfigFor(model, req.MaxTokens*4)
	}

	var upstreamTools []upstream.Tool
	if len(tools) > 0 {
		decls := make([]upstream.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  sanitizeParameters(t.Function.Parameters),
			})
		}
		upstreamTools = append(upstreamTools, upstream.Tool{FunctionDeclarations: decls})
	}

	var toolConfig *upstream.ToolConfig
	if len(upstreamTools) > 0 {
		toolConfig = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	stopSeqs := append([]string{}, req.Stop...)

	genConfig := &upstream.GenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   stopSeqs,
		ThinkingConfig:  thinking,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		genConfig.ResponseMimeType = "application/json"
	}

	return upstream.Request{
		Project:     project,
		RequestID:   "agent-req",
		Model:       model,
		UserAgent:   "antigravity",
		RequestType: "agent",
		Request: upstream.Payload{
			Contents:          contents,
			SystemInstruction: sysInstruction,
			GenerationConfig:  genConfig,
			Tools:             upstreamTools,
			ToolConfig:        toolConfig,
		},
	}, nil
}

// MapResponse converts a buffered upstream Response into the OpenAI
// non-streaming shape. fingerprint/historyLen thread into Store the same way
// AnthropicMapper.MapResponse does, keyed by each tool call's index within
// its message rather than its raw part index (SPEC_FULL §4.5).
func (m OpenAIMapper) MapResponse(resp upstream.Response, model, fingerprint string, historyLen int) ChatCompletionResponse {
	out := ChatCompletionResponse{Object: "chat.completion", Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	cand := resp.Candidates[0]
	msg, finish := m.partsToMessage(cand.Content.Parts, cand.FinishReason, fingerprint, historyLen)
	out.Choices = []Choice{{Message: msg, FinishReason: finish}}
	if cand.GroundingMetadata != nil {
		out.Choices[0].Annotations = groundingToAnnotations(cand.GroundingMetadata)
	}
	return out
}

func (m OpenAIMapper) partsToMessage(parts []upstream.Part, finishReason, fingerprint string, historyLen int) (OpenAIMessage, string) {
	msg := OpenAIMessage{Role: "assistant"}
	var text strings.Builder
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			idx := len(msg.ToolCalls)
			m.rememberSignature(fingerprint, historyLen, idx, p.ThoughtSignature)
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				Index: &idx,
				ID:    smuggleSignature(fmt.Sprintf("call_%d", idx), p.ThoughtSignature),
				Type:  "function",
				Function: OpenAIFunctionCall{
					Name:      p.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
				ThoughtSignature: p.ThoughtSignature,
			})
		case p.Text != "" && !p.Thought:
			text.WriteString(p.Text)
		}
	}
	content := text.String()
	msg.Content, _ = json.Marshal(content)

	finish := strings.ToLower(finishReason)
	if finish == "" {
		finish = "stop"
	}
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return msg, finish
}

func groundingToAnnotations(gm *upstream.GroundingMetadata) []URLCitation {
	var out []URLCitation
	for _, support := range gm.GroundingSupports {
		for _, idx := range support.GroundingChunkIndices {
			if idx < 0 || idx >= len(gm.GroundingChunks) {
				continue
			}
			chunk := gm.GroundingChunks[idx]
			if chunk.Web == nil {
				continue
			}
			c := URLCitation{Type: "url_citation"}
			c.URLCitation.URL = chunk.Web.URI
			c.URLCitation.Title = chunk.Web.Title
			out = append(out, c)
		}
	}
	return out
}

// MapStreamChunk converts one upstream streaming Response into an OpenAI
// SSE chunk. fingerprint/historyLen thread into Store the same way
// MapResponse does so a streamed tool call's signature survives a later
// request whose history drops it (SPEC_FULL §4.5).
func (m OpenAIMapper) MapStreamChunk(resp upstream.Response, model string, first bool, fingerprint string, historyLen int) (ChatCompletionChunk, bool) {
	chunk := ChatCompletionChunk{Object: "chat.completion.chunk", Model: model}
	if len(resp.Candidates) == 0 {
		return chunk, false
	}

	cand := resp.Candidates[0]
	delta := ChunkDelta{}
	if first {
		delta.Role = "assistant"
	}

	empty := true
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			idx := len(delta.ToolCalls)
			m.rememberSignature(fingerprint, historyLen, idx, p.ThoughtSignature)
			delta.ToolCalls = append(delta.ToolCalls, OpenAIToolCall{
				Index: &idx,
				ID:    smuggleSignature(fmt.Sprintf("call_%d", idx), p.ThoughtSignature),
				Type:  "function",
				Function: OpenAIFunctionCall{
					Name:      p.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
			})
			empty = false
		case p.Text != "" && !p.Thought:
			delta.Content += p.Text
			empty = false
		}
	}

	if empty && cand.FinishReason == "" && !first {
		return chunk, false
	}

	var finish *string
	if cand.FinishReason != "" {
		f := strings.ToLower(cand.FinishReason)
		if len(delta.ToolCalls) > 0 {
			f = "tool_calls"
		}
		finish = &f
	}

	chunk.Choices = []ChunkChoice{{Delta: delta, FinishReason: finish}}
	if resp.UsageMetadata != nil {
		chunk.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk, true
}
