package dialect

import "github.com/rakunlabs/gatewire/internal/upstream"

// GenerateContentRequest is the Gemini-native request body. Its shape is
// already close to upstream.Payload, so this dialect's mapping is mostly
// pass-through plus model-mapping and tool sanitisation (SPEC_FULL §4.2
// table, last row).
type GenerateContentRequest struct {
	Contents          []upstream.Content          `json:"contents"`
	SystemInstruction *upstream.Content           `json:"systemInstruction,omitempty"`
	GenerationConfig  *upstream.GenerationConfig  `json:"generationConfig,omitempty"`
	Tools             []GeminiTool                `json:"tools,omitempty"`
}

// GeminiTool mirrors upstream.Tool but keeps its own FunctionDeclaration
// type so client-supplied parameter schemas pass through the sanitiser.
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GeminiMapper implements the native Gemini dialect.
type GeminiMapper struct{}

// MapRequest applies model mapping and schema sanitisation, otherwise
// passing the client's native Gemini shape straight through to upstream.
func (GeminiMapper) MapRequest(req GenerateContentRequest, resolvedModel, project string) upstream.Request {
	var tools []upstream.Tool
	for _, t := range req.Tools {
		decls := make([]upstream.FunctionDeclaration, 0, len(t.FunctionDeclarations))
		for _, d := range t.FunctionDeclarations {
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  sanitizeParameters(d.Parameters),
			})
		}
		tools = append(tools, upstream.Tool{FunctionDeclarations: decls})
	}

	sysInstruction := injectIdentityInstruction(req.SystemInstruction, resolvedModel)

	var toolConfig *upstream.ToolConfig
	if len(tools) > 0 {
		toolConfig = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	return upstream.Request{
		Project:     project,
		RequestID:   "agent-req",
		Model:       resolvedModel,
		UserAgent:   "antigravity",
		RequestType: "agent",
		Request: upstream.Payload{
			Contents:          mergeConsecutiveSameRole(req.Contents),
			SystemInstruction: sysInstruction,
			GenerationConfig:  req.GenerationConfig,
			Tools:             tools,
			ToolConfig:        toolConfig,
		},
	}
}

// MapResponse is the identity mapping: the native dialect's response shape
// is upstream.Response itself.
func (GeminiMapper) MapResponse(resp upstream.Response) upstream.Response { return resp }
