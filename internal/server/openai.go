package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatewire/internal/dialect"
	"github.com/rakunlabs/gatewire/internal/dispatcher"
	"github.com/rakunlabs/gatewire/internal/stream"
	"github.com/rakunlabs/gatewire/internal/trace"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req dialect.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", http.StatusBadRequest)
		return
	}

	resolvedModel := s.router.Resolve(req.Model)

	mapper := dialect.OpenAIMapper{Store: s.thoughtSig}
	fingerprint := requestFingerprint(r)
	if _, err := mapper.MapRequest(req, resolvedModel, "", fingerprint); err != nil {
		writeOpenAIError(w, trace.NewID(), err.Error(), "invalid_request_error", http.StatusBadRequest)
		return
	}

	build := func(projectID string, stripReasoning, dropTool bool) upstream.Request {
		upReq, _ := mapper.MapRequest(req, resolvedModel, projectID, fingerprint)
		if stripReasoning {
			dialect.StripThoughtSignatures(&upReq.Request)
		}
		if dropTool {
			dialect.DropTools(&upReq.Request)
		}
		return upReq
	}

	tr := trace.New(string(dialect.OpenAI), resolvedModel)
	historyLen := len(req.Messages)

	if req.Stream {
		s.streamChatCompletions(w, r, tr, mapper, fingerprint, historyLen, resolvedModel, build)
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), tr, fingerprint, []string{resolvedModel}, false, build)
	tr.Finish(err)
	if err != nil {
		writeOpenAIDispatchError(w, tr.ID, err)
		return
	}

	httpResponseJSON(w, mapper.MapResponse(*resp, resolvedModel, fingerprint, historyLen), http.StatusOK)
}

func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, tr *trace.Trace, mapper dialect.OpenAIMapper, fingerprint string, historyLen int, resolvedModel string, build dispatcher.RequestBuilder) {
	chunks, errs, err := s.dispatcher.DispatchStream(r.Context(), tr, fingerprint, []string{resolvedModel}, build)
	if err != nil {
		tr.Finish(err)
		writeOpenAIDispatchError(w, tr.ID, err)
		return
	}

	writer := stream.NewOpenAIWriter(w, mapper, resolvedModel, ulid.Make().String(), fingerprint, historyLen)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writer.WriteChunk(chunk)
		case streamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if streamErr != nil {
				writer.WriteError("server_error", streamErr.Error())
				tr.Finish(streamErr)
				return
			}
		}
	}
	writer.Finish()
	tr.Finish(nil)
}

// LegacyCompletions handles POST /v1/completions by adapting the legacy
// single-prompt shape into a one-message chat completion.
func (s *Server) LegacyCompletions(w http.ResponseWriter, r *http.Request) {
	var legacy struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&legacy); err != nil {
		writeOpenAIError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", http.StatusBadRequest)
		return
	}

	chatReq := dialect.ChatCompletionRequest{
		Model:    legacy.Model,
		Messages: []dialect.OpenAIMessage{{Role: "user", Content: json.RawMessage(fmt.Sprintf("%q", legacy.Prompt))}},
		Stream:   legacy.Stream,
	}

	s.dispatchChatRequest(w, r, chatReq)
}

// Responses handles POST /v1/responses, adapting the Responses API's
// flattened "input" shape into a chat completion.
func (s *Server) Responses(w http.ResponseWriter, r *http.Request) {
	var respReq struct {
		Model  string `json:"model"`
		Input  string `json:"input"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&respReq); err != nil {
		writeOpenAIError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", http.StatusBadRequest)
		return
	}

	chatReq := dialect.ChatCompletionRequest{
		Model:    respReq.Model,
		Messages: []dialect.OpenAIMessage{{Role: "user", Content: json.RawMessage(fmt.Sprintf("%q", respReq.Input))}},
		Stream:   respReq.Stream,
	}

	s.dispatchChatRequest(w, r, chatReq)
}

func (s *Server) dispatchChatRequest(w http.ResponseWriter, r *http.Request, req dialect.ChatCompletionRequest) {
	resolvedModel := s.router.Resolve(req.Model)
	mapper := dialect.OpenAIMapper{Store: s.thoughtSig}
	fingerprint := requestFingerprint(r)
	historyLen := len(req.Messages)

	build := func(projectID string, stripReasoning, dropTool bool) upstream.Request {
		upReq, _ := mapper.MapRequest(req, resolvedModel, projectID, fingerprint)
		if stripReasoning {
			dialect.StripThoughtSignatures(&upReq.Request)
		}
		if dropTool {
			dialect.DropTools(&upReq.Request)
		}
		return upReq
	}

	tr := trace.New(string(dialect.OpenAI), resolvedModel)

	if req.Stream {
		s.streamChatCompletions(w, r, tr, mapper, fingerprint, historyLen, resolvedModel, build)
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), tr, fingerprint, []string{resolvedModel}, false, build)
	tr.Finish(err)
	if err != nil {
		writeOpenAIDispatchError(w, tr.ID, err)
		return
	}

	httpResponseJSON(w, mapper.MapResponse(*resp, resolvedModel, fingerprint, historyLen), http.StatusOK)
}

// ImagesGenerations handles POST /v1/images/generations, dispatched with the
// image concurrency-lock bypass (SPEC_FULL §4.4, §5).
func (s *Server) ImagesGenerations(w http.ResponseWriter, r *http.Request) {
	s.handleImageRequest(w, r)
}

// ImagesEdits handles POST /v1/images/edits.
func (s *Server) ImagesEdits(w http.ResponseWriter, r *http.Request) {
	s.handleImageRequest(w, r)
}

// ImagesVariations handles POST /v1/images/variations.
func (s *Server) ImagesVariations(w http.ResponseWriter, r *http.Request) {
	s.handleImageRequest(w, r)
}

func (s *Server) handleImageRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", http.StatusBadRequest)
		return
	}

	resolvedModel := s.router.Resolve(req.Model)
	mapper := dialect.OpenAIMapper{Store: s.thoughtSig}
	chatReq := dialect.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []dialect.OpenAIMessage{{Role: "user", Content: json.RawMessage(fmt.Sprintf("%q", req.Prompt))}},
	}
	fingerprint := requestFingerprint(r)

	build := func(projectID string, stripReasoning, dropTool bool) upstream.Request {
		upReq, _ := mapper.MapRequest(chatReq, resolvedModel, projectID, fingerprint)
		return upReq
	}

	tr := trace.New(string(dialect.OpenAI), resolvedModel)

	resp, err := s.dispatcher.Dispatch(r.Context(), tr, fingerprint, []string{resolvedModel}, true, build)
	tr.Finish(err)
	if err != nil {
		writeOpenAIDispatchError(w, tr.ID, err)
		return
	}

	httpResponseJSON(w, mapper.MapResponse(*resp, resolvedModel, fingerprint, len(chatReq.Messages)), http.StatusOK)
}

// ListOpenAIModels handles GET /v1/models.
func (s *Server) ListOpenAIModels(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{
		"object": "list",
		"data":   []map[string]any{},
	}, http.StatusOK)
}

func writeOpenAIDispatchError(w http.ResponseWriter, traceID string, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrExhausted):
		writeOpenAIError(w, traceID, err.Error(), "server_error", http.StatusBadGateway)
	default:
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			writeOpenAIError(w, traceID, statusErr.Error(), "server_error", statusErr.Status)
			return
		}
		writeOpenAIError(w, traceID, err.Error(), "server_error", http.StatusBadGateway)
	}
}
