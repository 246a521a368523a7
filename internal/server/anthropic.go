package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatewire/internal/dialect"
	"github.com/rakunlabs/gatewire/internal/dispatcher"
	"github.com/rakunlabs/gatewire/internal/stream"
	"github.com/rakunlabs/gatewire/internal/trace"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// Messages handles POST /v1/messages.
func (s *Server) Messages(w http.ResponseWriter, r *http.Request) {
	var req dialect.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", http.StatusBadRequest)
		return
	}

	resolvedModel := s.router.Resolve(req.Model)
	mapper := dialect.AnthropicMapper{Store: s.thoughtSig}
	sessionID := ulid.Make().String()
	fingerprint := requestFingerprint(r)

	if _, err := mapper.MapRequest(req, resolvedModel, "", sessionID, fingerprint); err != nil {
		writeAnthropicError(w, trace.NewID(), err.Error(), "invalid_request_error", http.StatusBadRequest)
		return
	}

	build := func(projectID string, stripReasoning, dropTool bool) upstream.Request {
		upReq, _ := mapper.MapRequest(req, resolvedModel, projectID, sessionID, fingerprint)
		if stripReasoning {
			dialect.StripThoughtSignatures(&upReq.Request)
		}
		if dropTool {
			dialect.DropTools(&upReq.Request)
		}
		return upReq
	}

	tr := trace.New(string(dialect.Anthropic), resolvedModel)
	historyLen := len(req.Messages)

	if req.Stream {
		s.streamMessages(w, r, tr, mapper, fingerprint, historyLen, resolvedModel, build)
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), tr, fingerprint, []string{resolvedModel}, false, build)
	tr.Finish(err)
	if err != nil {
		writeAnthropicDispatchError(w, tr.ID, err)
		return
	}

	httpResponseJSON(w, mapper.MapResponse(*resp, resolvedModel, fingerprint, historyLen), http.StatusOK)
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, tr *trace.Trace, mapper dialect.AnthropicMapper, fingerprint string, historyLen int, resolvedModel string, build dispatcher.RequestBuilder) {
	chunks, errs, err := s.dispatcher.DispatchStream(r.Context(), tr, fingerprint, []string{resolvedModel}, build)
	if err != nil {
		tr.Finish(err)
		writeAnthropicDispatchError(w, tr.ID, err)
		return
	}

	writer := stream.NewAnthropicWriter(w, mapper, resolvedModel, "msg_"+ulid.Make().String(), 0, fingerprint, historyLen)
	outputTokens := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.UsageMetadata != nil {
				outputTokens = chunk.UsageMetadata.CandidatesTokenCount
			}
			writer.WriteChunk(chunk)
		case streamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if streamErr != nil {
				writer.WriteError("api_error", streamErr.Error())
				tr.Finish(streamErr)
				return
			}
		}
	}
	writer.Finish(outputTokens)
	tr.Finish(nil)
}

// MessagesCountTokens handles POST /v1/messages/count_tokens with a local
// estimate rather than an upstream round trip (SPEC_FULL §11 "token counting
// (estimate only)").
func (s *Server) MessagesCountTokens(w http.ResponseWriter, r *http.Request) {
	var req dialect.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", http.StatusBadRequest)
		return
	}

	chars := len(systemCharCount(req))
	for _, m := range req.Messages {
		chars += len(m.Content)
	}

	httpResponseJSON(w, map[string]any{"input_tokens": chars / 4}, http.StatusOK)
}

func systemCharCount(req dialect.MessagesRequest) string {
	var sb strings.Builder
	sb.Write(req.System)
	return sb.String()
}

func writeAnthropicDispatchError(w http.ResponseWriter, traceID string, err error) {
	if errors.Is(err, dispatcher.ErrExhausted) {
		writeAnthropicError(w, traceID, err.Error(), "api_error", http.StatusBadGateway)
		return
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		writeAnthropicError(w, traceID, statusErr.Error(), "api_error", statusErr.Status)
		return
	}
	writeAnthropicError(w, traceID, err.Error(), "api_error", http.StatusBadGateway)
}
