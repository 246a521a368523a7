package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rakunlabs/gatewire/internal/dialect"
	"github.com/rakunlabs/gatewire/internal/dispatcher"
	"github.com/rakunlabs/gatewire/internal/trace"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// GeminiModelAction handles POST /v1beta/models/{model}:{action}, dispatching
// on the ":generateContent" / ":streamGenerateContent" suffix the same way
// the native Gemini API does (SPEC_FULL §6 route table).
func (s *Server) GeminiModelAction(w http.ResponseWriter, r *http.Request) {
	segment := r.PathValue("*")
	model, action, ok := strings.Cut(segment, ":")
	if !ok {
		writeGeminiError(w, trace.NewID(), "expected path of the form /v1beta/models/{model}:{action}", http.StatusBadRequest)
		return
	}

	var req dialect.GenerateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGeminiError(w, trace.NewID(), fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	resolvedModel := s.router.Resolve(model)
	mapper := dialect.GeminiMapper{}

	build := func(projectID string, stripReasoning, dropTool bool) upstream.Request {
		upReq := mapper.MapRequest(req, resolvedModel, projectID)
		if stripReasoning {
			dialect.StripThoughtSignatures(&upReq.Request)
		}
		if dropTool {
			dialect.DropTools(&upReq.Request)
		}
		return upReq
	}

	tr := trace.New(string(dialect.Gemini), resolvedModel)
	fingerprint := requestFingerprint(r)

	switch action {
	case "generateContent":
		resp, err := s.dispatcher.Dispatch(r.Context(), tr, fingerprint, []string{resolvedModel}, false, build)
		tr.Finish(err)
		if err != nil {
			writeGeminiDispatchError(w, tr.ID, err)
			return
		}
		httpResponseJSON(w, mapper.MapResponse(*resp), http.StatusOK)

	case "streamGenerateContent":
		s.streamGeminiContent(w, r, tr, fingerprint, resolvedModel, build)

	default:
		writeGeminiError(w, tr.ID, fmt.Sprintf("unsupported action %q", action), http.StatusNotFound)
	}
}

func (s *Server) streamGeminiContent(w http.ResponseWriter, r *http.Request, tr *trace.Trace, fingerprint, resolvedModel string, build dispatcher.RequestBuilder) {
	chunks, errs, err := s.dispatcher.DispatchStream(r.Context(), tr, fingerprint, []string{resolvedModel}, build)
	if err != nil {
		tr.Finish(err)
		writeGeminiDispatchError(w, tr.ID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			fmt.Fprint(w, "data: ")
			enc.Encode(map[string]any{"response": chunk})
			fmt.Fprint(w, "\n")
			if flusher != nil {
				flusher.Flush()
			}
		case streamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if streamErr != nil {
				tr.Finish(streamErr)
				return
			}
		}
	}
	tr.Finish(nil)
}

// ListGeminiModels handles GET /v1beta/models.
func (s *Server) ListGeminiModels(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"models": []map[string]any{}}, http.StatusOK)
}

func writeGeminiDispatchError(w http.ResponseWriter, traceID string, err error) {
	if errors.Is(err, dispatcher.ErrExhausted) {
		writeGeminiError(w, traceID, err.Error(), http.StatusBadGateway)
		return
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		writeGeminiError(w, traceID, statusErr.Error(), statusErr.Status)
		return
	}
	writeGeminiError(w, traceID, err.Error(), http.StatusBadGateway)
}
