package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/gatewire/internal/dialect"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// OpenAIWriter emits OpenAI-compatible SSE chunks onto an http.ResponseWriter
// as upstream chunks arrive, grounded on internal/server/gateway.go's
// handleStreamingChat (assistant role on the first written chunk, usage
// copied onto each written chunk whose upstream chunk carries it,
// empty-chunk suppression, terminal "data: [DONE]").
type OpenAIWriter struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	model       string
	machine     *Machine
	first       bool
	id          string
	mapper      dialect.OpenAIMapper
	fingerprint string
	historyLen  int
}

// NewOpenAIWriter sets the SSE headers (SPEC_FULL §4.1/§4.5) and returns a
// writer ready to stream chunks for one client request. mapper carries the
// caller's thought-signature store; fingerprint/historyLen let a streamed
// tool call's signature be recorded for later recovery (SPEC_FULL §4.5).
func NewOpenAIWriter(w http.ResponseWriter, mapper dialect.OpenAIMapper, model, requestID, fingerprint string, historyLen int) *OpenAIWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	return &OpenAIWriter{
		w: w, flusher: flusher, model: model, machine: NewMachine(), first: true, id: requestID,
		mapper: mapper, fingerprint: fingerprint, historyLen: historyLen,
	}
}

func (s *OpenAIWriter) writeEvent(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// WriteChunk transcodes one upstream chunk and writes it as an SSE event,
// suppressing chunks that carry neither text, tool-call deltas, nor a
// finish reason (empty-chunk suppression, SPEC_FULL §4.5). A chunk that
// carries only usage is suppressed as well.
func (s *OpenAIWriter) WriteChunk(resp upstream.Response) {
	if s.machine.State() == Init {
		s.machine.Advance(InMessage)
	}

	chunk, ok := s.mapper.MapStreamChunk(resp, s.model, s.first, s.fingerprint, s.historyLen)
	s.first = false
	if !ok {
		return
	}
	chunk.ID = s.id
	s.writeEvent(chunk)
}

// Finish emits the terminal "[DONE]" marker and transitions to Done.
func (s *OpenAIWriter) Finish() {
	s.machine.Advance(Finalising)
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
	s.machine.Advance(Done)
}

// WriteError emits an in-band terminal error event and marks the machine
// Errored (SPEC_FULL §7 "Streaming failures after the first chunk").
func (s *OpenAIWriter) WriteError(errType, message string) {
	s.writeEvent(map[string]any{"error": map[string]any{"type": errType, "message": message}})
	s.machine.Fail()
}
