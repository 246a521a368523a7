package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/gatewire/internal/dialect"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// AnthropicWriter emits Anthropic-compatible SSE events, grounded on the
// reference handleClaudeStreaming: message_start, content_block_start/
// delta/stop, message_delta, message_stop.
type AnthropicWriter struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	model       string
	machine     *Machine
	state       dialect.StreamState
	started     bool
	inTokens    int
	mapper      dialect.AnthropicMapper
	fingerprint string
	historyLen  int
}

// NewAnthropicWriter sets SSE headers and emits message_start. mapper carries
// the caller's thought-signature store (if any); fingerprint and historyLen
// let streamed reasoning/tool-call signatures be recorded for later recovery
// the same way the non-streaming path does (SPEC_FULL §4.5).
func NewAnthropicWriter(w http.ResponseWriter, mapper dialect.AnthropicMapper, model, id string, inputTokens int, fingerprint string, historyLen int) *AnthropicWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	aw := &AnthropicWriter{
		w: w, flusher: flusher, model: model, machine: NewMachine(), inTokens: inputTokens,
		mapper: mapper, fingerprint: fingerprint, historyLen: historyLen,
	}

	aw.writeEvent("message_start", map[string]any{
		"message": map[string]any{
			"id": id, "type": "message", "role": "assistant", "model": model,
			"content": []any{}, "usage": map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
	aw.machine.Advance(InMessage)
	return aw
}

func (s *AnthropicWriter) writeEvent(event string, data map[string]any) {
	data["type"] = event
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// WriteChunk transcodes one upstream chunk into zero or more Anthropic SSE
// events.
func (s *AnthropicWriter) WriteChunk(resp upstream.Response) {
	events := s.mapper.MapStreamChunk(resp, &s.state, s.fingerprint, s.historyLen)
	for _, ev := range events {
		data, _ := ev.Data.(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		s.writeEvent(ev.Event, data)
	}
}

// Finish closes any open content block and emits message_delta/message_stop.
func (s *AnthropicWriter) Finish(outputTokens int) {
	s.machine.Advance(Finalising)

	if s.state.TextBlockOpen {
		s.writeEvent("content_block_stop", map[string]any{"index": s.state.NextBlockIdx})
		s.state.TextBlockOpen = false
	}
	if s.state.ThinkingBlockOpen {
		s.writeEvent("content_block_stop", map[string]any{"index": s.state.NextBlockIdx})
		s.state.ThinkingBlockOpen = false
	}

	s.writeEvent("message_delta", map[string]any{
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]any{"output_tokens": outputTokens},
	})
	s.writeEvent("message_stop", map[string]any{})

	s.machine.Advance(Done)
}

// WriteError emits an Anthropic-shaped in-band error event.
func (s *AnthropicWriter) WriteError(errType, message string) {
	s.writeEvent("error", map[string]any{"error": map[string]any{"type": errType, "message": message}})
	s.machine.Fail()
}
