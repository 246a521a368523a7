package stream

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rakunlabs/gatewire/internal/dialect"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

func TestOpenAIWriterEmitsRoleOnFirstChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewOpenAIWriter(rec, dialect.OpenAIMapper{}, "gpt-4", "req-1", "fp-1", 0)

	w.WriteChunk(upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Parts: []upstream.Part{{Text: "hi"}}},
	}}})
	w.Finish()

	body := rec.Body.String()
	if !strings.Contains(body, `"role":"assistant"`) {
		t.Fatalf("expected role in first chunk, got %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected terminal DONE marker, got %s", body)
	}
	if w.machine.State() != Done {
		t.Fatalf("expected Done state, got %s", w.machine.State())
	}
}

func TestOpenAIWriterSuppressesEmptyChunks(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewOpenAIWriter(rec, dialect.OpenAIMapper{}, "gpt-4", "req-1", "fp-1", 0)
	w.first = false // simulate first chunk already sent

	w.WriteChunk(upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{},
	}}})

	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty chunk suppressed, got %s", rec.Body.String())
	}
}
