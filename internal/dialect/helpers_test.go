package dialect

import "github.com/rakunlabs/gatewire/internal/upstream"

func fakeUpstreamResponseWithText(text string) upstream.Response {
	return upstream.Response{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Role: "model", Parts: []upstream.Part{{Text: text}}},
		}},
	}
}

func fakeUpstreamResponseWithToolCall() upstream.Response {
	return upstream.Response{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{
				Role: "model",
				Parts: []upstream.Part{{
					FunctionCall:     &upstream.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}},
					ThoughtSignature: "sig-xyz",
				}},
			},
			FinishReason: "STOP",
		}},
	}
}

func fakeUpstreamResponseWithThought(text, signature string) upstream.Response {
	return upstream.Response{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{
				Role:  "model",
				Parts: []upstream.Part{{Text: text, Thought: true, ThoughtSignature: signature}},
			},
		}},
	}
}
