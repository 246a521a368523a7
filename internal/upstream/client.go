package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"
)

// BaseURLs is the ordered fallback list of Cloud Code regional/channel
// hosts, grounded on the pysugar upstream client's BaseURLs slice.
// SPEC_FULL §11 "Upstream endpoint fallback list".
var BaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
}

// UserAgent identifies the gateway to the upstream.
const UserAgent = "antigravity/1.11.9 gateway/go"

// Client issues generateContent/streamGenerateContent calls against the
// Cloud Code API family. Because it rotates across several absolute base
// URLs per attempt (unlike the single-base-URL provider clients in the
// source stack) it drives klient's raw *http.Client directly, the same way
// gemini.Provider.ChatStream does for its streaming path.
type Client struct {
	http      *klient.Client
	timeout   time.Duration
	proxyOpts []klient.OptionClientFn
}

// Option configures a Client.
type Option func(*Client)

// WithProxy routes outbound calls through an HTTP or SOCKS5 proxy URL.
func WithProxy(proxyURL string) Option {
	return func(c *Client) {
		if proxyURL != "" {
			c.proxyOpts = append(c.proxyOpts, klient.WithProxy(proxyURL))
		}
	}
}

// WithTimeout overrides the per-attempt request deadline (SPEC_FULL §5).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New builds a Client, wiring klient the same way the source stack's
// provider clients do (disabled base-URL check since we supply absolute
// URLs per attempt, shared default headers, optional proxy).
func New(opts ...Option) (*Client, error) {
	c := &Client{timeout: 300 * time.Second}
	for _, opt := range opts {
		opt(c)
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithDisableBaseURLCheck(true),
		klient.WithHeaderSet(http.Header{
			"Content-Type": []string{"application/json"},
			"User-Agent":   []string{UserAgent},
		}),
	}
	klientOpts = append(klientOpts, c.proxyOpts...)

	hc, err := klient.New(klientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}
	c.http = hc
	return c, nil
}

// isPremiumModel reports whether model requires the streaming-merge
// workaround (SPEC_FULL §11 "Premium-model streaming-merge").
func isPremiumModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "claude") || strings.Contains(m, "gemini-3-pro")
}

// Generate issues either a direct non-streaming call or, for premium
// models, a streaming call whose chunks are merged into one Response.
func (c *Client) Generate(ctx context.Context, accessToken string, req Request) (*Response, error) {
	return c.generateDirect(ctx, accessToken, req, isPremiumModel(req.Model))
}

// Stream issues a streaming call and returns the raw chunk channel; callers
// (the dispatcher's streaming path) transcode each chunk to the client
// dialect as it arrives.
func (c *Client) Stream(ctx context.Context, accessToken string, req Request) (<-chan Response, <-chan error, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	resp, status, err := c.doWithFallback(ctx, accessToken, "streamGenerateContent", body)
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		bodyData, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, &StatusError{Status: status, Body: string(bodyData)}
	}

	chunks := make(chan Response)
	errs := make(chan error, 1)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)
		defer close(errs)

		if err := scanSSE(resp.Body, func(chunk Response) { chunks <- chunk }); err != nil {
			errs <- err
		}
	}()

	return chunks, errs, nil
}

func (c *Client) generateDirect(ctx context.Context, accessToken string, req Request, streamed bool) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	action := "generateContent"
	if streamed {
		action = "streamGenerateContent"
	}

	resp, status, err := c.doWithFallback(ctx, accessToken, action, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if status != http.StatusOK {
		bodyData, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Status: status, Body: string(bodyData)}
	}

	if streamed {
		return mergeSSE(resp.Body)
	}

	bodyData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response (status %d): %w", status, err)
	}

	var wrapped struct {
		Response Response `json:"response"`
	}
	if err := json.Unmarshal(bodyData, &wrapped); err != nil {
		return nil, fmt.Errorf("decode upstream response (status %d): %w (body: %s)", status, err, string(bodyData))
	}
	return &wrapped.Response, nil
}

// StatusError carries the upstream HTTP status so the failure controller
// can classify it (SPEC_FULL §4.6).
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// doWithFallback walks BaseURLs in order, retrying the next on 429/403/5xx
// and returning immediately on any other status (including success),
// grounded on the reference client's doRequestWithFallback.
func (c *Client) doWithFallback(ctx context.Context, accessToken, action string, body []byte) (*http.Response, int, error) {
	var lastResp *http.Response
	var lastErr error

	for _, base := range BaseURLs {
		url := fmt.Sprintf("%s/models:%s", base, action)

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, 0, fmt.Errorf("build upstream request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.http.HTTP.Do(httpReq)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, resp.StatusCode, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden || resp.StatusCode >= 500 {
			lastResp = resp
			continue
		}

		// Any other 4xx is caller-shaped; do not try further base URLs.
		return resp, resp.StatusCode, nil
	}

	if lastResp != nil {
		return lastResp, lastResp.StatusCode, nil
	}
	return nil, 0, fmt.Errorf("all upstream base URLs failed: %w", lastErr)
}

// scanSSE reads "data: " lines from an SSE body, decoding each as a
// Response and invoking fn.
func scanSSE(body io.Reader, fn func(Response)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" || payload == "" {
			continue
		}

		var wrapped struct {
			Response Response `json:"response"`
		}
		if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
			continue
		}
		fn(wrapped.Response)
	}
	return scanner.Err()
}

// mergeSSE consumes an entire SSE stream and merges it into a single
// Response, grounded on the reference client's consumeAndMergeSSE: text
// parts accumulate, non-text parts (functionCall/inlineData/thought) are
// preserved as distinct parts in arrival order.
func mergeSSE(body io.Reader) (*Response, error) {
	var merged Response
	var textBuf strings.Builder
	var parts []Part
	var finishReason string
	var groundingMetadata *GroundingMetadata

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		parts = append(parts, Part{Text: textBuf.String()})
		textBuf.Reset()
	}

	err := scanSSE(body, func(chunk Response) {
		if chunk.Error != nil {
			merged.Error = chunk.Error
		}
		if chunk.UsageMetadata != nil {
			merged.UsageMetadata = chunk.UsageMetadata
		}
		for _, cand := range chunk.Candidates {
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
			if cand.GroundingMetadata != nil {
				groundingMetadata = cand.GroundingMetadata
			}
			for _, p := range cand.Content.Parts {
				switch {
				case p.Text != "" && !p.Thought:
					textBuf.WriteString(p.Text)
				default:
					flushText()
					parts = append(parts, p)
				}
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}
	flushText()

	merged.Candidates = []Candidate{{
		Content:           Content{Role: "model", Parts: parts},
		FinishReason:      finishReason,
		GroundingMetadata: groundingMetadata,
	}}
	return &merged, nil
}
