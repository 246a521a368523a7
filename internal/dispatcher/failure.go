package dispatcher

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/gatewire/internal/upstream"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Outcome names the action the retry loop takes after a classified failure
// (SPEC_FULL §4.6).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetrySameIdentity
	OutcomeStripReasoningRetry
	OutcomeDropToolRetry
	OutcomeRefreshAndRetry
	OutcomeRotate
	OutcomeFailFast
	OutcomeBackoffRotate
)

// Classification is the result of inspecting a failed upstream call.
type Classification struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  string
}

// maxRetryDelay caps a 429's server-hinted delay (SPEC_FULL §4.6).
const maxRetryDelay = 30 * time.Second

// retrySafetyMargin is added to a parsed retryDelay hint.
const retrySafetyMargin = 250 * time.Millisecond

// Classify inspects err (expected to be an *upstream.StatusError for
// upstream-originated failures) and the number of same-identity fixups
// already attempted, returning the recovery action to take.
func Classify(err error, signatureFixupsTried, toolFixupsTried int) Classification {
	statusErr, ok := err.(*upstream.StatusError)
	if !ok {
		return Classification{Outcome: OutcomeRotate, Reason: "non-http error: " + err.Error()}
	}

	body := strings.ToLower(statusErr.Body)

	switch {
	case statusErr.Status == http.StatusBadRequest:
		switch {
		case strings.Contains(body, "signature") && signatureFixupsTried < 1:
			return Classification{Outcome: OutcomeStripReasoningRetry, Reason: "400 signature"}
		case signatureFixupsTried >= 1 && toolFixupsTried < 1:
			// Reasoning was already stripped once and the upstream still
			// rejected the request with 400; escalate to stripping tools
			// rather than repeating the now-no-op reasoning strip.
			return Classification{Outcome: OutcomeDropToolRetry, Reason: "400 persisted after reasoning strip"}
		case (strings.Contains(body, "multiple tool") || strings.Contains(body, "tool_choice")) && toolFixupsTried < 1:
			return Classification{Outcome: OutcomeDropToolRetry, Reason: "400 tool conflict"}
		default:
			slog.Warn("unclassified upstream 400", "body", statusErr.Body)
			return Classification{Outcome: OutcomeFailFast, Reason: "400 unclassified"}
		}
	case statusErr.Status == http.StatusUnauthorized:
		return Classification{Outcome: OutcomeRefreshAndRetry, Reason: "401"}
	case statusErr.Status == http.StatusForbidden:
		return Classification{Outcome: OutcomeRotate, Reason: "403"}
	case statusErr.Status == http.StatusNotFound:
		return Classification{Outcome: OutcomeFailFast, Reason: "404"}
	case statusErr.Status == http.StatusTooManyRequests:
		delay := parseRetryDelay(body)
		if delay <= 0 || delay > maxRetryDelay {
			return Classification{Outcome: OutcomeRotate, Reason: "429 no usable hint"}
		}
		return Classification{Outcome: OutcomeBackoffRotate, Delay: minDuration(delay+retrySafetyMargin, maxRetryDelay), Reason: "429"}
	case statusErr.Status >= 500:
		return Classification{Outcome: OutcomeRetrySameIdentity, Reason: "5xx"}
	default:
		return Classification{Outcome: OutcomeFailFast, Reason: "unclassified status"}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// parseRetryDelay extracts RetryInfo.retryDelay from a raw error body,
// using go-str2duration for the "2.5s"-style value (SPEC_FULL §10).
func parseRetryDelay(body string) time.Duration {
	idx := strings.Index(body, `"retrydelay"`)
	if idx < 0 {
		return 0
	}
	rest := body[idx:]
	start := strings.Index(rest, `:`)
	if start < 0 {
		return 0
	}
	rest = strings.TrimLeft(rest[start+1:], ` "`)
	end := strings.IndexAny(rest, `"`)
	if end < 0 {
		return 0
	}
	valueStr := rest[:end]

	if d, err := str2duration.ParseDuration(valueStr); err == nil {
		return d
	}
	if n, err := strconv.ParseFloat(strings.TrimSuffix(valueStr, "s"), 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return 0
}
