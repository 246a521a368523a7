package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/gatewire/internal/identity"
	"github.com/rakunlabs/gatewire/internal/trace"
	"github.com/rakunlabs/gatewire/internal/upstream"
)

// maxAttempts and maxWallClock bound the retry loop (SPEC_FULL §4.6 retry
// budget, §8 property 5).
const (
	maxAttempts  = 5
	maxWallClock = 30 * time.Second
)

// ErrExhausted is returned when the retry budget is spent without success.
var ErrExhausted = errors.New("dispatcher: retry budget exhausted")

// RequestBuilder produces the upstream request for a chosen identity. It is
// invoked once per attempt so fixups (stripped reasoning, dropped tool) can
// be applied by the caller between attempts via the fixup flags.
type RequestBuilder func(projectID string, stripReasoning, dropTool bool) upstream.Request

// Dispatcher composes the identity pool and upstream client into the full
// select → call → classify → recover loop.
type Dispatcher struct {
	pool   *identity.Pool
	client *upstream.Client
	mode   identity.Mode
}

// New builds a Dispatcher.
func New(pool *identity.Pool, client *upstream.Client, mode identity.Mode) *Dispatcher {
	return &Dispatcher{pool: pool, client: client, mode: mode}
}

// Dispatch runs the full request lifecycle for a non-streaming call.
func (d *Dispatcher) Dispatch(ctx context.Context, tr *trace.Trace, fingerprint string, models []string, image bool, build RequestBuilder) (*upstream.Response, error) {
	deadline := time.Now().Add(maxWallClock)
	excluded := map[string]bool{}
	authFailures := map[string]bool{}
	stripReasoning, dropTool := false, false
	sigFixups, toolFixups := 0, 0

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: wall-clock budget spent", ErrExhausted)
		}

		id, err := d.pool.Select(d.mode, fingerprint, models, excluded)
		if err != nil {
			return nil, err
		}

		if !id.TryAcquire(image) {
			excluded[id.ID] = true
			continue
		}

		tr.RecordAttempt(id.ID)
		resp, callErr := d.attempt(ctx, id, build, stripReasoning, dropTool)
		id.Release(image)

		if callErr == nil {
			d.pool.RecordAffinity(fingerprint, id.ID)
			return resp, nil
		}

		cls := Classify(callErr, sigFixups, toolFixups)
		switch cls.Outcome {
		case OutcomeStripReasoningRetry:
			stripReasoning = true
			sigFixups++
			// Same identity, no rotation, no exclusion.
		case OutcomeDropToolRetry:
			dropTool = true
			toolFixups++
		case OutcomeRetrySameIdentity:
			// leave excluded untouched; loop will reselect, likely the same one.
		case OutcomeRefreshAndRetry:
			// First 401 on an identity: retry without excluding it. The retry
			// reuses the cached access token unless it is near expiry; no
			// refresh is forced. A second 401 disables the identity.
			if !authFailures[id.ID] {
				authFailures[id.ID] = true
			} else {
				id.Disable()
				excluded[id.ID] = true
			}
		case OutcomeRotate:
			if cls.Reason == "403" {
				id.MarkPermissionAnomaly()
			}
			excluded[id.ID] = true
		case OutcomeBackoffRotate:
			id.Cooldown(cls.Delay)
			excluded[id.ID] = true
			select {
			case <-time.After(minDuration(cls.Delay, deadline.Sub(time.Now()))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case OutcomeFailFast:
			return nil, callErr
		default:
			excluded[id.ID] = true
		}
	}

	return nil, fmt.Errorf("%w: %d attempts", ErrExhausted, maxAttempts)
}

func (d *Dispatcher) attempt(ctx context.Context, id *identity.Identity, build RequestBuilder, stripReasoning, dropTool bool) (*upstream.Response, error) {
	token, err := id.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req := build(id.ProjectID, stripReasoning, dropTool)
	return d.client.Generate(ctx, token, req)
}

// DispatchStream runs the select → call loop for a streaming call. Once a
// stream is successfully opened, its chunk/error channels are handed back
// directly: bytes may already be flowing to the client, so a mid-stream
// failure is terminal rather than retried (SPEC_FULL §4.5, §4.6).
func (d *Dispatcher) DispatchStream(ctx context.Context, tr *trace.Trace, fingerprint string, models []string, build RequestBuilder) (<-chan upstream.Response, <-chan error, error) {
	deadline := time.Now().Add(maxWallClock)
	excluded := map[string]bool{}
	authFailures := map[string]bool{}
	stripReasoning, dropTool := false, false
	sigFixups, toolFixups := 0, 0

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("%w: wall-clock budget spent", ErrExhausted)
		}

		id, err := d.pool.Select(d.mode, fingerprint, models, excluded)
		if err != nil {
			return nil, nil, err
		}

		if !id.TryAcquire(false) {
			excluded[id.ID] = true
			continue
		}

		token, err := id.AccessToken(ctx)
		if err != nil {
			id.Release(false)
			excluded[id.ID] = true
			continue
		}

		tr.RecordAttempt(id.ID)
		req := build(id.ProjectID, stripReasoning, dropTool)
		chunks, errs, callErr := d.client.Stream(ctx, token, req)
		if callErr == nil {
			d.pool.RecordAffinity(fingerprint, id.ID)
			go func() {
				<-errs // drain on completion before releasing the slot
				id.Release(false)
			}()
			return chunks, errs, nil
		}
		id.Release(false)

		cls := Classify(callErr, sigFixups, toolFixups)
		switch cls.Outcome {
		case OutcomeStripReasoningRetry:
			stripReasoning = true
			sigFixups++
		case OutcomeDropToolRetry:
			dropTool = true
			toolFixups++
		case OutcomeRetrySameIdentity:
		case OutcomeRefreshAndRetry:
			if !authFailures[id.ID] {
				authFailures[id.ID] = true
			} else {
				id.Disable()
				excluded[id.ID] = true
			}
		case OutcomeRotate:
			if cls.Reason == "403" {
				id.MarkPermissionAnomaly()
			}
			excluded[id.ID] = true
		case OutcomeBackoffRotate:
			id.Cooldown(cls.Delay)
			excluded[id.ID] = true
			select {
			case <-time.After(minDuration(cls.Delay, deadline.Sub(time.Now()))):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		case OutcomeFailFast:
			return nil, nil, callErr
		default:
			excluded[id.ID] = true
		}
	}

	return nil, nil, fmt.Errorf("%w: %d attempts", ErrExhausted, maxAttempts)
}
