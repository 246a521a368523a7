// Package trace implements the per-request Request Trace record
// (SPEC_FULL §3, §4.6, §7).
package trace

import (
	"crypto/rand"
	"time"
)

// idAlphabet excludes visually ambiguous characters (0/O, 1/I/l) so a trace
// id read aloud or copied from a log line is unambiguous.
const idAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

// randomID returns a 6-character random id, short enough to appear in every
// error envelope and log line without cluttering them (SPEC_FULL §3).
func randomID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on these platforms only fails if the OS entropy
		// source is unavailable; fall back to a fixed id rather than panic.
		return "000000"
	}
	id := make([]byte, 6)
	for i, b := range buf {
		id[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(id)
}

// NewID returns a standalone 6-character trace id for error paths that
// occur before a Trace is admitted (e.g. request body decode failures).
func NewID() string {
	return randomID()
}

// Trace is created at request admission and completed on response
// finalisation.
type Trace struct {
	ID         string
	Dialect    string
	Model      string
	IdentityID string
	Attempts   int
	Usage      Usage
	StartedAt  time.Time
	EndedAt    time.Time
	Err        error
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// New starts a trace for an inbound request.
func New(dialect, model string) *Trace {
	return &Trace{ID: randomID(), Dialect: dialect, Model: model, StartedAt: time.Now()}
}

// RecordAttempt bumps the attempt counter and records which identity served
// (or attempted to serve) this attempt.
func (t *Trace) RecordAttempt(identityID string) {
	t.Attempts++
	t.IdentityID = identityID
}

// Finish marks the trace complete.
func (t *Trace) Finish(err error) {
	t.EndedAt = time.Now()
	t.Err = err
}

// Duration reports wall-clock elapsed since the trace started.
func (t *Trace) Duration() time.Duration {
	end := t.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartedAt)
}
