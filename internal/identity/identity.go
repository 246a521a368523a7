// Package identity models the pool of upstream OAuth identities the gateway
// rotates between and the access-credential refresh that keeps each one usable.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// refreshBuffer is how far ahead of expiry an access credential is renewed.
// Mirrors the teacher's copilotTokenExpiryBuffer pattern.
const refreshBuffer = 60 * time.Second

// Quota is a per-model remaining-quota snapshot.
type Quota struct {
	Model     string    `json:"model"`
	Remaining float64   `json:"remaining"` // 0..100, percentage
	ResetAt   time.Time `json:"reset_at"`
}

// Refresher exchanges a stored refresh credential for a fresh access token.
// Implementations talk to Google's OAuth token endpoint; tests can substitute
// a fake.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Identity is one pooled upstream account.
type Identity struct {
	ID        string
	Label     string
	ProjectID string

	mu              sync.Mutex
	refreshToken    string
	accessToken     string
	accessExpiresAt time.Time

	disabled           bool
	permissionAnomaly  bool
	lockedUntil        time.Time
	lastUsedAt         time.Time
	inFlightNonImage   bool
	inFlightExpiresAt  time.Time
	quotas             map[string]Quota
	refresher          Refresher
}

// New builds an Identity from its persisted fields.
func New(id, label, projectID, refreshToken string, refresher Refresher) *Identity {
	return &Identity{
		ID:           id,
		Label:        label,
		ProjectID:    projectID,
		refreshToken: refreshToken,
		refresher:    refresher,
		quotas:       make(map[string]Quota),
	}
}

// AccessToken returns a valid access token, refreshing it first if it is
// within refreshBuffer of expiry or not yet minted.
func (id *Identity) AccessToken(ctx context.Context) (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.accessToken != "" && time.Now().Before(id.accessExpiresAt.Add(-refreshBuffer)) {
		return id.accessToken, nil
	}

	tok, err := id.refresher.Refresh(ctx, id.refreshToken)
	if err != nil {
		id.disabled = true
		return "", fmt.Errorf("refresh access token for identity %s: %w", id.ID, err)
	}

	id.accessToken = tok.AccessToken
	id.accessExpiresAt = tok.Expiry
	return id.accessToken, nil
}

// Disabled reports whether the identity has been permanently sidelined.
func (id *Identity) Disabled() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.disabled
}

// Disable marks the identity as unusable until manual re-authentication.
func (id *Identity) Disable() {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.disabled = true
}

// MarkPermissionAnomaly flags the identity for operator attention without
// disabling it outright (403 handling, SPEC_FULL §4.6).
func (id *Identity) MarkPermissionAnomaly() {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.permissionAnomaly = true
}

// PermissionAnomaly reports the flag set by MarkPermissionAnomaly.
func (id *Identity) PermissionAnomaly() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.permissionAnomaly
}

// InCooldown reports whether the identity is currently locked out.
func (id *Identity) InCooldown() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return time.Now().Before(id.lockedUntil)
}

// Cooldown locks the identity out until now+d.
func (id *Identity) Cooldown(d time.Duration) {
	id.mu.Lock()
	defer id.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(id.lockedUntil) {
		id.lockedUntil = until
	}
}

// LockedUntil returns the current cooldown deadline (zero value if none).
func (id *Identity) LockedUntil() time.Time {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.lockedUntil
}

// TryAcquire attempts to take the per-identity concurrency slot for
// non-image requests (SPEC_FULL §4.4 concurrency lock). Image-generation
// calls pass image=true and always succeed.
func (id *Identity) TryAcquire(image bool) bool {
	if image {
		return true
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	now := time.Now()
	if id.inFlightNonImage && now.Before(id.inFlightExpiresAt) {
		return false
	}

	id.inFlightNonImage = true
	id.inFlightExpiresAt = now.Add(60 * time.Second)
	id.lastUsedAt = now
	return true
}

// Release frees the concurrency slot taken by TryAcquire.
func (id *Identity) Release(image bool) {
	if image {
		return
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	id.inFlightNonImage = false
}

// LastUsedAt reports when the identity was last selected (for LRU scheduling).
func (id *Identity) LastUsedAt() time.Time {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.lastUsedAt
}

// SetQuota records a fresh quota snapshot for a model.
func (id *Identity) SetQuota(q Quota) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.quotas[q.Model] = q
}

// MinQuota returns the lowest remaining-quota percentage across the given
// models (100 if none are tracked yet), used by the best-quota scheduler.
func (id *Identity) MinQuota(models ...string) float64 {
	id.mu.Lock()
	defer id.mu.Unlock()

	min := 100.0
	for _, m := range models {
		if q, ok := id.quotas[m]; ok && q.Remaining < min {
			min = q.Remaining
		}
	}
	return min
}

// RefreshToken returns the stored long-lived credential. Callers MUST NOT log
// this value (SPEC_FULL §3 Identity invariants).
func (id *Identity) RefreshToken() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.refreshToken
}
