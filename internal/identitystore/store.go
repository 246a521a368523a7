// Package identitystore provides persistence for pooled upstream identities.
package identitystore

import (
	"context"
	"time"
)

// Record is the persisted shape of an identity (SPEC_FULL §6 "Persisted state").
type Record struct {
	ID                string
	Label             string
	ProjectID         string
	RefreshCredential string // plaintext here; the SQLite store wraps it at rest with crypto.Encrypt when an EncKey is set
	AccessCredential  string
	AccessExpiresAt   time.Time
	Disabled          bool
	PermissionAnomaly bool
	LockedUntil       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Store is the external-account-store collaborator referenced by SPEC_FULL §1/§6.
// The core only ever talks to identities through this interface; the on-disk
// format and key-management ceremony around it remain an external concern.
// Implementations must provide atomic read-modify-write for Update.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Create(ctx context.Context, r Record) error
	// Update performs an atomic read-modify-write: fn receives the current
	// record and returns the value to persist.
	Update(ctx context.Context, id string, fn func(Record) (Record, error)) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// ErrNotFound is returned by Get/Update when no record matches the id.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "identity record not found" }
