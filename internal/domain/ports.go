package domain

import (
	"context"
	"time"
)

// StoreRepository defines the persistence contract for stores and the
// append-only audit log. All operations are atomic single-statement
// reads/writes; no torn updates across the fields written together.
type StoreRepository interface {
	Insert(ctx context.Context, store Store) error
	GetByID(ctx context.Context, id string) (Store, error)
	GetBySlug(ctx context.Context, slug string) (Store, error)
	// ListActive returns all stores except deleted ones, newest first.
	ListActive(ctx context.Context) ([]Store, error)
	// CountActive counts stores that hold a capacity slot: everything
	// except deleted and failed.
	CountActive(ctx context.Context) (int, error)
	// UpdateStatus writes status, URLs and error message in one statement.
	UpdateStatus(ctx context.Context, id string, status Status, storeURL, adminURL, errorMessage string) error
	// MarkProvisionFinished stamps the completion time independent of outcome.
	MarkProvisionFinished(ctx context.Context, id string) error
	// Delete hard-deletes a row. Used only for slug reclamation.
	Delete(ctx context.Context, id string) error
	// MarkStaleFailed moves every store in the given status to failed with
	// the given error message, returning how many rows changed. Used by the
	// crash-recovery sweep at startup.
	MarkStaleFailed(ctx context.Context, from Status, message string) (int64, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountFailed(ctx context.Context) (int, error)
	// AverageProvisionDuration reports the mean provisioning time over
	// ready stores. ok is false when no store qualifies.
	AverageProvisionDuration(ctx context.Context) (avg time.Duration, ok bool, err error)

	AppendAudit(ctx context.Context, storeID string, action Action, details map[string]any, ip string) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// TransitionValidator checks whether a lifecycle event is valid from the
// current status and reports the destination status.
type TransitionValidator interface {
	Apply(ctx context.Context, current Status, event Event) (Status, error)
}

// ProvisionRequest carries everything a backend needs to stand up a store.
type ProvisionRequest struct {
	ID            string
	Name          string
	Slug          string
	Namespace     string
	AdminUser     string
	AdminPassword string
}

// Endpoints are the URLs a successful provision yields.
type Endpoints struct {
	StoreURL string
	AdminURL string
}

// Provisioner is the contract a backend implementation fulfils.
// Provision must be safe to call concurrently for different stores.
// Deprovision is best-effort: it should not fail merely because a
// downstream resource is already absent.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (Endpoints, error)
	Deprovision(ctx context.Context, store Store) error
}

// ProvisionerRegistry maps a store type to its backend implementation.
type ProvisionerRegistry interface {
	Lookup(typ StoreType) (Provisioner, bool)
}

// EventPublisher defines the contract for emitting lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event, store Store) error
}
