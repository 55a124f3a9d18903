package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopyard/shopyard/internal/domain"
)

// StoreService is the provisioning orchestrator: it turns create/delete
// requests into durable state transitions, enforces the admission cap,
// serializes provisioning work behind the bounded scheduler, and records
// every transition in the audit log.
type StoreService struct {
	repo         domain.StoreRepository
	provisioners domain.ProvisionerRegistry
	validator    domain.TransitionValidator
	publisher    domain.EventPublisher
	scheduler    *Scheduler
	maxStores    int

	// admitMu serializes the admission check with the insert so two
	// concurrent creates cannot both pass the capacity count.
	admitMu sync.Mutex
}

// NewStoreService creates the orchestrator with the given adapters.
// It owns its own scheduler so it can be constructed and tested in
// isolation; nothing here is process-global.
func NewStoreService(
	repo domain.StoreRepository,
	provisioners domain.ProvisionerRegistry,
	validator domain.TransitionValidator,
	publisher domain.EventPublisher,
	cfg Config,
) *StoreService {
	return &StoreService{
		repo:         repo,
		provisioners: provisioners,
		validator:    validator,
		publisher:    publisher,
		scheduler:    NewScheduler(cfg.MaxConcurrentProvisions),
		maxStores:    cfg.MaxStores,
	}
}

// CreateParams carries a create request. Type defaults to woocommerce and
// AdminUser to "admin" when empty.
type CreateParams struct {
	Name          string
	Type          domain.StoreType
	AdminUser     string
	AdminPassword string
	CallerIP      string
}

// Create admits, persists and schedules a new store. The returned store is
// in "provisioning" status; callers poll for completion.
func (s *StoreService) Create(ctx context.Context, p CreateParams) (domain.Store, error) {
	adminUser := p.AdminUser
	if adminUser == "" {
		adminUser = "admin"
	}

	store, err := s.admit(ctx, p)
	if err != nil {
		return domain.Store{}, err
	}

	if err := s.repo.AppendAudit(ctx, store.ID, domain.ActionCreate, map[string]any{
		"name": store.Name,
		"slug": store.Slug,
		"type": string(store.Type),
	}, p.CallerIP); err != nil {
		return domain.Store{}, fmt.Errorf("appending audit entry: %w", err)
	}
	s.publish(ctx, domain.EventCreated, store)

	slog.InfoContext(ctx, "store created, starting provisioning",
		"id", store.ID, "name", store.Name, "slug", store.Slug, "type", store.Type)

	s.scheduler.Submit(func() {
		s.provision(store, adminUser, p.AdminPassword)
	})

	return s.repo.GetByID(ctx, store.ID)
}

// admit runs the capacity check, slug validation and insert as one critical
// section. Request handlers call Create concurrently; without the lock two
// requests could both observe a free slot and insert past the cap.
func (s *StoreService) admit(ctx context.Context, p CreateParams) (domain.Store, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	count, err := s.repo.CountActive(ctx)
	if err != nil {
		return domain.Store{}, fmt.Errorf("counting active stores: %w", err)
	}
	if count >= s.maxStores {
		return domain.Store{}, &domain.CapacityError{Limit: s.maxStores}
	}

	slug := Slugify(p.Name)
	if len(slug) < 2 {
		return domain.Store{}, &domain.InvalidNameError{Name: p.Name}
	}

	existing, err := s.repo.GetBySlug(ctx, slug)
	switch {
	case err == nil:
		if existing.Status != domain.StatusDeleted && existing.Status != domain.StatusFailed {
			return domain.Store{}, &domain.SlugConflictError{Slug: slug, ExistingName: existing.Name}
		}
		// Reclaim the slug: drop the old failed/deleted row. This is
		// bookkeeping, not a delete-store operation, so it is not audited.
		if err := s.repo.Delete(ctx, existing.ID); err != nil {
			return domain.Store{}, fmt.Errorf("reclaiming slug %q: %w", slug, err)
		}
	case !errors.Is(err, domain.ErrStoreNotFound):
		return domain.Store{}, fmt.Errorf("checking slug %q: %w", slug, err)
	}

	typ := p.Type
	if typ == "" {
		typ = domain.TypeWooCommerce
	}

	store := domain.NewStore(uuid.NewString(), p.Name, slug, typ)
	if err := s.repo.Insert(ctx, store); err != nil {
		return domain.Store{}, fmt.Errorf("inserting store: %w", err)
	}
	return store, nil
}

// provision is the asynchronous provisioning job body. It runs detached
// from the originating request; outcomes surface only on the store row and
// in the audit log.
func (s *StoreService) provision(store domain.Store, adminUser, adminPassword string) {
	ctx := context.Background()

	provisioner, ok := s.provisioners.Lookup(store.Type)
	if !ok {
		// Fail fast, no backend call.
		s.failProvision(ctx, store, fmt.Sprintf("Unknown store type: %s", store.Type))
		return
	}

	endpoints, err := provisioner.Provision(ctx, domain.ProvisionRequest{
		ID:            store.ID,
		Name:          store.Name,
		Slug:          store.Slug,
		Namespace:     store.Namespace,
		AdminUser:     adminUser,
		AdminPassword: adminPassword,
	})
	if err != nil {
		s.failProvision(ctx, store, err.Error())
		return
	}

	if err := s.repo.MarkProvisionFinished(ctx, store.ID); err != nil {
		slog.ErrorContext(ctx, "stamping provision finish", "id", store.ID, "err", err)
	}

	status, err := s.validator.Apply(ctx, store.Status, domain.EventProvisionSucceeded)
	if err != nil {
		slog.ErrorContext(ctx, "applying provision success transition", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.UpdateStatus(ctx, store.ID, status, endpoints.StoreURL, endpoints.AdminURL, ""); err != nil {
		slog.ErrorContext(ctx, "persisting provision success", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.AppendAudit(ctx, store.ID, domain.ActionProvisionSuccess, map[string]any{
		"storeUrl": endpoints.StoreURL,
		"adminUrl": endpoints.AdminURL,
	}, domain.IPSystem); err != nil {
		slog.ErrorContext(ctx, "appending audit entry", "id", store.ID, "err", err)
	}

	store.Status = status
	store.StoreURL = endpoints.StoreURL
	store.AdminURL = endpoints.AdminURL
	s.publish(ctx, domain.EventProvisionSucceeded, store)

	slog.InfoContext(ctx, "store provisioned",
		"id", store.ID, "name", store.Name, "store_url", endpoints.StoreURL)
}

// failProvision records a terminal provisioning failure. The message ends
// up on the store row and in the audit log; it must never contain secrets.
func (s *StoreService) failProvision(ctx context.Context, store domain.Store, message string) {
	if err := s.repo.MarkProvisionFinished(ctx, store.ID); err != nil {
		slog.ErrorContext(ctx, "stamping provision finish", "id", store.ID, "err", err)
	}

	status, err := s.validator.Apply(ctx, store.Status, domain.EventProvisionFailed)
	if err != nil {
		slog.ErrorContext(ctx, "applying provision failure transition", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.UpdateStatus(ctx, store.ID, status, "", "", message); err != nil {
		slog.ErrorContext(ctx, "persisting provision failure", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.AppendAudit(ctx, store.ID, domain.ActionProvisionFailed, map[string]any{
		"error": message,
	}, domain.IPSystem); err != nil {
		slog.ErrorContext(ctx, "appending audit entry", "id", store.ID, "err", err)
	}

	store.Status = status
	store.ErrorMessage = message
	s.publish(ctx, domain.EventProvisionFailed, store)

	slog.ErrorContext(ctx, "store provisioning failed",
		"id", store.ID, "name", store.Name, "err", message)
}

// Get returns a store by id. Soft-deleted stores are reported as not found.
func (s *StoreService) Get(ctx context.Context, id string) (domain.Store, error) {
	store, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Store{}, err
	}
	if store.Status == domain.StatusDeleted {
		return domain.Store{}, domain.ErrStoreNotFound
	}
	return store, nil
}

// List returns all stores except deleted ones, newest first.
func (s *StoreService) List(ctx context.Context) ([]domain.Store, error) {
	return s.repo.ListActive(ctx)
}

// Delete persists the "deleting" transition and schedules teardown through
// the same bounded scheduler as provisioning. It acknowledges immediately;
// callers poll for completion.
func (s *StoreService) Delete(ctx context.Context, id, callerIP string) error {
	store, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if store.Status == domain.StatusDeleted {
		return domain.ErrStoreNotFound
	}

	status, err := s.validator.Apply(ctx, store.Status, domain.EventDeleteRequested)
	if err != nil {
		return err
	}

	// URLs are retained while deleting so listings keep showing them.
	if err := s.repo.UpdateStatus(ctx, store.ID, status, store.StoreURL, store.AdminURL, ""); err != nil {
		return fmt.Errorf("persisting deleting status: %w", err)
	}
	if err := s.repo.AppendAudit(ctx, store.ID, domain.ActionDeleteStart, map[string]any{
		"name": store.Name,
	}, callerIP); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	store.Status = status
	s.publish(ctx, domain.EventDeleteRequested, store)

	s.scheduler.Submit(func() {
		s.deprovision(store)
	})
	return nil
}

// deprovision is the asynchronous teardown job body. A missing backend is
// not an error: there is nothing to tear down.
func (s *StoreService) deprovision(store domain.Store) {
	ctx := context.Background()

	if provisioner, ok := s.provisioners.Lookup(store.Type); ok {
		if err := provisioner.Deprovision(ctx, store); err != nil {
			s.failDeletion(ctx, store, err.Error())
			return
		}
	}

	status, err := s.validator.Apply(ctx, store.Status, domain.EventDeleteSucceeded)
	if err != nil {
		slog.ErrorContext(ctx, "applying deletion success transition", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.UpdateStatus(ctx, store.ID, status, "", "", ""); err != nil {
		slog.ErrorContext(ctx, "persisting deletion", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.AppendAudit(ctx, store.ID, domain.ActionDeleteSuccess, map[string]any{
		"name": store.Name,
	}, domain.IPSystem); err != nil {
		slog.ErrorContext(ctx, "appending audit entry", "id", store.ID, "err", err)
	}

	store.Status = status
	s.publish(ctx, domain.EventDeleteSucceeded, store)

	slog.InfoContext(ctx, "store deleted", "id", store.ID, "name", store.Name)
}

func (s *StoreService) failDeletion(ctx context.Context, store domain.Store, reason string) {
	status, err := s.validator.Apply(ctx, store.Status, domain.EventDeleteFailed)
	if err != nil {
		slog.ErrorContext(ctx, "applying deletion failure transition", "id", store.ID, "err", err)
		return
	}
	message := "Deletion failed: " + reason
	if err := s.repo.UpdateStatus(ctx, store.ID, status, "", "", message); err != nil {
		slog.ErrorContext(ctx, "persisting deletion failure", "id", store.ID, "err", err)
		return
	}
	if err := s.repo.AppendAudit(ctx, store.ID, domain.ActionDeleteFailed, map[string]any{
		"error": reason,
	}, domain.IPSystem); err != nil {
		slog.ErrorContext(ctx, "appending audit entry", "id", store.ID, "err", err)
	}

	store.Status = status
	store.ErrorMessage = message
	s.publish(ctx, domain.EventDeleteFailed, store)

	slog.ErrorContext(ctx, "store deletion failed", "id", store.ID, "err", reason)
}

// AuditLog returns the most recent audit entries, newest first.
func (s *StoreService) AuditLog(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListAudit(ctx, limit)
}

// Metrics is a read-only projection over the registry and the scheduler.
type Metrics struct {
	TotalStores                 int
	StoresByStatus              map[domain.Status]int
	TotalFailures               int
	AvgProvisionDurationSeconds *int64 // nil until a store has provisioned successfully
	ActiveProvisions            int
	QueuedProvisions            int
	MaxConcurrentProvisions     int
	MaxStores                   int
}

// Metrics aggregates store counts, failure totals, mean provisioning time
// and the scheduler gauges.
func (s *StoreService) Metrics(ctx context.Context) (Metrics, error) {
	byStatus, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("counting stores by status: %w", err)
	}
	failed, err := s.repo.CountFailed(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("counting failed stores: %w", err)
	}

	m := Metrics{
		StoresByStatus:          byStatus,
		TotalFailures:           failed,
		ActiveProvisions:        s.scheduler.Active(),
		QueuedProvisions:        s.scheduler.Queued(),
		MaxConcurrentProvisions: s.scheduler.Limit(),
		MaxStores:               s.maxStores,
	}
	for _, n := range byStatus {
		m.TotalStores += n
	}

	avg, ok, err := s.repo.AverageProvisionDuration(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("averaging provision duration: %w", err)
	}
	if ok {
		seconds := int64(avg.Round(time.Second) / time.Second)
		m.AvgProvisionDurationSeconds = &seconds
	}

	return m, nil
}

// RecoverStale fails every store a previous process left mid-transition.
// The scheduler's queue is memory-only, so any job that was queued or
// in-flight at crash time is gone; this sweep is how those stores surface.
// Must run before the service accepts requests.
func (s *StoreService) RecoverStale(ctx context.Context) error {
	provisioning, err := s.repo.MarkStaleFailed(ctx, domain.StatusProvisioning, "Server restarted during provisioning")
	if err != nil {
		return fmt.Errorf("sweeping stale provisioning stores: %w", err)
	}
	deleting, err := s.repo.MarkStaleFailed(ctx, domain.StatusDeleting, "Server restarted during deletion")
	if err != nil {
		return fmt.Errorf("sweeping stale deleting stores: %w", err)
	}
	if provisioning+deleting > 0 {
		slog.WarnContext(ctx, "marked stale stores as failed",
			"provisioning", provisioning, "deleting", deleting)
	}
	return nil
}

// publish emits a lifecycle event. Publishing is advisory: the audit log is
// the durable history, so failures are logged and swallowed.
func (s *StoreService) publish(ctx context.Context, event domain.Event, store domain.Store) {
	if err := s.publisher.Publish(ctx, event, store); err != nil {
		slog.ErrorContext(ctx, "publishing lifecycle event",
			"event", event, "store_id", store.ID, "err", err)
	}
}
