package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopyard/shopyard/internal/app"
	"github.com/shopyard/shopyard/internal/domain"
)

// memRepo is an in-memory StoreRepository. Provisioning jobs touch it from
// their own goroutines, so every method locks.
type memRepo struct {
	mu          sync.Mutex
	stores      map[string]domain.Store
	order       []string // insertion order, oldest first
	audit       []domain.AuditEntry
	nextAuditID int64
}

func newMemRepo() *memRepo {
	return &memRepo{stores: make(map[string]domain.Store)}
}

func (r *memRepo) Insert(_ context.Context, store domain.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stores {
		if s.Slug == store.Slug {
			return &domain.SlugConflictError{Slug: store.Slug, ExistingName: s.Name}
		}
	}
	r.stores[store.ID] = store
	r.order = append(r.order, store.ID)
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (domain.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[id]
	if !ok {
		return domain.Store{}, domain.ErrStoreNotFound
	}
	return s, nil
}

func (r *memRepo) GetBySlug(_ context.Context, slug string) (domain.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stores {
		if s.Slug == slug {
			return s, nil
		}
	}
	return domain.Store{}, domain.ErrStoreNotFound
}

func (r *memRepo) ListActive(_ context.Context) ([]domain.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Store
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.stores[r.order[i]]
		if s.Status != domain.StatusDeleted {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) CountActive(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.stores {
		if s.Status != domain.StatusDeleted && s.Status != domain.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id string, status domain.Status, storeURL, adminURL, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[id]
	if !ok {
		return domain.ErrStoreNotFound
	}
	s.Status = status
	s.StoreURL = storeURL
	s.AdminURL = adminURL
	s.ErrorMessage = errorMessage
	s.UpdatedAt = time.Now().UTC()
	r.stores[id] = s
	return nil
}

func (r *memRepo) MarkProvisionFinished(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[id]
	if !ok {
		return domain.ErrStoreNotFound
	}
	s.ProvisionFinishedAt = time.Now().UTC()
	s.UpdatedAt = s.ProvisionFinishedAt
	r.stores[id] = s
	return nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[id]; !ok {
		return domain.ErrStoreNotFound
	}
	delete(r.stores, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memRepo) MarkStaleFailed(_ context.Context, from domain.Status, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.stores {
		if s.Status == from {
			s.Status = domain.StatusFailed
			s.StoreURL = ""
			s.AdminURL = ""
			s.ErrorMessage = message
			s.UpdatedAt = time.Now().UTC()
			r.stores[id] = s
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.Status]int)
	for _, s := range r.stores {
		if s.Status != domain.StatusDeleted {
			out[s.Status]++
		}
	}
	return out, nil
}

func (r *memRepo) CountFailed(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.stores {
		if s.Status == domain.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) AverageProvisionDuration(_ context.Context) (time.Duration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	n := 0
	for _, s := range r.stores {
		if s.Status == domain.StatusReady && !s.ProvisionFinishedAt.IsZero() {
			total += s.ProvisionFinishedAt.Sub(s.ProvisionStartedAt)
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return total / time.Duration(n), true, nil
}

func (r *memRepo) AppendAudit(_ context.Context, storeID string, action domain.Action, details map[string]any, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextAuditID++
	r.audit = append(r.audit, domain.AuditEntry{
		ID:        r.nextAuditID,
		StoreID:   storeID,
		Action:    action,
		Details:   details,
		IPAddress: ip,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (r *memRepo) ListAudit(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.audit[i])
	}
	return out, nil
}

// auditActions returns the recorded actions for one store, oldest first.
func (r *memRepo) auditActions(storeID string) []domain.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Action
	for _, e := range r.audit {
		if e.StoreID == storeID {
			out = append(out, e.Action)
		}
	}
	return out
}

// testValidator resolves transitions from the domain table without an FSM.
type testValidator struct{}

func (testValidator) Apply(_ context.Context, current domain.Status, event domain.Event) (domain.Status, error) {
	for _, t := range domain.Transitions {
		if t.Event == event && t.Src == current {
			return t.Dst, nil
		}
	}
	return "", &domain.TransitionError{Event: event, Current: current}
}

// fakeProvisioner succeeds by default and counts its invocations.
type fakeProvisioner struct {
	mu          sync.Mutex
	provisions  int
	teardowns   int
	provision   func(ctx context.Context, req domain.ProvisionRequest) (domain.Endpoints, error)
	deprovision func(ctx context.Context, store domain.Store) error
}

func (p *fakeProvisioner) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.Endpoints, error) {
	p.mu.Lock()
	p.provisions++
	p.mu.Unlock()
	if p.provision != nil {
		return p.provision(ctx, req)
	}
	return domain.Endpoints{
		StoreURL: "http://" + req.Slug + ".test",
		AdminURL: "http://" + req.Slug + ".test/wp-admin",
	}, nil
}

func (p *fakeProvisioner) Deprovision(ctx context.Context, store domain.Store) error {
	p.mu.Lock()
	p.teardowns++
	p.mu.Unlock()
	if p.deprovision != nil {
		return p.deprovision(ctx, store)
	}
	return nil
}

func (p *fakeProvisioner) provisionCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisions
}

type fakeRegistry map[domain.StoreType]domain.Provisioner

func (r fakeRegistry) Lookup(typ domain.StoreType) (domain.Provisioner, bool) {
	p, ok := r[typ]
	return p, ok
}

// recPublisher records published events.
type recPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recPublisher) Publish(_ context.Context, event domain.Event, _ domain.Store) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recPublisher) has(event domain.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type serviceFixture struct {
	svc         *app.StoreService
	repo        *memRepo
	provisioner *fakeProvisioner
	publisher   *recPublisher
}

func newServiceFixture(t *testing.T, cfg app.Config) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:        newMemRepo(),
		provisioner: &fakeProvisioner{},
		publisher:   &recPublisher{},
	}
	registry := fakeRegistry{domain.TypeWooCommerce: f.provisioner}
	f.svc = app.NewStoreService(f.repo, registry, testValidator{}, f.publisher, cfg)
	return f
}

func defaultConfig() app.Config {
	return app.Config{MaxStores: 10, MaxConcurrentProvisions: 3}
}

// waitForStatus polls the repository until the store reaches the wanted status.
func waitForStatus(t *testing.T, repo *memRepo, id string, want domain.Status) domain.Store {
	t.Helper()
	var last domain.Store
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := repo.GetByID(context.Background(), id)
		if err == nil {
			last = s
			if s.Status == want {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store %s never reached %q, last seen %q (%s)", id, want, last.Status, last.ErrorMessage)
	return domain.Store{}
}

func TestCreate_ProvisionsToReady(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	store, err := f.svc.Create(ctx, app.CreateParams{Name: "My Shop!", CallerIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if store.Status != domain.StatusProvisioning {
		t.Errorf("initial status = %q, want provisioning", store.Status)
	}
	if store.Slug != "my-shop" {
		t.Errorf("slug = %q, want my-shop", store.Slug)
	}
	if store.Namespace != "store-my-shop" {
		t.Errorf("namespace = %q, want store-my-shop", store.Namespace)
	}
	if store.ProvisionStartedAt.IsZero() {
		t.Error("ProvisionStartedAt not set")
	}

	ready := waitForStatus(t, f.repo, store.ID, domain.StatusReady)
	if ready.StoreURL != "http://my-shop.test" {
		t.Errorf("StoreURL = %q", ready.StoreURL)
	}
	if ready.AdminURL != "http://my-shop.test/wp-admin" {
		t.Errorf("AdminURL = %q", ready.AdminURL)
	}
	if ready.ProvisionFinishedAt.IsZero() {
		t.Error("ProvisionFinishedAt not set")
	}
	if ready.ProvisionFinishedAt.Before(ready.ProvisionStartedAt) {
		t.Error("ProvisionFinishedAt before ProvisionStartedAt")
	}

	actions := f.repo.auditActions(store.ID)
	want := []domain.Action{domain.ActionCreate, domain.ActionProvisionSuccess}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}

	f.repo.mu.Lock()
	first := f.repo.audit[0]
	f.repo.mu.Unlock()
	if first.IPAddress != "10.0.0.1" {
		t.Errorf("create audit IP = %q, want caller IP", first.IPAddress)
	}

	if !f.publisher.has(domain.EventCreated) || !f.publisher.has(domain.EventProvisionSucceeded) {
		t.Error("lifecycle events not published")
	}
}

func TestCreate_DefaultsType(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())

	store, err := f.svc.Create(context.Background(), app.CreateParams{Name: "Plain"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if store.Type != domain.TypeWooCommerce {
		t.Errorf("type = %q, want woocommerce", store.Type)
	}
	waitForStatus(t, f.repo, store.ID, domain.StatusReady)
}

func TestCreate_InvalidName(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())

	for _, name := range []string{"!", "a", "  ", "!!"} {
		_, err := f.svc.Create(context.Background(), app.CreateParams{Name: name})
		var nameErr *domain.InvalidNameError
		if !errors.As(err, &nameErr) {
			t.Errorf("Create(%q) err = %v, want InvalidNameError", name, err)
		}
	}
}

func TestCreate_SlugConflict(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	first, err := f.svc.Create(ctx, app.CreateParams{Name: "Acme Store"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, f.repo, first.ID, domain.StatusReady)

	_, err = f.svc.Create(ctx, app.CreateParams{Name: "Acme, Store!"})
	var conflict *domain.SlugConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want SlugConflictError", err)
	}
	if conflict.ExistingName != "Acme Store" {
		t.Errorf("ExistingName = %q", conflict.ExistingName)
	}
}

func TestCreate_ReclaimsSlugFromFailed(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	old := domain.NewStore("old-id", "Acme", "acme", domain.TypeWooCommerce)
	old.Status = domain.StatusFailed
	old.ErrorMessage = "helm install wc-acme: boom"
	if err := f.repo.Insert(ctx, old); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store, err := f.svc.Create(ctx, app.CreateParams{Name: "Acme"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if store.ID == "old-id" {
		t.Error("expected a fresh store ID")
	}
	if _, err := f.repo.GetByID(ctx, "old-id"); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Errorf("old row still present, err = %v", err)
	}
	waitForStatus(t, f.repo, store.ID, domain.StatusReady)
}

func TestCreate_CapacityReached(t *testing.T) {
	f := newServiceFixture(t, app.Config{MaxStores: 2, MaxConcurrentProvisions: 3})
	ctx := context.Background()

	for _, name := range []string{"One Store", "Two Store"} {
		s, err := f.svc.Create(ctx, app.CreateParams{Name: name})
		if err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		waitForStatus(t, f.repo, s.ID, domain.StatusReady)
	}

	_, err := f.svc.Create(ctx, app.CreateParams{Name: "Three Store"})
	var capErr *domain.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CapacityError", err)
	}
	if capErr.Limit != 2 {
		t.Errorf("Limit = %d, want 2", capErr.Limit)
	}
}

func TestCreate_ConcurrentAdmissionHoldsCap(t *testing.T) {
	f := newServiceFixture(t, app.Config{MaxStores: 3, MaxConcurrentProvisions: 3})
	ctx := context.Background()

	// Many simultaneous creates must not slip past the capacity count.
	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	overCap := 0

	start := make(chan struct{})
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Create(ctx, app.CreateParams{Name: fmt.Sprintf("Shop Number %d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			default:
				var capErr *domain.CapacityError
				if !errors.As(err, &capErr) {
					t.Errorf("Create: %v", err)
					return
				}
				overCap++
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted != 3 || overCap != attempts-3 {
		t.Errorf("admitted = %d, rejected = %d, want 3/%d", admitted, overCap, attempts-3)
	}
	count, err := f.repo.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count > 3 {
		t.Errorf("CountActive = %d, exceeds the cap", count)
	}
}

func TestCreate_FailedStoresDoNotHoldCapacity(t *testing.T) {
	f := newServiceFixture(t, app.Config{MaxStores: 1, MaxConcurrentProvisions: 3})
	ctx := context.Background()

	old := domain.NewStore("failed-id", "Broken", "broken", domain.TypeWooCommerce)
	old.Status = domain.StatusFailed
	if err := f.repo.Insert(ctx, old); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := f.svc.Create(ctx, app.CreateParams{Name: "Fresh Shop"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestProvision_UnknownType(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	// Only woocommerce is registered in the fixture.
	store, err := f.svc.Create(ctx, app.CreateParams{Name: "Medusa Shop", Type: domain.TypeMedusa})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	failed := waitForStatus(t, f.repo, store.ID, domain.StatusFailed)
	if failed.ErrorMessage != "Unknown store type: medusa" {
		t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
	}
	if failed.ProvisionFinishedAt.IsZero() {
		t.Error("ProvisionFinishedAt not set on failure")
	}
	if f.provisioner.provisionCalls() != 0 {
		t.Error("backend called for an unregistered type")
	}

	actions := f.repo.auditActions(store.ID)
	if len(actions) != 2 || actions[1] != domain.ActionProvisionFailed {
		t.Errorf("audit actions = %v, want [create provision_failed]", actions)
	}
}

func TestProvision_BackendFailure(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	f.provisioner.provision = func(context.Context, domain.ProvisionRequest) (domain.Endpoints, error) {
		return domain.Endpoints{}, errors.New("helm install wc-my-shop: chart not found")
	}

	store, err := f.svc.Create(context.Background(), app.CreateParams{Name: "My Shop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	failed := waitForStatus(t, f.repo, store.ID, domain.StatusFailed)
	if failed.ErrorMessage != "helm install wc-my-shop: chart not found" {
		t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
	}
	if failed.StoreURL != "" || failed.AdminURL != "" {
		t.Error("failed store should carry no URLs")
	}
	if !f.publisher.has(domain.EventProvisionFailed) {
		t.Error("provision_failed event not published")
	}
}

func TestGet_DeletedIsNotFound(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	gone := domain.NewStore("gone-id", "Gone", "gone", domain.TypeWooCommerce)
	gone.Status = domain.StatusDeleted
	if err := f.repo.Insert(ctx, gone); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := f.svc.Get(ctx, "gone-id"); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Errorf("Get err = %v, want ErrStoreNotFound", err)
	}
	if _, err := f.svc.Get(ctx, "no-such-id"); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Errorf("Get err = %v, want ErrStoreNotFound", err)
	}
}

func TestDelete_Success(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	store, err := f.svc.Create(ctx, app.CreateParams{Name: "Doomed Shop", CallerIP: "10.0.0.9"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, f.repo, store.ID, domain.StatusReady)

	if err := f.svc.Delete(ctx, store.ID, "10.0.0.9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	deleted := waitForStatus(t, f.repo, store.ID, domain.StatusDeleted)
	if deleted.StoreURL != "" || deleted.AdminURL != "" {
		t.Error("deleted store should carry no URLs")
	}

	actions := f.repo.auditActions(store.ID)
	want := []domain.Action{
		domain.ActionCreate, domain.ActionProvisionSuccess,
		domain.ActionDeleteStart, domain.ActionDeleteSuccess,
	}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}

	if _, err := f.svc.Get(ctx, store.ID); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Errorf("deleted store still visible, err = %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	auditLen := func() int {
		f.repo.mu.Lock()
		defer f.repo.mu.Unlock()
		return len(f.repo.audit)
	}

	before := auditLen()
	if err := f.svc.Delete(ctx, "no-such-id", "10.0.0.1"); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Errorf("Delete err = %v, want ErrStoreNotFound", err)
	}

	gone := domain.NewStore("gone-id", "Gone", "gone", domain.TypeWooCommerce)
	gone.Status = domain.StatusDeleted
	if err := f.repo.Insert(ctx, gone); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.svc.Delete(ctx, "gone-id", "10.0.0.1"); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Errorf("Delete err = %v, want ErrStoreNotFound", err)
	}

	if got := auditLen(); got != before {
		t.Error("failed delete must not be audited")
	}
}

func TestDelete_ReissueWhileDeleting(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	// A store stuck in "deleting" (e.g. a teardown that never completed)
	// accepts another delete request and queues a fresh teardown.
	s := domain.NewStore("mid-id", "Mid", "mid", domain.TypeWooCommerce)
	s.Status = domain.StatusDeleting
	if err := f.repo.Insert(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.svc.Delete(ctx, "mid-id", "10.0.0.1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitForStatus(t, f.repo, "mid-id", domain.StatusDeleted)

	actions := f.repo.auditActions("mid-id")
	if len(actions) == 0 || actions[0] != domain.ActionDeleteStart {
		t.Errorf("audit actions = %v, want delete_start recorded for the re-issue", actions)
	}
}

func TestDelete_MissingBackendStillDeletes(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	s := domain.NewStore("orphan-id", "Orphan", "orphan", domain.TypeMedusa)
	s.Status = domain.StatusFailed
	s.ErrorMessage = "Unknown store type: medusa"
	if err := f.repo.Insert(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.svc.Delete(ctx, "orphan-id", "10.0.0.1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitForStatus(t, f.repo, "orphan-id", domain.StatusDeleted)
}

func TestDelete_BackendFailure(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	f.provisioner.deprovision = func(context.Context, domain.Store) error {
		return errors.New("namespace stuck in Terminating")
	}
	ctx := context.Background()

	store, err := f.svc.Create(ctx, app.CreateParams{Name: "Sticky Shop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, f.repo, store.ID, domain.StatusReady)

	if err := f.svc.Delete(ctx, store.ID, "10.0.0.1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	failed := waitForStatus(t, f.repo, store.ID, domain.StatusFailed)
	if failed.ErrorMessage != "Deletion failed: namespace stuck in Terminating" {
		t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
	}

	actions := f.repo.auditActions(store.ID)
	if len(actions) == 0 || actions[len(actions)-1] != domain.ActionDeleteFailed {
		t.Errorf("audit actions = %v, want delete_failed last", actions)
	}

	// A failed deletion may be retried.
	if err := f.svc.Delete(ctx, store.ID, "10.0.0.1"); err != nil {
		t.Fatalf("retry Delete: %v", err)
	}
}

func TestCreate_QueuesBeyondConcurrencyLimit(t *testing.T) {
	f := newServiceFixture(t, app.Config{MaxStores: 10, MaxConcurrentProvisions: 1})
	release := make(chan struct{})
	f.provisioner.provision = func(_ context.Context, req domain.ProvisionRequest) (domain.Endpoints, error) {
		<-release
		return domain.Endpoints{StoreURL: "http://" + req.Slug + ".test"}, nil
	}
	ctx := context.Background()

	first, err := f.svc.Create(ctx, app.CreateParams{Name: "First Shop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitUntil(t, func() bool { return f.provisioner.provisionCalls() == 1 }, "first job running")

	second, err := f.svc.Create(ctx, app.CreateParams{Name: "Second Shop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m, err := f.svc.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.ActiveProvisions != 1 || m.QueuedProvisions != 1 {
		t.Errorf("active = %d queued = %d, want 1/1", m.ActiveProvisions, m.QueuedProvisions)
	}
	if f.provisioner.provisionCalls() != 1 {
		t.Error("second job started before the first finished")
	}

	close(release)
	waitForStatus(t, f.repo, first.ID, domain.StatusReady)
	waitForStatus(t, f.repo, second.ID, domain.StatusReady)
}

func TestDeleteDuringProvisioning_LastWriterWins(t *testing.T) {
	f := newServiceFixture(t, app.Config{MaxStores: 10, MaxConcurrentProvisions: 1})
	release := make(chan struct{})
	f.provisioner.provision = func(_ context.Context, req domain.ProvisionRequest) (domain.Endpoints, error) {
		<-release
		return domain.Endpoints{StoreURL: "http://" + req.Slug + ".test"}, nil
	}
	ctx := context.Background()

	store, err := f.svc.Create(ctx, app.CreateParams{Name: "Raced Shop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitUntil(t, func() bool { return f.provisioner.provisionCalls() == 1 }, "provision job running")

	// Deletion is accepted mid-provision; the in-flight job is not cancelled.
	if err := f.svc.Delete(ctx, store.ID, "10.0.0.1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s, err := f.repo.GetByID(ctx, store.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if s.Status != domain.StatusDeleting {
		t.Fatalf("status = %q, want deleting", s.Status)
	}

	// The provision job finishes after the delete request and overwrites the
	// row; the queued teardown then runs and wins as the last writer.
	close(release)
	waitForStatus(t, f.repo, store.ID, domain.StatusDeleted)

	actions := f.repo.auditActions(store.ID)
	want := []domain.Action{
		domain.ActionCreate, domain.ActionDeleteStart,
		domain.ActionProvisionSuccess, domain.ActionDeleteSuccess,
	}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}
}

func TestRecoverStale(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	stuck := domain.NewStore("stuck-id", "Stuck", "stuck", domain.TypeWooCommerce)
	half := domain.NewStore("half-id", "Half", "half", domain.TypeWooCommerce)
	half.Status = domain.StatusDeleting
	half.StoreURL = "http://half.test"
	half.AdminURL = "http://half.test/wp-admin"
	ok := domain.NewStore("ok-id", "Fine", "fine", domain.TypeWooCommerce)
	ok.Status = domain.StatusReady
	ok.StoreURL = "http://fine.test"
	for _, s := range []domain.Store{stuck, half, ok} {
		if err := f.repo.Insert(ctx, s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := f.svc.RecoverStale(ctx); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}

	cases := []struct {
		id      string
		status  domain.Status
		message string
	}{
		{"stuck-id", domain.StatusFailed, "Server restarted during provisioning"},
		{"half-id", domain.StatusFailed, "Server restarted during deletion"},
		{"ok-id", domain.StatusReady, ""},
	}
	for _, tc := range cases {
		s, err := f.repo.GetByID(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetByID(%s): %v", tc.id, err)
		}
		if s.Status != tc.status {
			t.Errorf("%s status = %q, want %q", tc.id, s.Status, tc.status)
		}
		if s.ErrorMessage != tc.message {
			t.Errorf("%s message = %q, want %q", tc.id, s.ErrorMessage, tc.message)
		}
	}

	swept, err := f.repo.GetByID(ctx, "half-id")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if swept.StoreURL != "" || swept.AdminURL != "" {
		t.Errorf("swept URLs = %q / %q, want cleared", swept.StoreURL, swept.AdminURL)
	}

	if f.provisioner.provisionCalls() != 0 {
		t.Error("recovery must not call backends")
	}
}

func TestMetrics(t *testing.T) {
	f := newServiceFixture(t, app.Config{MaxStores: 10, MaxConcurrentProvisions: 3})
	ctx := context.Background()

	m, err := f.svc.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.TotalStores != 0 || m.TotalFailures != 0 {
		t.Errorf("empty metrics = %+v", m)
	}
	if m.AvgProvisionDurationSeconds != nil {
		t.Error("avg duration should be nil with no ready stores")
	}
	if m.MaxStores != 10 || m.MaxConcurrentProvisions != 3 {
		t.Errorf("limits = %d/%d, want 10/3", m.MaxStores, m.MaxConcurrentProvisions)
	}

	ready := domain.NewStore("ready-id", "Ready", "ready", domain.TypeWooCommerce)
	ready.Status = domain.StatusReady
	ready.ProvisionFinishedAt = ready.ProvisionStartedAt.Add(4 * time.Second)
	failed := domain.NewStore("failed-id", "Failed", "broken", domain.TypeWooCommerce)
	failed.Status = domain.StatusFailed
	gone := domain.NewStore("gone-id", "Gone", "gone", domain.TypeWooCommerce)
	gone.Status = domain.StatusDeleted
	for _, s := range []domain.Store{ready, failed, gone} {
		if err := f.repo.Insert(ctx, s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	m, err = f.svc.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.TotalStores != 2 {
		t.Errorf("TotalStores = %d, want 2 (deleted excluded)", m.TotalStores)
	}
	if m.StoresByStatus[domain.StatusReady] != 1 || m.StoresByStatus[domain.StatusFailed] != 1 {
		t.Errorf("StoresByStatus = %v", m.StoresByStatus)
	}
	if _, ok := m.StoresByStatus[domain.StatusDeleted]; ok {
		t.Error("deleted stores must not appear in StoresByStatus")
	}
	if m.TotalFailures != 1 {
		t.Errorf("TotalFailures = %d, want 1", m.TotalFailures)
	}
	if m.AvgProvisionDurationSeconds == nil || *m.AvgProvisionDurationSeconds != 4 {
		t.Errorf("AvgProvisionDurationSeconds = %v, want 4", m.AvgProvisionDurationSeconds)
	}
}

func TestAuditLog_DefaultLimit(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	for i := range 60 {
		if err := f.repo.AppendAudit(ctx, fmt.Sprintf("id-%d", i), domain.ActionCreate, nil, domain.IPSystem); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	entries, err := f.svc.AuditLog(ctx, 0)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 50 {
		t.Errorf("len = %d, want default limit 50", len(entries))
	}
	if entries[0].StoreID != "id-59" {
		t.Errorf("first entry = %q, want newest", entries[0].StoreID)
	}
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture(t, defaultConfig())
	f.publisher.err = errors.New("queue unavailable")

	store, err := f.svc.Create(context.Background(), app.CreateParams{Name: "Quiet Shop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, f.repo, store.ID, domain.StatusReady)
}
