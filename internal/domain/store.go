package domain

import "time"

// StoreType selects which provisioning backend stands up the store.
type StoreType string

const (
	TypeWooCommerce StoreType = "woocommerce"
	TypeMedusa      StoreType = "medusa"
)

// Status represents the lifecycle state of a store.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
)

// Event represents an action that triggers a state transition.
type Event string

const (
	// EventCreated is published when a store row is first persisted.
	// It is a notification-only event and does not appear in Transitions.
	EventCreated Event = "created"

	EventProvisionSucceeded Event = "provision_succeeded"
	EventProvisionFailed    Event = "provision_failed"
	EventDeleteRequested    Event = "delete_requested"
	EventDeleteSucceeded    Event = "delete_succeeded"
	EventDeleteFailed       Event = "delete_failed"
)

// Transition defines a valid state change: an event moves a store from Src to Dst.
type Transition struct {
	Event Event
	Src   Status
	Dst   Status
}

// Transitions defines all valid state changes in the store lifecycle.
// "failed" is not terminal: a failed store may still be deleted (a failed
// deletion re-enters "failed", from where deletion can be re-issued), and
// its slug may be reclaimed by a new creation. Deletion may be requested
// from any non-deleted status, including "deleting" itself: re-issuing a
// delete queues another teardown attempt.
var Transitions = []Transition{
	{Event: EventProvisionSucceeded, Src: StatusProvisioning, Dst: StatusReady},
	{Event: EventProvisionFailed, Src: StatusProvisioning, Dst: StatusFailed},
	{Event: EventDeleteRequested, Src: StatusProvisioning, Dst: StatusDeleting},
	{Event: EventDeleteRequested, Src: StatusReady, Dst: StatusDeleting},
	{Event: EventDeleteRequested, Src: StatusFailed, Dst: StatusDeleting},
	{Event: EventDeleteRequested, Src: StatusDeleting, Dst: StatusDeleting},
	{Event: EventDeleteSucceeded, Src: StatusDeleting, Dst: StatusDeleted},
	{Event: EventDeleteFailed, Src: StatusDeleting, Dst: StatusFailed},
}

// Store is the core domain entity: one provisioned instance of a supported
// application stack, tracked from creation request to teardown.
type Store struct {
	ID        string
	Name      string
	Slug      string
	Type      StoreType
	Status    Status
	Namespace string

	// StoreURL and AdminURL are set only while the store is ready.
	StoreURL string
	AdminURL string

	// ErrorMessage holds the failure reason while the store is failed.
	ErrorMessage string

	ProvisionStartedAt  time.Time
	ProvisionFinishedAt time.Time // zero until the provisioning job completes
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NamespaceForSlug derives the isolation namespace a provisioner deploys into.
func NamespaceForSlug(slug string) string {
	return "store-" + slug
}

// NewStore creates a store in the initial "provisioning" state.
func NewStore(id, name, slug string, typ StoreType) Store {
	now := time.Now().UTC()
	return Store{
		ID:                 id,
		Name:               name,
		Slug:               slug,
		Type:               typ,
		Status:             StatusProvisioning,
		Namespace:          NamespaceForSlug(slug),
		ProvisionStartedAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
