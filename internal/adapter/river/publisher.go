package river

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/shopyard/shopyard/internal/domain"
)

// Compile-time check: Publisher implements domain.EventPublisher.
var _ domain.EventPublisher = (*Publisher)(nil)

// StoreEventArgs carries the data needed to process a lifecycle event
// asynchronously. River serializes this as JSON into its job queue table.
// It includes a snapshot of the store at the time the event was published,
// so the worker never needs to query the database. No credentials or error
// details beyond what is already on the store row are included.
type StoreEventArgs struct {
	Event   string `json:"event"`
	StoreID string `json:"store_id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (StoreEventArgs) Kind() string { return "store.event" }

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Publisher implements domain.EventPublisher by enqueuing River jobs.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Publish enqueues a lifecycle event as an async job in River.
func (p *Publisher) Publish(ctx context.Context, event domain.Event, store domain.Store) error {
	_, err := p.client.Insert(ctx, StoreEventArgs{
		Event:   string(event),
		StoreID: store.ID,
		Name:    store.Name,
		Slug:    store.Slug,
		Type:    string(store.Type),
		Status:  string(store.Status),
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing store event job: %w", err)
	}
	return nil
}
