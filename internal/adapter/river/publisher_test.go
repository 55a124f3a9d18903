package river_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	riverlib "github.com/riverqueue/river"

	riveradapter "github.com/shopyard/shopyard/internal/adapter/river"
	"github.com/shopyard/shopyard/internal/domain"

	_ "modernc.org/sqlite"
)

func TestStoreEventArgs_Kind(t *testing.T) {
	if got := (riveradapter.StoreEventArgs{}).Kind(); got != "store.event" {
		t.Errorf("Kind() = %q", got)
	}
}

func TestPublisher_EndToEnd(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	client, err := riveradapter.Setup(ctx, db)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	events, cancel := client.Subscribe(riverlib.EventKindJobCompleted)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("starting client: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		client.Stop(stopCtx)
	})

	store := domain.NewStore("store-1", "Acme", "acme", domain.TypeWooCommerce)
	store.Status = domain.StatusReady

	publisher := riveradapter.NewPublisher(client)
	if err := publisher.Publish(ctx, domain.EventProvisionSucceeded, store); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-events:
		if event.Job.Kind != "store.event" {
			t.Errorf("completed job kind = %q", event.Job.Kind)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("event job never completed")
	}
}
