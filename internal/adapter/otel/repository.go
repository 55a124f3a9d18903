package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopyard/shopyard/internal/domain"
)

const tracerName = "github.com/shopyard/shopyard/internal/adapter/otel"

// TracingRepository wraps a domain.StoreRepository with OpenTelemetry
// tracing. Each method creates a span with semantic attributes and records
// errors.
type TracingRepository struct {
	next   domain.StoreRepository
	tracer trace.Tracer
}

// Compile-time check: TracingRepository implements domain.StoreRepository.
var _ domain.StoreRepository = (*TracingRepository)(nil)

// NewTracingRepository creates a tracing decorator around the given repository.
func NewTracingRepository(next domain.StoreRepository) *TracingRepository {
	return &TracingRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingRepository) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "StoreRepository."+op, trace.WithAttributes(attrs...))
}

func record(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (r *TracingRepository) Insert(ctx context.Context, store domain.Store) error {
	ctx, span := r.start(ctx, "Insert",
		attribute.String("store.id", store.ID),
		attribute.String("store.slug", store.Slug),
		attribute.String("store.type", string(store.Type)),
	)
	defer span.End()

	err := r.next.Insert(ctx, store)
	record(span, err)
	return err
}

func (r *TracingRepository) GetByID(ctx context.Context, id string) (domain.Store, error) {
	ctx, span := r.start(ctx, "GetByID", attribute.String("store.id", id))
	defer span.End()

	store, err := r.next.GetByID(ctx, id)
	record(span, err)
	return store, err
}

func (r *TracingRepository) GetBySlug(ctx context.Context, slug string) (domain.Store, error) {
	ctx, span := r.start(ctx, "GetBySlug", attribute.String("store.slug", slug))
	defer span.End()

	store, err := r.next.GetBySlug(ctx, slug)
	record(span, err)
	return store, err
}

func (r *TracingRepository) ListActive(ctx context.Context) ([]domain.Store, error) {
	ctx, span := r.start(ctx, "ListActive")
	defer span.End()

	stores, err := r.next.ListActive(ctx)
	record(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(stores)))
	}
	return stores, err
}

func (r *TracingRepository) CountActive(ctx context.Context) (int, error) {
	ctx, span := r.start(ctx, "CountActive")
	defer span.End()

	count, err := r.next.CountActive(ctx)
	record(span, err)
	return count, err
}

func (r *TracingRepository) UpdateStatus(ctx context.Context, id string, status domain.Status, storeURL, adminURL, errorMessage string) error {
	ctx, span := r.start(ctx, "UpdateStatus",
		attribute.String("store.id", id),
		attribute.String("store.status", string(status)),
	)
	defer span.End()

	err := r.next.UpdateStatus(ctx, id, status, storeURL, adminURL, errorMessage)
	record(span, err)
	return err
}

func (r *TracingRepository) MarkProvisionFinished(ctx context.Context, id string) error {
	ctx, span := r.start(ctx, "MarkProvisionFinished", attribute.String("store.id", id))
	defer span.End()

	err := r.next.MarkProvisionFinished(ctx, id)
	record(span, err)
	return err
}

func (r *TracingRepository) Delete(ctx context.Context, id string) error {
	ctx, span := r.start(ctx, "Delete", attribute.String("store.id", id))
	defer span.End()

	err := r.next.Delete(ctx, id)
	record(span, err)
	return err
}

func (r *TracingRepository) MarkStaleFailed(ctx context.Context, from domain.Status, message string) (int64, error) {
	ctx, span := r.start(ctx, "MarkStaleFailed", attribute.String("store.status", string(from)))
	defer span.End()

	n, err := r.next.MarkStaleFailed(ctx, from, message)
	record(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("result.count", n))
	}
	return n, err
}

func (r *TracingRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	ctx, span := r.start(ctx, "CountByStatus")
	defer span.End()

	counts, err := r.next.CountByStatus(ctx)
	record(span, err)
	return counts, err
}

func (r *TracingRepository) CountFailed(ctx context.Context) (int, error) {
	ctx, span := r.start(ctx, "CountFailed")
	defer span.End()

	count, err := r.next.CountFailed(ctx)
	record(span, err)
	return count, err
}

func (r *TracingRepository) AverageProvisionDuration(ctx context.Context) (time.Duration, bool, error) {
	ctx, span := r.start(ctx, "AverageProvisionDuration")
	defer span.End()

	avg, ok, err := r.next.AverageProvisionDuration(ctx)
	record(span, err)
	return avg, ok, err
}

func (r *TracingRepository) AppendAudit(ctx context.Context, storeID string, action domain.Action, details map[string]any, ip string) error {
	ctx, span := r.start(ctx, "AppendAudit",
		attribute.String("store.id", storeID),
		attribute.String("audit.action", string(action)),
	)
	defer span.End()

	err := r.next.AppendAudit(ctx, storeID, action, details, ip)
	record(span, err)
	return err
}

func (r *TracingRepository) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	ctx, span := r.start(ctx, "ListAudit", attribute.Int("audit.limit", limit))
	defer span.End()

	entries, err := r.next.ListAudit(ctx, limit)
	record(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(entries)))
	}
	return entries, err
}
