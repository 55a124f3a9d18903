package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopyard/shopyard/internal/domain"
)

// TracingProvisioner wraps a domain.Provisioner with OpenTelemetry tracing.
// Provisioning calls are the system's longest operations, so their spans
// carry most of the interesting latency data.
type TracingProvisioner struct {
	next   domain.Provisioner
	tracer trace.Tracer
}

// Compile-time check: TracingProvisioner implements domain.Provisioner.
var _ domain.Provisioner = (*TracingProvisioner)(nil)

// NewTracingProvisioner creates a tracing decorator around the given backend.
func NewTracingProvisioner(next domain.Provisioner) *TracingProvisioner {
	return &TracingProvisioner{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (p *TracingProvisioner) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.Endpoints, error) {
	ctx, span := p.tracer.Start(ctx, "Provisioner.Provision",
		trace.WithAttributes(
			attribute.String("store.id", req.ID),
			attribute.String("store.slug", req.Slug),
			attribute.String("store.namespace", req.Namespace),
		),
	)
	defer span.End()

	endpoints, err := p.next.Provision(ctx, req)
	record(span, err)
	return endpoints, err
}

func (p *TracingProvisioner) Deprovision(ctx context.Context, store domain.Store) error {
	ctx, span := p.tracer.Start(ctx, "Provisioner.Deprovision",
		trace.WithAttributes(
			attribute.String("store.id", store.ID),
			attribute.String("store.slug", store.Slug),
			attribute.String("store.namespace", store.Namespace),
		),
	)
	defer span.End()

	err := p.next.Deprovision(ctx, store)
	record(span, err)
	return err
}
