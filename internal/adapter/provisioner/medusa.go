package provisioner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopyard/shopyard/internal/domain"
)

// Compile-time check: Medusa implements domain.Provisioner.
var _ domain.Provisioner = (*Medusa)(nil)

// Medusa is a placeholder backend: the type is accepted at the API so the
// dashboard can offer it, but provisioning fails until the chart lands.
type Medusa struct{}

// NewMedusa creates the placeholder backend.
func NewMedusa() *Medusa {
	return &Medusa{}
}

func (m *Medusa) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.Endpoints, error) {
	slog.InfoContext(ctx, "medusa provisioner is not yet implemented", "store", req.Name)
	return domain.Endpoints{}, errors.New("MedusaJS provisioning is not yet available. Coming soon!")
}

func (m *Medusa) Deprovision(ctx context.Context, store domain.Store) error {
	slog.InfoContext(ctx, "medusa deprovisioner is not yet implemented", "store", store.Name)
	return errors.New("MedusaJS deprovisioning is not yet available")
}
