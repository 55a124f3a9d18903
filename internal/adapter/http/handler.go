package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shopyard/shopyard/internal/app"
	"github.com/shopyard/shopyard/internal/domain"
)

// StoreResponse is the API representation of a store.
type StoreResponse struct {
	ID                  string `json:"id" doc:"Unique identifier"`
	Name                string `json:"name" doc:"Display name"`
	Slug                string `json:"slug" doc:"DNS-safe identifier derived from the name"`
	Type                string `json:"type" doc:"Backend kind"`
	Status              string `json:"status" doc:"Lifecycle state"`
	Namespace           string `json:"namespace" doc:"Isolation namespace"`
	StoreURL            string `json:"store_url,omitempty" doc:"Storefront URL, set while ready"`
	AdminURL            string `json:"admin_url,omitempty" doc:"Admin URL, set while ready"`
	ErrorMessage        string `json:"error_message,omitempty" doc:"Failure reason, set while failed"`
	ProvisionStartedAt  string `json:"provision_started_at,omitempty" doc:"Provisioning start (ISO 8601)"`
	ProvisionFinishedAt string `json:"provision_finished_at,omitempty" doc:"Provisioning end (ISO 8601)"`
	CreatedAt           string `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt           string `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toStoreResponse(s domain.Store) StoreResponse {
	return StoreResponse{
		ID:                  s.ID,
		Name:                s.Name,
		Slug:                s.Slug,
		Type:                string(s.Type),
		Status:              string(s.Status),
		Namespace:           s.Namespace,
		StoreURL:            s.StoreURL,
		AdminURL:            s.AdminURL,
		ErrorMessage:        s.ErrorMessage,
		ProvisionStartedAt:  formatTime(s.ProvisionStartedAt),
		ProvisionFinishedAt: formatTime(s.ProvisionFinishedAt),
		CreatedAt:           formatTime(s.CreatedAt),
		UpdatedAt:           formatTime(s.UpdatedAt),
	}
}

// AuditEntryResponse is the API representation of an audit entry.
type AuditEntryResponse struct {
	ID        int64          `json:"id"`
	StoreID   string         `json:"store_id,omitempty" doc:"Empty for system-wide events"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address"`
	CreatedAt string         `json:"created_at"`
}

// --- Create Store ---

type CreateStoreInput struct {
	Body struct {
		Name          string `json:"name" minLength:"2" maxLength:"60" doc:"Display name"`
		Type          string `json:"type,omitempty" enum:"woocommerce,medusa" default:"woocommerce" doc:"Backend kind"`
		AdminUser     string `json:"adminUser,omitempty" minLength:"3" maxLength:"30" pattern:"^[a-zA-Z0-9_-]+$" default:"admin" doc:"Admin account name"`
		AdminPassword string `json:"adminPassword,omitempty" minLength:"6" maxLength:"64" doc:"Admin password; generated when omitted"`
	}
}

type CreateStoreOutput struct {
	Body StoreResponse
}

// --- Get / List ---

type GetStoreInput struct {
	ID string `path:"id" doc:"Store ID"`
}

type GetStoreOutput struct {
	Body StoreResponse
}

type ListStoresOutput struct {
	Body []StoreResponse
}

// --- Delete ---

type DeleteStoreInput struct {
	ID string `path:"id" doc:"Store ID"`
}

type DeleteStoreOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// --- Audit log ---

type GetAuditLogInput struct {
	Limit int `query:"limit" required:"false" default:"50" minimum:"1" maximum:"500" doc:"Max entries, newest first"`
}

type GetAuditLogOutput struct {
	Body []AuditEntryResponse
}

// --- Metrics ---

type MetricsResponse struct {
	TotalStores                 int            `json:"total_stores"`
	StoresByStatus              map[string]int `json:"stores_by_status"`
	TotalFailures               int            `json:"total_failures"`
	AvgProvisionDurationSeconds *int64         `json:"avg_provision_duration_seconds"`
	ActiveProvisions            int            `json:"active_provisions"`
	QueuedProvisions            int            `json:"queued_provisions"`
	MaxConcurrentProvisions     int            `json:"max_concurrent_provisions"`
	MaxStores                   int            `json:"max_stores"`
}

type GetMetricsOutput struct {
	Body MetricsResponse
}

// --- Health ---

type HealthOutput struct {
	Body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
}

// Register adds all store API routes to the Huma API.
func Register(api huma.API, svc *app.StoreService) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-store",
		Method:        http.MethodPost,
		Path:          "/api/v1/stores",
		Summary:       "Create a new store",
		DefaultStatus: http.StatusCreated,
		Tags:          []string{"Stores"},
	}, func(ctx context.Context, input *CreateStoreInput) (*CreateStoreOutput, error) {
		store, err := svc.Create(ctx, app.CreateParams{
			Name:          input.Body.Name,
			Type:          domain.StoreType(input.Body.Type),
			AdminUser:     input.Body.AdminUser,
			AdminPassword: input.Body.AdminPassword,
			CallerIP:      ClientIPFromContext(ctx),
		})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &CreateStoreOutput{Body: toStoreResponse(store)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stores",
		Method:      http.MethodGet,
		Path:        "/api/v1/stores",
		Summary:     "List stores",
		Tags:        []string{"Stores"},
	}, func(ctx context.Context, _ *struct{}) (*ListStoresOutput, error) {
		stores, err := svc.List(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]StoreResponse, len(stores))
		for i, s := range stores {
			resp[i] = toStoreResponse(s)
		}
		return &ListStoresOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-store",
		Method:      http.MethodGet,
		Path:        "/api/v1/stores/{id}",
		Summary:     "Get a store by ID",
		Tags:        []string{"Stores"},
	}, func(ctx context.Context, input *GetStoreInput) (*GetStoreOutput, error) {
		store, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetStoreOutput{Body: toStoreResponse(store)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-store",
		Method:      http.MethodDelete,
		Path:        "/api/v1/stores/{id}",
		Summary:     "Delete a store",
		Tags:        []string{"Stores"},
	}, func(ctx context.Context, input *DeleteStoreInput) (*DeleteStoreOutput, error) {
		if err := svc.Delete(ctx, input.ID, ClientIPFromContext(ctx)); err != nil {
			return nil, toHumaError(err)
		}
		out := &DeleteStoreOutput{}
		out.Body.Message = "Store deletion initiated"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-log",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit-log",
		Summary:     "List recent audit entries",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, input *GetAuditLogInput) (*GetAuditLogOutput, error) {
		entries, err := svc.AuditLog(ctx, input.Limit)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]AuditEntryResponse, len(entries))
		for i, e := range entries {
			resp[i] = AuditEntryResponse{
				ID:        e.ID,
				StoreID:   e.StoreID,
				Action:    string(e.Action),
				Details:   e.Details,
				IPAddress: e.IPAddress,
				CreatedAt: formatTime(e.CreatedAt),
			}
		}
		return &GetAuditLogOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/api/v1/metrics",
		Summary:     "Platform metrics",
		Tags:        []string{"Metrics"},
	}, func(ctx context.Context, _ *struct{}) (*GetMetricsOutput, error) {
		m, err := svc.Metrics(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}

		byStatus := make(map[string]int, len(m.StoresByStatus))
		for status, n := range m.StoresByStatus {
			byStatus[string(status)] = n
		}
		return &GetMetricsOutput{Body: MetricsResponse{
			TotalStores:                 m.TotalStores,
			StoresByStatus:              byStatus,
			TotalFailures:               m.TotalFailures,
			AvgProvisionDurationSeconds: m.AvgProvisionDurationSeconds,
			ActiveProvisions:            m.ActiveProvisions,
			QueuedProvisions:            m.QueuedProvisions,
			MaxConcurrentProvisions:     m.MaxConcurrentProvisions,
			MaxStores:                   m.MaxStores,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		out.Body.Timestamp = time.Now().UTC().Format(time.RFC3339)
		return out, nil
	})
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrStoreNotFound) {
		return huma.Error404NotFound("store not found")
	}

	var nameErr *domain.InvalidNameError
	if errors.As(err, &nameErr) {
		return huma.Error400BadRequest(nameErr.Error())
	}

	var slugErr *domain.SlugConflictError
	if errors.As(err, &slugErr) {
		return huma.Error409Conflict(slugErr.Error())
	}

	var capErr *domain.CapacityError
	if errors.As(err, &capErr) {
		return huma.Error409Conflict(capErr.Error())
	}

	var trErr *domain.TransitionError
	if errors.As(err, &trErr) {
		return huma.Error422UnprocessableEntity(trErr.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}
