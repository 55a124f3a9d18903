package provisioner

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopyard/shopyard/internal/adapter/helm"
	"github.com/shopyard/shopyard/internal/domain"
)

// Compile-time check: WooCommerce implements domain.Provisioner.
var _ domain.Provisioner = (*WooCommerce)(nil)

// WooCommerceConfig holds the backend's deployment settings.
type WooCommerceConfig struct {
	// BaseDomain is the DNS suffix stores are exposed under.
	BaseDomain string
	// StorePort is appended to store URLs when non-empty (local clusters
	// fronted by a NodePort).
	StorePort string
}

// WooCommerceConfigFromEnv builds the config from environment variables.
func WooCommerceConfigFromEnv() WooCommerceConfig {
	baseDomain := os.Getenv("BASE_DOMAIN")
	if baseDomain == "" {
		baseDomain = "127.0.0.1.nip.io"
	}
	return WooCommerceConfig{
		BaseDomain: baseDomain,
		StorePort:  os.Getenv("STORE_PORT"),
	}
}

// WooCommerce provisions WordPress/WooCommerce stores by installing a helm
// chart into the store's namespace.
type WooCommerce struct {
	helm *helm.Client
	cfg  WooCommerceConfig
}

// NewWooCommerce creates the backend around the given helm client.
func NewWooCommerce(client *helm.Client, cfg WooCommerceConfig) *WooCommerce {
	return &WooCommerce{helm: client, cfg: cfg}
}

func releaseName(slug string) string {
	return "wc-" + slug
}

// Provision installs the chart with generated database credentials and the
// requested (or generated) admin credentials. Secrets go only into helm
// values, never into errors or logs.
func (w *WooCommerce) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.Endpoints, error) {
	dbRootPassword, err := generatePassword(16)
	if err != nil {
		return domain.Endpoints{}, fmt.Errorf("generating db root password: %w", err)
	}
	dbPassword, err := generatePassword(16)
	if err != nil {
		return domain.Endpoints{}, fmt.Errorf("generating db password: %w", err)
	}

	adminPassword := req.AdminPassword
	if adminPassword == "" {
		adminPassword, err = generatePassword(12)
		if err != nil {
			return domain.Endpoints{}, fmt.Errorf("generating admin password: %w", err)
		}
	}

	storeDomain := req.Slug + "." + w.cfg.BaseDomain
	storePort := w.cfg.StorePort
	if storePort == "" {
		storePort = "80"
	}

	values := map[string]string{
		"storeName":               req.Slug,
		"storeDomain":             storeDomain,
		"storePort":               storePort,
		"mariadb.rootPassword":    dbRootPassword,
		"mariadb.password":        dbPassword,
		"mariadb.database":        "wordpress",
		"mariadb.user":            "wordpress",
		"wordpress.adminUser":     req.AdminUser,
		"wordpress.adminPassword": adminPassword,
		"wordpress.adminEmail":    req.AdminUser + "@" + storeDomain,
	}

	slog.InfoContext(ctx, "provisioning woocommerce store",
		"release", releaseName(req.Slug), "namespace", req.Namespace, "domain", storeDomain)

	if err := w.helm.Install(ctx, releaseName(req.Slug), req.Namespace, values); err != nil {
		return domain.Endpoints{}, err
	}

	portSuffix := ""
	if w.cfg.StorePort != "" {
		portSuffix = ":" + w.cfg.StorePort
	}
	return domain.Endpoints{
		StoreURL: "http://" + storeDomain + portSuffix,
		AdminURL: "http://" + storeDomain + portSuffix + "/wp-admin",
	}, nil
}

// Deprovision tears down the release and the namespace. Both steps are
// best-effort: resources already gone must not fail the deletion.
func (w *WooCommerce) Deprovision(ctx context.Context, store domain.Store) error {
	if err := w.helm.Uninstall(ctx, releaseName(store.Slug), store.Namespace); err != nil {
		slog.WarnContext(ctx, "helm uninstall warning (release may already be gone)",
			"release", releaseName(store.Slug), "err", err)
	}

	if err := w.helm.DeleteNamespace(ctx, store.Namespace); err != nil {
		slog.WarnContext(ctx, "namespace cleanup warning",
			"namespace", store.Namespace, "err", err)
	}

	return nil
}

// generatePassword produces a url-safe random secret of the given length.
func generatePassword(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length], nil
}
