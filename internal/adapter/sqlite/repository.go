package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/shopyard/shopyard/internal/domain"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

// StoreRepository implements domain.StoreRepository using SQLite.
type StoreRepository struct {
	db *sql.DB
}

// New opens a SQLite database, runs migrations, and returns a ready repository.
func New(dataSourceName string) (*StoreRepository, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return NewFromDB(db)
}

// NewFromDB wraps an existing database connection, runs migrations, and
// returns a ready repository. Use this when the *sql.DB has been
// pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*StoreRepository, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &StoreRepository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *StoreRepository) Close() error {
	return r.db.Close()
}

// DB returns the underlying database connection for use by other adapters
// (e.g., river).
func (r *StoreRepository) DB() *sql.DB {
	return r.db
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Millisecond precision so provisioning durations survive the round trip.
const timeFormat = "2006-01-02T15:04:05.000Z"

const storeColumns = `id, name, slug, type, status, namespace, store_url, admin_url,
	 error_message, provision_started_at, provision_finished_at, created_at, updated_at`

func (r *StoreRepository) Insert(ctx context.Context, s domain.Store) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stores (`+storeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Slug, string(s.Type), string(s.Status), s.Namespace,
		nullable(s.StoreURL), nullable(s.AdminURL), nullable(s.ErrorMessage),
		nullableTime(s.ProvisionStartedAt), nullableTime(s.ProvisionFinishedAt),
		s.CreatedAt.UTC().Format(timeFormat),
		s.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Name the store that already owns the slug, not the one being
			// inserted. Best effort: the row can be gone again by now.
			conflict := &domain.SlugConflictError{Slug: s.Slug}
			if existing, lookupErr := r.GetBySlug(ctx, s.Slug); lookupErr == nil {
				conflict.ExistingName = existing.Name
			}
			return conflict
		}
		return fmt.Errorf("inserting store: %w", err)
	}
	return nil
}

func (r *StoreRepository) GetByID(ctx context.Context, id string) (domain.Store, error) {
	return r.scanStore(r.db.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE id = ?`, id,
	))
}

func (r *StoreRepository) GetBySlug(ctx context.Context, slug string) (domain.Store, error) {
	return r.scanStore(r.db.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE slug = ?`, slug,
	))
}

func (r *StoreRepository) ListActive(ctx context.Context) ([]domain.Store, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE status != ?
		 ORDER BY created_at DESC, rowid DESC`,
		string(domain.StatusDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}
	defer rows.Close()

	var stores []domain.Store
	for rows.Next() {
		s, err := r.scanStoreFromRows(rows)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}

	return stores, rows.Err()
}

func (r *StoreRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stores WHERE status NOT IN (?, ?)`,
		string(domain.StatusDeleted), string(domain.StatusFailed),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active stores: %w", err)
	}
	return count, nil
}

func (r *StoreRepository) UpdateStatus(ctx context.Context, id string, status domain.Status, storeURL, adminURL, errorMessage string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE stores SET status = ?, store_url = ?, admin_url = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		string(status), nullable(storeURL), nullable(adminURL), nullable(errorMessage),
		time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("updating store status: %w", err)
	}
	return requireRow(result)
}

func (r *StoreRepository) MarkProvisionFinished(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE stores SET provision_finished_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("stamping provision finish: %w", err)
	}
	return requireRow(result)
}

func (r *StoreRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting store row: %w", err)
	}
	return requireRow(result)
}

func (r *StoreRepository) MarkStaleFailed(ctx context.Context, from domain.Status, message string) (int64, error) {
	// URLs are cleared like on any other failure path: a store swept to
	// failed must not keep advertising endpoints.
	result, err := r.db.ExecContext(ctx,
		`UPDATE stores SET status = ?, store_url = NULL, admin_url = NULL, error_message = ?, updated_at = ?
		 WHERE status = ?`,
		string(domain.StatusFailed), message,
		time.Now().UTC().Format(timeFormat), string(from),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale stores: %w", err)
	}
	return result.RowsAffected()
}

func (r *StoreRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM stores WHERE status != ? GROUP BY status`,
		string(domain.StatusDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("counting stores by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[domain.Status(status)] = count
	}

	return counts, rows.Err()
}

func (r *StoreRepository) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stores WHERE status = ?`,
		string(domain.StatusFailed),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting failed stores: %w", err)
	}
	return count, nil
}

func (r *StoreRepository) AverageProvisionDuration(ctx context.Context) (time.Duration, bool, error) {
	var avgSeconds sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(provision_finished_at) - julianday(provision_started_at)) * 86400.0)
		 FROM stores
		 WHERE provision_finished_at IS NOT NULL AND status = ?`,
		string(domain.StatusReady),
	).Scan(&avgSeconds)
	if err != nil {
		return 0, false, fmt.Errorf("averaging provision duration: %w", err)
	}
	if !avgSeconds.Valid {
		return 0, false, nil
	}
	return time.Duration(avgSeconds.Float64 * float64(time.Second)), true, nil
}

func (r *StoreRepository) AppendAudit(ctx context.Context, storeID string, action domain.Action, details map[string]any, ip string) error {
	var detailsJSON any
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		detailsJSON = string(raw)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (store_id, action, details, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullable(storeID), string(action), detailsJSON, normalizeIP(ip),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (r *StoreRepository) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, store_id, action, details, ip_address, created_at
		 FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var storeID, details, ip sql.NullString
		var action, createdAt string

		if err := rows.Scan(&e.ID, &storeID, &action, &details, &ip, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.StoreID = storeID.String
		e.Action = domain.Action(action)
		e.IPAddress = ip.String
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details: %w", err)
			}
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// scanStore scans a single row from QueryRow into a domain.Store.
func (r *StoreRepository) scanStore(row *sql.Row) (domain.Store, error) {
	s, err := scanStoreFields(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Store{}, domain.ErrStoreNotFound
		}
		return domain.Store{}, fmt.Errorf("scanning store: %w", err)
	}
	return s, nil
}

// scanStoreFromRows scans a single row from Rows (used in ListActive).
func (r *StoreRepository) scanStoreFromRows(rows *sql.Rows) (domain.Store, error) {
	s, err := scanStoreFields(rows.Scan)
	if err != nil {
		return domain.Store{}, fmt.Errorf("scanning store row: %w", err)
	}
	return s, nil
}

func scanStoreFields(scan func(dest ...any) error) (domain.Store, error) {
	var s domain.Store
	var typ, status, createdAt, updatedAt string
	var storeURL, adminURL, errorMessage, startedAt, finishedAt sql.NullString

	err := scan(&s.ID, &s.Name, &s.Slug, &typ, &status, &s.Namespace,
		&storeURL, &adminURL, &errorMessage, &startedAt, &finishedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return domain.Store{}, err
	}

	s.Type = domain.StoreType(typ)
	s.Status = domain.Status(status)
	s.StoreURL = storeURL.String
	s.AdminURL = adminURL.String
	s.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		s.ProvisionStartedAt, _ = time.Parse(timeFormat, startedAt.String)
	}
	if finishedAt.Valid {
		s.ProvisionFinishedAt, _ = time.Parse(timeFormat, finishedAt.String)
	}
	s.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	s.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return s, nil
}

// requireRow maps a zero-row update/delete to ErrStoreNotFound.
func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrStoreNotFound
	}
	return nil
}

// nullable maps the empty string to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

// normalizeIP strips the IPv6-mapped IPv4 prefix before storage.
func normalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
