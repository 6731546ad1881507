package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/space-intake-api/internal/models"
	appErrors "github.com/noah-isme/space-intake-api/pkg/errors"
)

const applicationColumns = "schema, pubkey, name, description, image, metadata, created_at, approved_at, approved_message, rejected_at, rejected_message"

const uniqueViolation = "23505"

// ApplicationRepository provides database access for community-space
// applications. Every state transition is a single atomic statement that
// returns the post-update row, so concurrent admin commands on the same
// schema cannot interleave a read-modify-write.
type ApplicationRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewApplicationRepository creates a new instance of ApplicationRepository.
func NewApplicationRepository(db *sqlx.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db, now: time.Now}
}

// CreateParams carries the validated fields for a new application row.
type CreateParams struct {
	Schema      string
	Pubkey      string
	Name        string
	Description string
	Image       string
	Metadata    models.Metadata
}

// Create inserts a new application and returns the stored row. A schema
// collision surfaces as ErrDuplicateSchema, not as a fatal error.
func (r *ApplicationRepository) Create(ctx context.Context, params CreateParams) (*models.Application, error) {
	if params.Metadata == nil {
		params.Metadata = models.Metadata{}
	}
	query := fmt.Sprintf(`INSERT INTO applications (schema, pubkey, name, description, image, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING %s`, applicationColumns)

	var app models.Application
	err := r.db.GetContext(ctx, &app, query,
		params.Schema, params.Pubkey, params.Name, params.Description, params.Image, params.Metadata, r.now().Unix())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, appErrors.ErrDuplicateSchema
		}
		return nil, fmt.Errorf("create application: %w", err)
	}
	return &app, nil
}

// Get returns an application by schema, or nil when absent.
func (r *ApplicationRepository) Get(ctx context.Context, schema string) (*models.Application, error) {
	query := fmt.Sprintf(`SELECT %s FROM applications WHERE schema = $1 LIMIT 1`, applicationColumns)

	var app models.Application
	if err := r.db.GetContext(ctx, &app, query, schema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get application: %w", err)
	}
	return &app, nil
}

// Approve atomically marks an application approved, always clearing the
// rejection pair in the same statement.
func (r *ApplicationRepository) Approve(ctx context.Context, schema, message string) (*models.Application, error) {
	query := fmt.Sprintf(`UPDATE applications
		SET rejected_at = NULL, rejected_message = NULL, approved_at = $2, approved_message = $3
		WHERE schema = $1 RETURNING %s`, applicationColumns)
	return r.transition(ctx, query, schema, message)
}

// Reject atomically marks an application rejected, always clearing the
// approval pair in the same statement.
func (r *ApplicationRepository) Reject(ctx context.Context, schema, message string) (*models.Application, error) {
	query := fmt.Sprintf(`UPDATE applications
		SET approved_at = NULL, approved_message = NULL, rejected_at = $2, rejected_message = $3
		WHERE schema = $1 RETURNING %s`, applicationColumns)
	return r.transition(ctx, query, schema, message)
}

// Delete removes the row and returns the last known record so the caller
// can clean up dependent artifacts, or nil when the schema never existed.
func (r *ApplicationRepository) Delete(ctx context.Context, schema string) (*models.Application, error) {
	query := fmt.Sprintf(`DELETE FROM applications WHERE schema = $1 RETURNING %s`, applicationColumns)

	var app models.Application
	if err := r.db.GetContext(ctx, &app, query, schema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delete application: %w", err)
	}
	return &app, nil
}

// List returns up to limit applications, newest first.
func (r *ApplicationRepository) List(ctx context.Context, limit int) ([]models.Application, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`SELECT %s FROM applications ORDER BY created_at DESC LIMIT $1`, applicationColumns)

	var apps []models.Application
	if err := r.db.SelectContext(ctx, &apps, query, limit); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return apps, nil
}

func (r *ApplicationRepository) transition(ctx context.Context, query, schema, message string) (*models.Application, error) {
	var app models.Application
	if err := r.db.GetContext(ctx, &app, query, schema, r.now().Unix(), message); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("transition application: %w", err)
	}
	return &app, nil
}
