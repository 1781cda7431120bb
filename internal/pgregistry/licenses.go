package pgregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	internalerrors "github.com/rcourtman/meterd/internal/errors"
	"github.com/rcourtman/meterd/internal/license"
)

const licenseColumns = `license_key, status, email, label, created_at, revoked_at`

// CreateLicense inserts a new license.
func (r *Registry) CreateLicense(ctx context.Context, l *license.License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = license.StatusActive
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO licenses (`+licenseColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		l.Key, string(l.Status), l.Email, l.Label, l.CreatedAt.UTC(), utcPtr(l.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return license.ErrAlreadyExists
		}
		return internalerrors.Unavailable("create_license", err)
	}
	return nil
}

// GetLicense retrieves a license by key.
func (r *Registry) GetLicense(ctx context.Context, key string) (*license.License, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = $1`, key)
	l, err := scanLicense(row)
	if err != nil {
		return nil, internalerrors.Unavailable("get_license", err)
	}
	return l, nil
}

// ListLicenses returns all licenses, newest first.
func (r *Registry) ListLicenses(ctx context.Context) ([]*license.License, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at DESC`)
	if err != nil {
		return nil, internalerrors.Unavailable("list_licenses", err)
	}
	defer rows.Close()

	var out []*license.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, internalerrors.Unavailable("list_licenses", err)
		}
		out = append(out, l)
	}
	return out, internalerrors.Unavailable("list_licenses", rows.Err())
}

// RevokeLicense marks a license revoked.
func (r *Registry) RevokeLicense(ctx context.Context, key string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE licenses SET status = $1, revoked_at = $2 WHERE license_key = $3`,
		string(license.StatusRevoked), at.UTC(), key)
	if err != nil {
		return internalerrors.Unavailable("revoke_license", err)
	}
	if tag.RowsAffected() == 0 {
		return license.ErrNotFound
	}
	return nil
}

func scanLicense(row pgx.Row) (*license.License, error) {
	var l license.License
	var status string
	if err := row.Scan(&l.Key, &status, &l.Email, &l.Label, &l.CreatedAt, &l.RevokedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	l.Status = license.Status(status)
	l.CreatedAt = l.CreatedAt.UTC()
	l.RevokedAt = utcPtr(l.RevokedAt)
	return &l, nil
}
