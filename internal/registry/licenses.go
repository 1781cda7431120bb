package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO licenses (`+licenseColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		l.Key, string(l.Status), l.Email, l.Label, unixNano(l.CreatedAt), nullableTimeUnix(l.RevokedAt),
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
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	l, err := scanLicense(row)
	if err != nil {
		return nil, internalerrors.Unavailable("get_license", err)
	}
	return l, nil
}

// ListLicenses returns all licenses, newest first.
func (r *Registry) ListLicenses(ctx context.Context) ([]*license.License, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at DESC`)
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
	res, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, revoked_at = ? WHERE license_key = ?`,
		string(license.StatusRevoked), unixNano(at), key)
	if err != nil {
		return internalerrors.Unavailable("revoke_license", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return license.ErrNotFound
	}
	return nil
}

func scanLicense(s scanner) (*license.License, error) {
	var l license.License
	var status string
	var createdAt int64
	var revokedAt sql.NullInt64

	if err := s.Scan(&l.Key, &status, &l.Email, &l.Label, &createdAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	l.Status = license.Status(status)
	l.CreatedAt = fromUnixNano(createdAt)
	l.RevokedAt = timePtr(revokedAt)
	return &l, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
