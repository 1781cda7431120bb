package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Status is the lifecycle state of a license. Licenses are never deleted.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

var (
	// ErrInvalidLicense covers every way a key can fail to identify a usable
	// license: absent, unknown or revoked.
	ErrInvalidLicense = errors.New("invalid license")
	ErrNotFound       = fmt.Errorf("%w: not found", ErrInvalidLicense)
	ErrRevoked        = fmt.Errorf("%w: revoked", ErrInvalidLicense)
	ErrMalformedKey   = fmt.Errorf("%w: malformed key", ErrInvalidLicense)

	ErrAlreadyExists = errors.New("license already exists")
	ErrInvalidEmail  = errors.New("invalid email address")
)

// License identifies a paying account. It is the unit of balance and access control.
type License struct {
	Key       string     `json:"license_key"`
	Status    Status     `json:"status"`
	Email     string     `json:"email,omitempty"`
	Label     string     `json:"label,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the license may be used.
func (l *License) Active() bool {
	return l != nil && l.Status == StatusActive
}

// Store persists licenses. Get returns nil, nil when the key is unknown.
type Store interface {
	CreateLicense(ctx context.Context, l *License) error
	GetLicense(ctx context.Context, key string) (*License, error)
	ListLicenses(ctx context.Context) ([]*License, error)
	RevokeLicense(ctx context.Context, key string, at time.Time) error
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const keyPrefix = "lk_"

// GenerateKey returns a license key of the form "lk_" followed by 20 random
// Crockford base32 characters (100 bits of entropy).
func GenerateKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(keyPrefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)&31])
	}
	return sb.String(), nil
}

// IsSafeKey validates that a key is safe for use as a lookup key. Keys are
// opaque, so only length and charset are checked.
func IsSafeKey(key string) bool {
	if len(key) == 0 || len(key) > 128 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// Service implements registration, lookup and revocation on top of a Store.
type Service struct {
	store    Store
	now      func() time.Time
	onChange []func(key string)
}

// NewService creates a license service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// OnChange registers a hook run synchronously after a license changes state.
// The balance cache uses it so a revocation is visible immediately.
func (s *Service) OnChange(fn func(key string)) {
	s.onChange = append(s.onChange, fn)
}

// Register creates a license with a freshly generated key.
func (s *Service) Register(ctx context.Context, email, label string) (*License, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, key, email, label)
}

// Create inserts a license with the given key.
func (s *Service) Create(ctx context.Context, key, email, label string) (*License, error) {
	key = strings.TrimSpace(key)
	if !IsSafeKey(key) {
		return nil, ErrMalformedKey
	}
	email = strings.TrimSpace(email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, ErrInvalidEmail
		}
		email = addr.Address
	}

	existing, err := s.store.GetLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}

	l := &License{
		Key:       key,
		Status:    StatusActive,
		Email:     email,
		Label:     strings.TrimSpace(label),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateLicense(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns the license or ErrNotFound.
func (s *Service) Get(ctx context.Context, key string) (*License, error) {
	if !IsSafeKey(key) {
		return nil, ErrNotFound
	}
	l, err := s.store.GetLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

// Validate returns the license if it exists and is active.
func (s *Service) Validate(ctx context.Context, key string) (*License, error) {
	l, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !l.Active() {
		return l, ErrRevoked
	}
	return l, nil
}

// Revoke marks a license revoked. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, key string) (*License, error) {
	l, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if l.Status == StatusRevoked {
		return l, nil
	}
	at := s.now().UTC()
	if err := s.store.RevokeLicense(ctx, key, at); err != nil {
		return nil, err
	}
	l.Status = StatusRevoked
	l.RevokedAt = &at
	for _, fn := range s.onChange {
		fn(key)
	}
	return l, nil
}

// List returns all licenses, newest first.
func (s *Service) List(ctx context.Context) ([]*License, error) {
	return s.store.ListLicenses(ctx)
}
