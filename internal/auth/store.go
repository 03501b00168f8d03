package auth

import (
	"context"
	"time"
)

// Store persists Credential records. Save is optimistic: it fails with ErrStorageConflict
// when the record's Version no longer matches, and advances Version on success.
type Store interface {
	GetByID(ctx context.Context, id string) (*Credential, error)
	GetByEmail(ctx context.Context, email string) (*Credential, error)
	GetByRefreshToken(ctx context.Context, ref string) (*Credential, error)
	Create(ctx context.Context, cred *Credential) error
	Save(ctx context.Context, cred *Credential) error
	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

type CleanupOptions struct {
	Now                   time.Time
	RefreshRetention      time.Duration
	LoginAttemptRetention time.Duration
	BatchSize             int
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	ResetLoginAttempts   int64 `json:"reset_login_attempts"`
}

func (o CleanupOptions) withDefaults() CleanupOptions {
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.RefreshRetention <= 0 {
		o.RefreshRetention = 14 * 24 * time.Hour
	}
	if o.LoginAttemptRetention <= 0 {
		o.LoginAttemptRetention = 30 * 24 * time.Hour
	}
	return o
}
