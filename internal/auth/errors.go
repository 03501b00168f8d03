package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAlreadyExists       = errors.New("account already exists")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRevokedRefreshToken = errors.New("refresh token revoked")
	ErrInvalidAccessToken  = errors.New("invalid or expired access token")
	ErrNotFound            = errors.New("credential not found")
	ErrStorageConflict     = errors.New("credential was modified concurrently")
	ErrInvalidRole         = errors.New("invalid role")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// RetryAfter is the remaining lock time, never less than one second.
func (e ErrLoginLocked) RetryAfter(now time.Time) time.Duration {
	remaining := e.Until.Sub(now)
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}
