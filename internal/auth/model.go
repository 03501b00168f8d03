package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// IsAdmin is the single capability check behind every admin bypass.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

const (
	RevokeReasonLogout = "user_logout"
	RevokeReasonAdmin  = "admin_revocation"
)

// Credential is the per-user record owned by the Store.
type Credential struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	Role          Role
	Attempts      LoginAttempts
	ActiveTokens  []RefreshToken
	RevokedTokens []RevokedToken
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LoginAttempts is the lockout state machine input. The zero value means no failures.
type LoginAttempts struct {
	Count         int
	LockedUntil   *time.Time
	LastFailureAt *time.Time
}

// RefreshToken is an issued refresh token. Ref is the SHA-256 of the opaque value;
// UserAgent and SourceAddr are informational only.
type RefreshToken struct {
	Ref        string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	UserAgent  string
	SourceAddr string
}

type RevokedToken struct {
	Ref       string
	Reason    string
	RevokedAt time.Time
	ExpiresAt time.Time
}

type ClientInfo struct {
	UserAgent  string
	SourceAddr string
}

type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type Session struct {
	Tokens
	RefreshExpiresAt time.Time `json:"-"`
	Profile          Profile   `json:"profile"`
}

type Principal struct {
	UserID string
	Role   Role
}

func (c *Credential) Profile() Profile {
	return Profile{
		ID:          c.ID,
		Email:       c.Email,
		DisplayName: c.DisplayName,
		Role:        c.Role,
		CreatedAt:   c.CreatedAt,
	}
}

func (c *Credential) activeToken(ref string) (RefreshToken, int, bool) {
	for i, token := range c.ActiveTokens {
		if token.Ref == ref {
			return token, i, true
		}
	}
	return RefreshToken{}, -1, false
}

func (c *Credential) isRevoked(ref string) bool {
	for _, token := range c.RevokedTokens {
		if token.Ref == ref {
			return true
		}
	}
	return false
}

// revoke moves the active token at index i to the revoked list.
func (c *Credential) revoke(i int, reason string, now time.Time) {
	token := c.ActiveTokens[i]
	c.ActiveTokens = append(c.ActiveTokens[:i:i], c.ActiveTokens[i+1:]...)
	c.RevokedTokens = append(c.RevokedTokens, RevokedToken{
		Ref:       token.Ref,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: token.ExpiresAt,
	})
}

// RevokeAll revokes every active token and returns how many were moved.
func (c *Credential) RevokeAll(reason string, now time.Time) int {
	count := len(c.ActiveTokens)
	for len(c.ActiveTokens) > 0 {
		c.revoke(0, reason, now)
	}
	return count
}

// pruneExpired drops expired entries from both token lists.
func (c *Credential) pruneExpired(now time.Time) {
	active := c.ActiveTokens[:0:0]
	for _, token := range c.ActiveTokens {
		if now.Before(token.ExpiresAt) {
			active = append(active, token)
		}
	}
	c.ActiveTokens = active

	revoked := c.RevokedTokens[:0:0]
	for _, token := range c.RevokedTokens {
		if now.Before(token.ExpiresAt) {
			revoked = append(revoked, token)
		}
	}
	c.RevokedTokens = revoked
}

// Clone returns a deep copy so callers never share slices with a store.
func (c *Credential) Clone() *Credential {
	cp := *c
	cp.Attempts = c.Attempts.clone()
	cp.ActiveTokens = append([]RefreshToken(nil), c.ActiveTokens...)
	cp.RevokedTokens = append([]RevokedToken(nil), c.RevokedTokens...)
	return &cp
}

func (a LoginAttempts) clone() LoginAttempts {
	cp := LoginAttempts{Count: a.Count}
	if a.LockedUntil != nil {
		v := *a.LockedUntil
		cp.LockedUntil = &v
	}
	if a.LastFailureAt != nil {
		v := *a.LastFailureAt
		cp.LastFailureAt = &v
	}
	return cp
}

// TokenRef is the non-reversible reference under which a raw token is stored and audited.
func TokenRef(rawToken string) string {
	hash := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(hash[:])
}

// ShortRef is the prefix of a token reference used in logs and audit events.
func ShortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
