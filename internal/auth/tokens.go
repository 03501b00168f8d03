package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTokenTTL    = time.Hour
	RefreshTokenTTL   = 7 * 24 * time.Hour
	refreshTokenBytes = 48
	tokenTypeAccess   = "access"
	tokenTypeBearer   = "Bearer"
)

type accessClaims struct {
	Role Role   `json:"role"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints HS256 access tokens and opaque refresh tokens. The secret is fixed at
// construction.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the time source; tests use it to step over expiry.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	cp := *i
	cp.now = now
	return &cp
}

func (i *TokenIssuer) IssueAccessToken(userID string, role Role) (string, int64, error) {
	now := i.now().UTC()
	claims := accessClaims{
		Role: role,
		Type: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(AccessTokenTTL.Seconds()), nil
}

// VerifyAccessToken checks signature, algorithm, type and expiry; no storage lookup.
func (i *TokenIssuer) VerifyAccessToken(tokenStr string) (Principal, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidAccessToken
	}
	if claims.Type != tokenTypeAccess || claims.Subject == "" || !claims.Role.Valid() {
		return Principal{}, ErrInvalidAccessToken
	}

	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// IssueRefreshToken returns the raw opaque value and its expiry. Only TokenRef(value) is
// ever stored.
func (i *TokenIssuer) IssueRefreshToken() (string, time.Time, error) {
	value, err := randomToken(refreshTokenBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate refresh token: %w", err)
	}
	return value, i.now().UTC().Add(RefreshTokenTTL), nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
