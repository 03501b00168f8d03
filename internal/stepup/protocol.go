// Package stepup implements the confirmation handshake that gates sensitive admin
// operations: a challenge fingerprint bound to the operation, a short-lived signed
// confirmation token for it, and verification on retry.
package stepup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ConfirmationTTL       = 5 * time.Minute
	HeaderName            = "X-Confirmation-Token"
	tokenTypeConfirmation = "confirmation"
)

// ErrInvalidConfirmation never says which check failed.
var ErrInvalidConfirmation = errors.New("invalid confirmation")

// ErrConfirmationRequired carries the challenge the caller must exchange for a token.
type ErrConfirmationRequired struct {
	Fingerprint string
}

func (e ErrConfirmationRequired) Error() string {
	return "confirmation required"
}

// Operation identifies one sensitive request: who does what to which target.
type Operation struct {
	Method   string
	Path     string
	ActorID  string
	TargetID string
}

type confirmationClaims struct {
	Fingerprint string `json:"fp"`
	Type        string `json:"typ"`
	jwt.RegisteredClaims
}

type Protocol struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewProtocol(secret string) *Protocol {
	return &Protocol{secret: []byte(secret), ttl: ConfirmationTTL, now: time.Now}
}

func (p *Protocol) WithClock(now func() time.Time) *Protocol {
	cp := *p
	cp.now = now
	return &cp
}

// Fingerprint is "<unix seconds>.<hex HMAC-SHA256>" over the operation and the issuance
// second. The prefix lets the confirmation step recover the challenge time.
func (p *Protocol) Fingerprint(op Operation, issuedAt time.Time) string {
	seconds := issuedAt.Unix()

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(strings.Join([]string{
		strings.ToUpper(op.Method),
		op.Path,
		op.ActorID,
		op.TargetID,
		strconv.FormatInt(seconds, 10),
	}, "\n")))

	return strconv.FormatInt(seconds, 10) + "." + hex.EncodeToString(mac.Sum(nil))
}

func (p *Protocol) Challenge(op Operation) string {
	return p.Fingerprint(op, p.now())
}

// Issue signs a confirmation token for a fingerprint obtained from Challenge. The token's
// iat is the challenge time, so its lifetime runs from the original attempt.
func (p *Protocol) Issue(fingerprint, adminID string) (string, int64, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	issuedAt, ok := parseFingerprint(fingerprint)
	if !ok || strings.TrimSpace(adminID) == "" {
		return "", 0, ErrInvalidConfirmation
	}

	now := p.now()
	if issuedAt.After(now) || now.Sub(issuedAt) > p.ttl {
		return "", 0, ErrInvalidConfirmation
	}

	expiresAt := issuedAt.Add(p.ttl)
	claims := confirmationClaims{
		Fingerprint: fingerprint,
		Type:        tokenTypeConfirmation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign confirmation token: %w", err)
	}

	return encoded, int64(expiresAt.Sub(now).Seconds()), nil
}

// Verify recomputes the fingerprint of the retried request with the token's issuance
// time and compares it with the signed one.
func (p *Protocol) Verify(token string, op Operation) error {
	claims := &confirmationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidConfirmation
	}
	if claims.Type != tokenTypeConfirmation || claims.IssuedAt == nil {
		return ErrInvalidConfirmation
	}
	if op.ActorID == "" || claims.Subject != op.ActorID {
		return ErrInvalidConfirmation
	}

	issuedAt := claims.IssuedAt.Time
	now := p.now()
	if issuedAt.After(now) || now.Sub(issuedAt) > p.ttl {
		return ErrInvalidConfirmation
	}

	expected := p.Fingerprint(op, issuedAt)
	if !hmac.Equal([]byte(expected), []byte(claims.Fingerprint)) {
		return ErrInvalidConfirmation
	}

	return nil
}

// Check is the guard's entry point: no token yields a fresh challenge.
func (p *Protocol) Check(token string, op Operation) error {
	if strings.TrimSpace(token) == "" {
		return ErrConfirmationRequired{Fingerprint: p.Challenge(op)}
	}
	return p.Verify(strings.TrimSpace(token), op)
}

func parseFingerprint(fingerprint string) (time.Time, bool) {
	prefix, digest, found := strings.Cut(fingerprint, ".")
	if !found || len(digest) != sha256.Size*2 {
		return time.Time{}, false
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return time.Time{}, false
	}
	seconds, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}
