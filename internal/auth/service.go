package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"auth-serverless/internal/audit"
	"auth-serverless/internal/observability"
)

const maxUserAgentLength = 255

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// Service is the session manager: login, refresh, logout and registration, plus the
// administrative mutations of credential state.
type Service struct {
	store  Store
	issuer *TokenIssuer
	hasher *PasswordHasher
	policy LockoutPolicy
	audit  *audit.Emitter
	logger *observability.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, issuer *TokenIssuer, hasher *PasswordHasher) *Service {
	return &Service{
		store:  store,
		issuer: issuer,
		hasher: hasher,
		policy: DefaultLockoutPolicy(),
		logger: observability.NewLoggerTo(io.Discard),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, attemptWindow, backoffBase time.Duration) {
	if maxAttempts > 0 {
		s.policy.MaxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.policy.LockDuration = lockDuration
	}
	if attemptWindow > 0 {
		s.policy.AttemptWindow = attemptWindow
	}
	if backoffBase >= 0 {
		s.policy.BackoffBase = backoffBase
	}
}

func (s *Service) WithObservers(emitter *audit.Emitter, logger *observability.Logger) {
	s.audit = emitter
	if logger != nil {
		s.logger = logger
	}
}

func (s *Service) Policy() LockoutPolicy {
	return s.policy
}

func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (Session, error) {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}

	cred, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.VerifyDummy(password)
			if err := s.sleep(ctx, s.policy.BackoffBase); err != nil {
				return Session{}, err
			}
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	now := s.now().UTC()
	if !cred.Role.IsAdmin() && s.policy.IsLocked(cred.Attempts, now) {
		return Session{}, ErrLoginLocked{Until: *cred.Attempts.LockedUntil}
	}

	if !s.hasher.Verify(password, cred.PasswordHash) {
		return Session{}, s.registerFailure(ctx, cred, client)
	}

	return s.startSession(ctx, cred, client)
}

// registerFailure records the failed attempt, waits out the backoff and reports either
// invalid credentials or, when this failure crossed the threshold, the new lock.
func (s *Service) registerFailure(ctx context.Context, cred *Credential, client ClientInfo) error {
	var delay time.Duration
	var lockedNow bool

	updated, err := s.update(ctx, cred, func(c *Credential, now time.Time) error {
		if !c.Role.IsAdmin() && s.policy.IsLocked(c.Attempts, now) {
			return ErrLoginLocked{Until: *c.Attempts.LockedUntil}
		}

		next, d := s.policy.OnFailure(c.Attempts, now)
		if c.Role.IsAdmin() {
			next.LockedUntil = nil
		}
		c.Attempts = next
		delay = d
		lockedNow = s.policy.IsLocked(next, now)
		return nil
	})
	if err != nil {
		return err
	}

	if lockedNow {
		s.logger.Warn("account_locked", map[string]any{
			"user_id":      updated.ID,
			"locked_until": updated.Attempts.LockedUntil.Format(time.RFC3339),
		})
		s.audit.Emit(ctx, audit.Event{
			Action:     audit.ActionAccountLocked,
			SubjectID:  updated.ID,
			SourceAddr: client.SourceAddr,
			Detail:     map[string]string{"locked_until": updated.Attempts.LockedUntil.Format(time.RFC3339)},
		})
	}

	if err := s.sleep(ctx, delay); err != nil {
		return err
	}

	if lockedNow {
		return ErrLoginLocked{Until: *updated.Attempts.LockedUntil}
	}
	return ErrInvalidCredentials
}

// startSession clears the lockout state and appends a fresh refresh token.
func (s *Service) startSession(ctx context.Context, cred *Credential, client ClientInfo) (Session, error) {
	refreshToken, refreshExpires, err := s.issuer.IssueRefreshToken()
	if err != nil {
		return Session{}, err
	}
	ref := TokenRef(refreshToken)

	updated, err := s.update(ctx, cred, func(c *Credential, now time.Time) error {
		if !c.Role.IsAdmin() && s.policy.IsLocked(c.Attempts, now) {
			return ErrLoginLocked{Until: *c.Attempts.LockedUntil}
		}
		c.Attempts = s.policy.OnSuccess(c.Attempts, now)
		c.pruneExpired(now)
		c.ActiveTokens = append(c.ActiveTokens, newRefreshToken(ref, now, refreshExpires, client))
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	session, err := s.session(updated, refreshToken, refreshExpires)
	if err != nil {
		return Session{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:     audit.ActionLoginSucceeded,
		ActorID:    updated.ID,
		SourceAddr: client.SourceAddr,
		TokenRef:   ShortRef(ref),
	})

	return session, nil
}

// Refresh mints a new access token. The refresh token itself is not rotated and stays
// usable until it expires or is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}
	ref := TokenRef(refreshToken)

	cred, err := s.store.GetByRefreshToken(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, err
	}

	now := s.now().UTC()
	token, _, ok := cred.activeToken(ref)
	if !ok || !now.Before(token.ExpiresAt) {
		return Tokens{}, ErrInvalidRefreshToken
	}
	// A token should never sit in both lists; checked anyway.
	if cred.isRevoked(ref) {
		return Tokens{}, ErrRevokedRefreshToken
	}

	access, expiresIn, err := s.issuer.IssueAccessToken(cred.ID, cred.Role)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken: access,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   expiresIn,
	}, nil
}

// Logout revokes the refresh token. Unknown, expired or already revoked tokens succeed.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	ref := TokenRef(refreshToken)

	cred, err := s.store.GetByRefreshToken(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	updated, err := s.update(ctx, cred, func(c *Credential, now time.Time) error {
		_, i, ok := c.activeToken(ref)
		if !ok {
			return errNoChange
		}
		c.revoke(i, RevokeReasonLogout, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:   audit.ActionLogout,
		ActorID:  updated.ID,
		TokenRef: ShortRef(ref),
	})
	return nil
}

type RegisterInput struct {
	Email       string
	DisplayName string
	Password    string
}

// Register creates a user account and returns an authenticated session for it.
func (s *Service) Register(ctx context.Context, input RegisterInput, client ClientInfo) (Session, error) {
	email := normalizeEmail(input.Email)
	password := strings.TrimSpace(input.Password)
	if email == "" || password == "" {
		return Session{}, fmt.Errorf("email and password are required")
	}

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return Session{}, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Session{}, err
	}

	refreshToken, refreshExpires, err := s.issuer.IssueRefreshToken()
	if err != nil {
		return Session{}, err
	}
	ref := TokenRef(refreshToken)

	now := s.now().UTC()
	cred := &Credential{
		Email:        email,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		PasswordHash: hash,
		Role:         RoleUser,
		ActiveTokens: []RefreshToken{newRefreshToken(ref, now, refreshExpires, client)},
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, cred); err != nil {
		return Session{}, err
	}

	session, err := s.session(cred, refreshToken, refreshExpires)
	if err != nil {
		return Session{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:     audit.ActionRegistered,
		ActorID:    cred.ID,
		SourceAddr: client.SourceAddr,
		TokenRef:   ShortRef(ref),
	})

	return session, nil
}

func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	cred, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return cred.Profile(), nil
}

// BootstrapAdmin creates the configured admin account, or resets its password and role.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	cred, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		err = s.store.Create(ctx, &Credential{
			Email:        email,
			DisplayName:  "Administrator",
			PasswordHash: hash,
			Role:         RoleAdmin,
			CreatedAt:    s.now().UTC(),
		})
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	_, err = s.update(ctx, cred, func(c *Credential, _ time.Time) error {
		c.PasswordHash = hash
		c.Role = RoleAdmin
		c.Attempts = LoginAttempts{}
		return nil
	})
	return err
}

// Mutate loads the record by id and applies fn through the same conflict-retrying write
// path the session operations use.
func (s *Service) Mutate(ctx context.Context, userID string, fn func(c *Credential, now time.Time) error) (*Credential, error) {
	cred, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, cred, fn)
}

// Lookup returns a copy of the record; callers must not expect writes to persist.
func (s *Service) Lookup(ctx context.Context, userID string) (*Credential, error) {
	return s.store.GetByID(ctx, userID)
}

func (s *Service) Now() time.Time {
	return s.now().UTC()
}

func (s *Service) session(cred *Credential, refreshToken string, refreshExpires time.Time) (Session, error) {
	access, expiresIn, err := s.issuer.IssueAccessToken(cred.ID, cred.Role)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Tokens: Tokens{
			AccessToken:  access,
			RefreshToken: refreshToken,
			TokenType:    tokenTypeBearer,
			ExpiresIn:    expiresIn,
		},
		RefreshExpiresAt: refreshExpires,
		Profile:          cred.Profile(),
	}, nil
}

// update applies fn to a copy of cred and saves it. A concurrent write is retried once
// against a fresh read, so fn must be safe to run twice.
func (s *Service) update(ctx context.Context, cred *Credential, fn func(c *Credential, now time.Time) error) (*Credential, error) {
	current := cred.Clone()
	for attempt := 0; ; attempt++ {
		if err := fn(current, s.now().UTC()); err != nil {
			return nil, err
		}

		err := s.store.Save(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ErrStorageConflict) || attempt > 0 {
			return nil, fmt.Errorf("save credential: %w", err)
		}

		s.logger.Warn("credential_save_conflict_retry", map[string]any{"user_id": cred.ID})
		current, err = s.store.GetByID(ctx, cred.ID)
		if err != nil {
			return nil, err
		}
	}
}

func newRefreshToken(ref string, now, expiresAt time.Time, client ClientInfo) RefreshToken {
	userAgent := truncateUTF8(strings.ToValidUTF8(strings.TrimSpace(client.UserAgent), ""), maxUserAgentLength)
	return RefreshToken{
		Ref:        ref,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		UserAgent:  userAgent,
		SourceAddr: strings.TrimSpace(client.SourceAddr),
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a multi-byte character.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
