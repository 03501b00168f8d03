// Package admin holds the sensitive account operations served behind the step-up guard.
package admin

import (
	"context"
	"strconv"
	"time"

	"auth-serverless/internal/audit"
	"auth-serverless/internal/auth"
)

type SessionInfo struct {
	TokenRef   string    `json:"token_ref"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UserAgent  string    `json:"user_agent,omitempty"`
	SourceAddr string    `json:"source_addr,omitempty"`
}

// AccountView is what an admin may see of a credential; it never includes hashes or
// token values.
type AccountView struct {
	Profile        auth.Profile  `json:"profile"`
	Locked         bool          `json:"locked"`
	LockedUntil    *time.Time    `json:"locked_until,omitempty"`
	FailedAttempts int           `json:"failed_attempts"`
	Sessions       []SessionInfo `json:"sessions"`
	RevokedCount   int           `json:"revoked_sessions"`
}

type Service struct {
	sessions *auth.Service
	audit    *audit.Emitter
}

func NewService(sessions *auth.Service, emitter *audit.Emitter) *Service {
	return &Service{sessions: sessions, audit: emitter}
}

func (s *Service) Inspect(ctx context.Context, userID string) (AccountView, error) {
	cred, err := s.sessions.Lookup(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}
	return s.view(cred), nil
}

func (s *Service) Unlock(ctx context.Context, actorID, userID string) (AccountView, error) {
	cred, err := s.sessions.Mutate(ctx, userID, func(c *auth.Credential, _ time.Time) error {
		c.Attempts = auth.LoginAttempts{}
		return nil
	})
	if err != nil {
		return AccountView{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionAccountUnlocked,
		ActorID:   actorID,
		SubjectID: userID,
	})
	return s.view(cred), nil
}

// RevokeSessions moves every active refresh token of the user to the revoked list.
func (s *Service) RevokeSessions(ctx context.Context, actorID, userID string) (int, error) {
	var revoked int
	_, err := s.sessions.Mutate(ctx, userID, func(c *auth.Credential, now time.Time) error {
		revoked = c.RevokeAll(auth.RevokeReasonAdmin, now)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionSessionsRevoked,
		ActorID:   actorID,
		SubjectID: userID,
		Detail:    map[string]string{"count": strconv.Itoa(revoked)},
	})
	return revoked, nil
}

func (s *Service) SetRole(ctx context.Context, actorID, userID string, role auth.Role) (AccountView, error) {
	if !role.Valid() {
		return AccountView{}, auth.ErrInvalidRole
	}

	var previous auth.Role
	cred, err := s.sessions.Mutate(ctx, userID, func(c *auth.Credential, _ time.Time) error {
		previous = c.Role
		c.Role = role
		return nil
	})
	if err != nil {
		return AccountView{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionRoleChanged,
		ActorID:   actorID,
		SubjectID: userID,
		Detail:    map[string]string{"from": string(previous), "to": string(role)},
	})
	return s.view(cred), nil
}

func (s *Service) view(cred *auth.Credential) AccountView {
	now := s.sessions.Now()
	policy := s.sessions.Policy()

	view := AccountView{
		Profile:        cred.Profile(),
		Locked:         policy.IsLocked(cred.Attempts, now),
		FailedAttempts: policy.Decay(cred.Attempts, now).Count,
		Sessions:       make([]SessionInfo, 0, len(cred.ActiveTokens)),
	}
	if view.Locked {
		until := *cred.Attempts.LockedUntil
		view.LockedUntil = &until
	}

	for _, token := range cred.ActiveTokens {
		if !now.Before(token.ExpiresAt) {
			continue
		}
		view.Sessions = append(view.Sessions, SessionInfo{
			TokenRef:   auth.ShortRef(token.Ref),
			IssuedAt:   token.IssuedAt,
			ExpiresAt:  token.ExpiresAt,
			UserAgent:  token.UserAgent,
			SourceAddr: token.SourceAddr,
		})
	}
	for _, token := range cred.RevokedTokens {
		if now.Before(token.ExpiresAt) {
			view.RevokedCount++
		}
	}

	return view
}
