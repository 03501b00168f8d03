package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store for tests and local runs.
type MemoryStore struct {
	mu sync.RWMutex

	byID    map[string]*Credential
	byEmail map[string]string
	byToken map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Credential),
		byEmail: make(map[string]string),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cred.Clone(), nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*Credential, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryStore) GetByRefreshToken(ctx context.Context, ref string) (*Credential, error) {
	m.mu.RLock()
	id, ok := m.byToken[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryStore) Create(_ context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEmail[cred.Email]; exists {
		return ErrAlreadyExists
	}
	if cred.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		cred.ID = id.String()
	}
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	cred.Version = 1

	m.put(cred.Clone())
	return nil
}

func (m *MemoryStore) Save(_ context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[cred.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != cred.Version {
		return ErrStorageConflict
	}
	if owner, taken := m.byEmail[cred.Email]; taken && owner != cred.ID {
		return ErrAlreadyExists
	}

	delete(m.byEmail, current.Email)
	cred.Version++
	cred.UpdatedAt = time.Now().UTC()
	m.put(cred.Clone())
	return nil
}

// put indexes cred; token refs are kept so revoked tokens stay resolvable.
func (m *MemoryStore) put(cred *Credential) {
	m.byID[cred.ID] = cred
	m.byEmail[cred.Email] = cred.ID
	for _, token := range cred.ActiveTokens {
		m.byToken[token.Ref] = cred.ID
	}
	for _, token := range cred.RevokedTokens {
		m.byToken[token.Ref] = cred.ID
	}
}

func (m *MemoryStore) Cleanup(_ context.Context, opts CleanupOptions) (CleanupResult, error) {
	opts = opts.withDefaults()
	revokedCutoff := opts.Now.Add(-opts.RefreshRetention)
	attemptCutoff := opts.Now.Add(-opts.LoginAttemptRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	var result CleanupResult
	for _, cred := range m.byID {
		active := cred.ActiveTokens[:0:0]
		for _, token := range cred.ActiveTokens {
			if opts.Now.Before(token.ExpiresAt) {
				active = append(active, token)
				continue
			}
			delete(m.byToken, token.Ref)
			result.DeletedRefreshTokens++
		}
		revoked := cred.RevokedTokens[:0:0]
		for _, token := range cred.RevokedTokens {
			if opts.Now.Before(token.ExpiresAt) && token.RevokedAt.After(revokedCutoff) {
				revoked = append(revoked, token)
				continue
			}
			delete(m.byToken, token.Ref)
			result.DeletedRefreshTokens++
		}
		cred.ActiveTokens = active
		cred.RevokedTokens = revoked

		attempts := cred.Attempts
		lockLapsed := attempts.LockedUntil == nil || !opts.Now.Before(*attempts.LockedUntil)
		stale := attempts.LastFailureAt != nil && attempts.LastFailureAt.Before(attemptCutoff)
		if lockLapsed && stale {
			cred.Attempts = LoginAttempts{}
			cred.Version++
			result.ResetLoginAttempts++
		}
	}

	return result, nil
}
