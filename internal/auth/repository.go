package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auth-serverless/internal/db"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the SQL Store over the users and refresh_tokens tables.
type Repository struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

func NewRepository(database *sql.DB, dialect db.Dialect) *Repository {
	return &Repository{db: database, dialect: dialect, now: time.Now}
}

const selectCredential = `
	SELECT id, email, display_name, password_hash, role, failed_attempts, locked_until, last_failed_at, version, created_at, updated_at
	FROM users
`

func (r *Repository) GetByID(ctx context.Context, id string) (*Credential, error) {
	return r.getBy(ctx, "id", id)
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*Credential, error) {
	return r.getBy(ctx, "email", email)
}

func (r *Repository) GetByRefreshToken(ctx context.Context, ref string) (*Credential, error) {
	var userID string
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`
		SELECT user_id
		FROM refresh_tokens
		WHERE token_hash = $1
	`), ref).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query refresh token owner: %w", err)
	}

	return r.GetByID(ctx, userID)
}

func (r *Repository) getBy(ctx context.Context, column, value string) (*Credential, error) {
	var cred Credential
	var role string
	var lockedUntil, lastFailure sql.NullTime
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(selectCredential+`WHERE `+column+` = $1`), value).Scan(
		&cred.ID, &cred.Email, &cred.DisplayName, &cred.PasswordHash, &role,
		&cred.Attempts.Count, &lockedUntil, &lastFailure,
		&cred.Version, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by %s: %w", column, err)
	}

	cred.Role = Role(role)
	cred.Attempts.LockedUntil = timePtr(lockedUntil)
	cred.Attempts.LastFailureAt = timePtr(lastFailure)
	cred.CreatedAt = cred.CreatedAt.UTC()
	cred.UpdatedAt = cred.UpdatedAt.UTC()

	if err := r.loadTokens(ctx, &cred); err != nil {
		return nil, err
	}

	return &cred, nil
}

// loadTokens reads only unexpired tokens; expired rows cannot authorize anything and are
// left for Cleanup.
func (r *Repository) loadTokens(ctx context.Context, cred *Credential) error {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(`
		SELECT token_hash, issued_at, expires_at, user_agent, source_addr, revoked_at, revoke_reason
		FROM refresh_tokens
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY issued_at ASC, id ASC
	`), cred.ID, dbTime(r.now()))
	if err != nil {
		return fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	cred.ActiveTokens = make([]RefreshToken, 0)
	cred.RevokedTokens = make([]RevokedToken, 0)
	for rows.Next() {
		var token RefreshToken
		var revokedAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&token.Ref, &token.IssuedAt, &token.ExpiresAt, &token.UserAgent, &token.SourceAddr, &revokedAt, &reason); err != nil {
			return fmt.Errorf("scan refresh token: %w", err)
		}
		token.IssuedAt = token.IssuedAt.UTC()
		token.ExpiresAt = token.ExpiresAt.UTC()

		if revokedAt.Valid {
			cred.RevokedTokens = append(cred.RevokedTokens, RevokedToken{
				Ref:       token.Ref,
				Reason:    reason.String,
				RevokedAt: revokedAt.Time.UTC(),
				ExpiresAt: token.ExpiresAt,
			})
			continue
		}
		cred.ActiveTokens = append(cred.ActiveTokens, token)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return nil
}

func (r *Repository) Create(ctx context.Context, cred *Credential) error {
	if cred.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate uuid v7: %w", err)
		}
		cred.ID = id.String()
	}

	now := dbTime(r.now())
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO users (id, email, display_name, password_hash, role, failed_attempts, locked_until, last_failed_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
	`), cred.ID, cred.Email, cred.DisplayName, cred.PasswordHash, string(cred.Role),
		cred.Attempts.Count, nullTime(cred.Attempts.LockedUntil), nullTime(cred.Attempts.LastFailureAt),
		dbTime(cred.CreatedAt), cred.UpdatedAt)
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if err := r.writeTokens(ctx, tx, cred); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user tx: %w", err)
	}

	cred.Version = 1
	return nil
}

// Save writes the record if nobody else has since the caller read it. Tokens are
// upserted by hash; a revocation is never undone by a later write.
func (r *Repository) Save(ctx context.Context, cred *Credential) error {
	now := dbTime(r.now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save user tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.dialect.Rebind(`
		UPDATE users
		SET email = $3, display_name = $4, password_hash = $5, role = $6,
			failed_attempts = $7, locked_until = $8, last_failed_at = $9,
			version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2
	`), cred.ID, cred.Version, cred.Email, cred.DisplayName, cred.PasswordHash, string(cred.Role),
		cred.Attempts.Count, nullTime(cred.Attempts.LockedUntil), nullTime(cred.Attempts.LastFailureAt), now)
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, r.dialect.Rebind(`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`), cred.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStorageConflict
	}

	if err := r.writeTokens(ctx, tx, cred); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save user tx: %w", err)
	}

	cred.Version++
	cred.UpdatedAt = now
	return nil
}

func (r *Repository) writeTokens(ctx context.Context, q queryer, cred *Credential) error {
	upsert := r.dialect.Rebind(`
		INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at, user_agent, source_addr, revoked_at, revoke_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (token_hash) DO UPDATE SET
			revoked_at = COALESCE(refresh_tokens.revoked_at, excluded.revoked_at),
			revoke_reason = COALESCE(refresh_tokens.revoke_reason, excluded.revoke_reason)
	`)

	write := func(token RefreshToken, revokedAt, reason any) error {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate refresh token id: %w", err)
		}
		if _, err := q.ExecContext(ctx, upsert,
			id.String(), cred.ID, token.Ref, dbTime(token.IssuedAt), dbTime(token.ExpiresAt),
			token.UserAgent, token.SourceAddr, revokedAt, reason,
		); err != nil {
			return fmt.Errorf("upsert refresh token: %w", err)
		}
		return nil
	}

	for _, token := range cred.ActiveTokens {
		if err := write(token, nil, nil); err != nil {
			return err
		}
	}
	for _, revoked := range cred.RevokedTokens {
		token := RefreshToken{Ref: revoked.Ref, IssuedAt: revoked.RevokedAt, ExpiresAt: revoked.ExpiresAt}
		if err := write(token, dbTime(revoked.RevokedAt), revoked.Reason); err != nil {
			return err
		}
	}

	return nil
}

func (r *Repository) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	opts = opts.withDefaults()
	now := dbTime(opts.Now)

	deletedTokens, err := r.deleteStaleRefreshTokens(ctx, now, now.Add(-opts.RefreshRetention), opts.BatchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	resetAttempts, err := r.resetStaleLoginAttempts(ctx, now, now.Add(-opts.LoginAttemptRetention), opts.BatchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedTokens,
		ResetLoginAttempts:   resetAttempts,
	}, nil
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, now, revokedCutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
		DELETE FROM refresh_tokens
		WHERE id IN (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at <= $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY issued_at ASC
			LIMIT $3
		)
	`), now, revokedCutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) resetStaleLoginAttempts(ctx context.Context, now, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
		UPDATE users
		SET failed_attempts = 0, locked_until = NULL, last_failed_at = NULL, version = version + 1, updated_at = $1
		WHERE id IN (
			SELECT id
			FROM users
			WHERE last_failed_at IS NOT NULL
			  AND last_failed_at < $2
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY last_failed_at ASC
			LIMIT $3
		)
	`), now, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("reset stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return affected, nil
}

// dbTime normalizes to UTC at the microsecond precision both backends keep.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
