package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutPolicyOnFailure(t *testing.T) {
	policy := DefaultLockoutPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		state      LoginAttempts
		wantCount  int
		wantLocked bool
		wantDelay  time.Duration
	}{
		{
			name:      "first failure waits the base delay",
			state:     LoginAttempts{},
			wantCount: 1,
			wantDelay: policy.BackoffBase,
		},
		{
			name:      "delay scales with the prior count",
			state:     LoginAttempts{Count: 3, LastFailureAt: timeAt(now.Add(-time.Minute))},
			wantCount: 4,
			wantDelay: 3 * policy.BackoffBase,
		},
		{
			name:       "reaching the threshold locks and restarts the count",
			state:      LoginAttempts{Count: 4, LastFailureAt: timeAt(now.Add(-time.Minute))},
			wantCount:  0,
			wantLocked: true,
			wantDelay:  4 * policy.BackoffBase,
		},
		{
			name:      "stale counter decays before incrementing",
			state:     LoginAttempts{Count: 4, LastFailureAt: timeAt(now.Add(-policy.AttemptWindow - time.Second))},
			wantCount: 1,
			wantDelay: policy.BackoffBase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, delay := policy.OnFailure(tt.state, now)

			assert.Equal(t, tt.wantCount, next.Count)
			assert.Equal(t, tt.wantDelay, delay)
			assert.Equal(t, tt.wantLocked, policy.IsLocked(next, now))
			require.NotNil(t, next.LastFailureAt)
			assert.Equal(t, now, *next.LastFailureAt)
			if tt.wantLocked {
				assert.Equal(t, now.Add(policy.LockDuration), *next.LockedUntil)
			}
		})
	}
}

func TestLockoutPolicyDoesNotMutateInput(t *testing.T) {
	policy := DefaultLockoutPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-time.Minute)
	state := LoginAttempts{Count: 4, LastFailureAt: &last}

	_, _ = policy.OnFailure(state, now)

	assert.Equal(t, 4, state.Count)
	assert.Nil(t, state.LockedUntil)
	assert.Equal(t, now.Add(-time.Minute), last)
}

func TestLockoutPolicyLockBoundary(t *testing.T) {
	policy := DefaultLockoutPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := LoginAttempts{LockedUntil: timeAt(now.Add(time.Minute))}

	assert.True(t, policy.IsLocked(state, now))
	assert.Equal(t, time.Minute, policy.RetryAfter(state, now))
	assert.False(t, policy.IsLocked(state, now.Add(time.Minute)), "lock lapses at LockedUntil")
	assert.Zero(t, policy.RetryAfter(state, now.Add(2*time.Minute)))
	assert.Equal(t, LoginAttempts{}, policy.OnSuccess(state, now))
}

func TestErrLoginLockedRetryAfterFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Second, ErrLoginLocked{Until: now}.RetryAfter(now))
	assert.Equal(t, 90*time.Second, ErrLoginLocked{Until: now.Add(90 * time.Second)}.RetryAfter(now))
}

func timeAt(t time.Time) *time.Time {
	return &t
}
