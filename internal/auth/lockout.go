package auth

import "time"

const (
	DefaultMaxAttempts   = 5
	DefaultLockDuration  = 15 * time.Minute
	DefaultBackoffBase   = 250 * time.Millisecond
	DefaultAttemptWindow = 15 * time.Minute
)

// LockoutPolicy is a pure function of (LoginAttempts, now); it never touches storage.
type LockoutPolicy struct {
	MaxAttempts   int
	LockDuration  time.Duration
	BackoffBase   time.Duration
	AttemptWindow time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxAttempts:   DefaultMaxAttempts,
		LockDuration:  DefaultLockDuration,
		BackoffBase:   DefaultBackoffBase,
		AttemptWindow: DefaultAttemptWindow,
	}
}

func (p LockoutPolicy) IsLocked(state LoginAttempts, now time.Time) bool {
	return state.LockedUntil != nil && now.Before(*state.LockedUntil)
}

// RetryAfter is how long until the lock lapses, zero when unlocked.
func (p LockoutPolicy) RetryAfter(state LoginAttempts, now time.Time) time.Duration {
	if !p.IsLocked(state, now) {
		return 0
	}
	return state.LockedUntil.Sub(now)
}

// Decay zeroes a stale counter: unlocked and no failure within AttemptWindow.
func (p LockoutPolicy) Decay(state LoginAttempts, now time.Time) LoginAttempts {
	if p.IsLocked(state, now) || state.LastFailureAt == nil || p.AttemptWindow <= 0 {
		return state
	}
	if now.Sub(*state.LastFailureAt) > p.AttemptWindow {
		state.Count = 0
	}
	return state
}

// OnFailure records one failed attempt. Reaching MaxAttempts locks the account for
// LockDuration and restarts the count. The returned delay is BackoffBase times the
// pre-increment count, with a multiplier of at least one.
func (p LockoutPolicy) OnFailure(state LoginAttempts, now time.Time) (LoginAttempts, time.Duration) {
	state = p.Decay(state.clone(), now)

	multiplier := state.Count
	if multiplier < 1 {
		multiplier = 1
	}
	delay := p.BackoffBase * time.Duration(multiplier)

	failedAt := now
	state.LastFailureAt = &failedAt
	state.Count++

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if state.Count >= maxAttempts {
		until := now.Add(p.LockDuration)
		state.LockedUntil = &until
		state.Count = 0
	}

	return state, delay
}

func (p LockoutPolicy) OnSuccess(LoginAttempts, time.Time) LoginAttempts {
	return LoginAttempts{}
}
