package token

import "time"

// IsExpired reports whether the access token is no longer valid at now. A
// nil set is always expired.
func IsExpired(s *Set, now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// IsExpiringSoon reports whether now is within buffer of the expiry.
func IsExpiringSoon(s *Set, buffer time.Duration, now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt.Add(-buffer))
}

// EffectiveBuffer clamps buffer to half the token lifetime, so a token that
// lives shorter than the buffer is still used for a while before being
// refreshed again.
func EffectiveBuffer(s *Set, buffer time.Duration) time.Duration {
	if half := s.Lifetime() / 2; half > 0 && buffer > half {
		return half
	}
	return buffer
}

// Clock answers expiry questions against an injected time source. It holds
// no state besides the time source and has no side effects.
type Clock struct {
	now func() time.Time
}

// NewClock returns a Clock reading the time from now.
func NewClock(now func() time.Time) Clock {
	if now == nil {
		now = time.Now
	}
	return Clock{now: now}
}

func (c Clock) IsExpired(s *Set) bool {
	return IsExpired(s, c.now())
}

func (c Clock) IsExpiringSoon(s *Set, buffer time.Duration) bool {
	return IsExpiringSoon(s, buffer, c.now())
}

// RefreshDelay is how long to wait before refreshing s so that the refresh
// starts buffer ahead of expiry. A non-positive result means refresh now.
func (c Clock) RefreshDelay(s *Set, buffer time.Duration) time.Duration {
	if s == nil {
		return 0
	}
	return s.ExpiresAt.Add(-buffer).Sub(c.now())
}

// Remaining is the time left before s expires, never negative.
func (c Clock) Remaining(s *Set) time.Duration {
	if s == nil {
		return 0
	}
	if d := s.ExpiresAt.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}
