package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// lockoutPolicy describes when a key is locked out and for how long.
// Once maxFailures is reached each further failure doubles the lockout,
// capped at maxLockout.
type lockoutPolicy struct {
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
	// expiry is how long after the last failure a record is forgotten.
	expiry time.Duration
}

var (
	// Failed logins per normalised username.
	loginAccountPolicy = lockoutPolicy{maxFailures: 5, baseLockout: time.Minute, maxLockout: 15 * time.Minute, expiry: time.Hour}
	// Failed logins per client IP.
	loginIPPolicy = lockoutPolicy{maxFailures: 20, baseLockout: time.Minute, maxLockout: 30 * time.Minute, expiry: time.Hour}
	// Account requests per client IP; every request counts.
	requestAccountIPPolicy = lockoutPolicy{maxFailures: 5, baseLockout: 5 * time.Minute, maxLockout: time.Hour, expiry: time.Hour}
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// lockoutLimiter tracks failures per key and enforces exponential backoff.
type lockoutLimiter struct {
	mu       sync.Mutex
	policy   lockoutPolicy
	now      func() time.Time
	attempts map[string]*attemptRecord
}

func newLockoutLimiter(policy lockoutPolicy, now func() time.Time) *lockoutLimiter {
	return &lockoutLimiter{
		policy:   policy,
		now:      now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check reports whether key is locked out and for how much longer.
func (rl *lockoutLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > rl.policy.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *lockoutLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.policy.maxFailures {
		lockout := rl.policy.baseLockout
		for i := 0; i < rec.failures-rl.policy.maxFailures; i++ {
			lockout *= 2
			if lockout >= rl.policy.maxLockout {
				lockout = rl.policy.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *lockoutLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep drops expired records.
func (rl *lockoutLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > rl.policy.expiry {
			delete(rl.attempts, key)
		}
	}
}

// ---------------------------------------------------------------------------
// Global limiter (sliding window)
// ---------------------------------------------------------------------------

// windowLimiter locks everyone out once max events land within window.
type windowLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	max         int
	lockout     time.Duration
	now         func() time.Time
	events      []time.Time
	lockedUntil time.Time
}

func newWindowLimiter(window time.Duration, max int, lockout time.Duration, now func() time.Time) *windowLimiter {
	return &windowLimiter{window: window, max: max, lockout: lockout, now: now}
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.events = trimWindow(append(rl.events, now), now, rl.window)
	if len(rl.events) >= rl.max {
		rl.lockedUntil = now.Add(rl.lockout)
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Client IP
// ---------------------------------------------------------------------------

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// X-Forwarded-For, Forwarded and X-Real-IP are only consulted when the
// direct peer falls within one of trustedProxies; otherwise RemoteAddr is
// returned.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

// ParseTrustedProxies parses CIDR ranges or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}
