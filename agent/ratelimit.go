package agent

import (
	"crypto/sha256"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/util"
)

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout once maxFailures is reached.
	baseLockout = time.Minute
	maxLockout  = 15 * time.Minute
	// attemptExpiry forgets an account this long after its last failure.
	attemptExpiry = time.Hour
)

// loginRateLimiter applies exponential backoff to repeated failed logins
// per account. Accounts are keyed by a hash of the normalized email.
type loginRateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

func newLoginRateLimiter(c clock.Clock) *loginRateLimiter {
	return &loginRateLimiter{clock: c, attempts: make(map[string]*attemptRecord)}
}

func accountKey(email string) string {
	sum := sha256.Sum256([]byte(util.Normalize(strings.ToLower(strings.TrimSpace(email)))))
	return util.HexEncode(sum[:])
}

// check reports whether the account is locked out and for how long.
func (rl *loginRateLimiter) check(email string) (blocked bool, retryAfter time.Duration) {
	id := accountKey(email)
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[id]
	if !ok {
		return false, 0
	}
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, id)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *loginRateLimiter) recordFailure(email string) {
	id := accountKey(email)
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[id]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[id] = rec
	}
	rec.failures++
	rec.lastFailure = now
	if rec.failures >= maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout >= maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *loginRateLimiter) recordSuccess(email string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, accountKey(email))
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := max(1, int(retryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}
