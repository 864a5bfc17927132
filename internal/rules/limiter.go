package rules

import (
	"sync"
	"time"
)

type limitKey struct {
	identity string
	rule     *Descriptor
}

// Limiter is the rate-limit timestamp table. It is touched by worker
// goroutines and the reader concurrently, so every read-modify-write
// holds the mutex. Entries are created lazily and never pruned within
// a session.
type Limiter struct {
	mu      sync.Mutex
	user    map[limitKey]time.Time
	channel map[limitKey]time.Time
	global  map[*Descriptor]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewLimiter returns an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		user:    make(map[limitKey]time.Time),
		channel: make(map[limitKey]time.Time),
		global:  make(map[*Descriptor]time.Time),
		now:     time.Now,
	}
}

// Allow decides whether a handler invocation may run. Admins and
// unblockable handlers are never limited. For each dimension with a
// positive period, a prior timestamp within the period denies
// execution and the stored timestamp is overwritten with now, so
// every denied attempt restarts the cooldown.
func (l *Limiter) Allow(d *Descriptor, nick, channel string, admin bool) bool {
	if admin || d.Unblockable {
		return true
	}
	if d.UserRate <= 0 && d.ChannelRate <= 0 && d.GlobalRate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	allowed := true

	if d.UserRate > 0 && nick != "" {
		key := limitKey{nick, d}
		if last, ok := l.user[key]; ok && now.Sub(last) < d.UserRate {
			l.user[key] = now
			allowed = false
		}
	}
	if d.ChannelRate > 0 && channel != "" {
		key := limitKey{channel, d}
		if last, ok := l.channel[key]; ok && now.Sub(last) < d.ChannelRate {
			l.channel[key] = now
			allowed = false
		}
	}
	if d.GlobalRate > 0 {
		if last, ok := l.global[d]; ok && now.Sub(last) < d.GlobalRate {
			l.global[d] = now
			allowed = false
		}
	}
	return allowed
}

// Touch records an executed invocation. Called only when the handler's
// result is not NoLimit.
func (l *Limiter) Touch(d *Descriptor, nick, channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if d.UserRate > 0 && nick != "" {
		l.user[limitKey{nick, d}] = now
	}
	if d.ChannelRate > 0 && channel != "" {
		l.channel[limitKey{channel, d}] = now
	}
	if d.GlobalRate > 0 {
		l.global[d] = now
	}
}
