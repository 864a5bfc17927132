package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives a Limiter deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) at(seconds int) func() time.Time {
	return func() time.Time { return c.t.Add(time.Duration(seconds) * time.Second) }
}

func TestDenialResetsCooldown(t *testing.T) {
	d := &Descriptor{UserRate: 20 * time.Second}
	l := NewLimiter()
	clock := &fakeClock{t: time.Unix(1000, 0)}

	// t=0: no prior timestamp, allowed.
	l.now = clock.at(0)
	assert.True(t, l.Allow(d, "alice", "#chan", false))
	l.Touch(d, "alice", "#chan")

	// t=5: 5 < 20, denied, and the denial restarts the cooldown.
	l.now = clock.at(5)
	assert.False(t, l.Allow(d, "alice", "#chan", false))

	// t=24: 24-5 = 19 < 20, still denied because of the reset.
	l.now = clock.at(24)
	assert.False(t, l.Allow(d, "alice", "#chan", false))

	// t=45: 45-24 = 21 >= 20, allowed again.
	l.now = clock.at(45)
	assert.True(t, l.Allow(d, "alice", "#chan", false))
}

func TestAdminAndUnblockableExempt(t *testing.T) {
	l := NewLimiter()

	d := &Descriptor{UserRate: time.Hour}
	l.Touch(d, "alice", "")
	assert.False(t, l.Allow(d, "alice", "", false))
	assert.True(t, l.Allow(d, "alice", "", true), "admins are never limited")

	u := &Descriptor{UserRate: time.Hour, Unblockable: true}
	l.Touch(u, "alice", "")
	assert.True(t, l.Allow(u, "alice", "", false))
}

func TestIdentitiesIndependent(t *testing.T) {
	d := &Descriptor{UserRate: time.Minute}
	l := NewLimiter()

	assert.True(t, l.Allow(d, "alice", "", false))
	l.Touch(d, "alice", "")

	// Another nick has its own entry.
	assert.True(t, l.Allow(d, "bob", "", false))

	// So does another handler for the same nick.
	other := &Descriptor{UserRate: time.Minute}
	assert.True(t, l.Allow(other, "alice", "", false))
}

func TestChannelAndGlobalDimensions(t *testing.T) {
	d := &Descriptor{ChannelRate: time.Minute, GlobalRate: time.Minute}
	l := NewLimiter()

	assert.True(t, l.Allow(d, "alice", "#chan", false))
	l.Touch(d, "alice", "#chan")

	// The channel cooldown applies to every nick in that channel.
	assert.False(t, l.Allow(d, "bob", "#chan", false))

	// The global cooldown applies everywhere.
	assert.False(t, l.Allow(d, "carol", "#other", false))
}

func TestNoLimitHandlersSkipBookkeeping(t *testing.T) {
	// A handler whose result was NoLimit never calls Touch; with no
	// stored timestamp every attempt is allowed.
	d := &Descriptor{UserRate: time.Minute}
	l := NewLimiter()

	assert.True(t, l.Allow(d, "alice", "", false))
	assert.True(t, l.Allow(d, "alice", "", false))
}
