package bot

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopel-irc/gopel/internal/caps"
	"github.com/sopel-irc/gopel/internal/config"
	"github.com/sopel-irc/gopel/internal/track"
)

func TestWelcomeSequence(t *testing.T) {
	_, fc, feed := newTestBot(t, func(cfg *config.Config) {
		cfg.Channels = []string{"#go", "#dev"}
		cfg.NickServPass = "hunter2"
	})

	feed(":irc.example.net 001 gopel :Welcome to the network")

	lines := fc.lines()
	assert.Contains(t, lines, "PRIVMSG NickServ :IDENTIFY hunter2")
	assert.Contains(t, lines, "MODE gopel +B")
	assert.Contains(t, lines, "JOIN #go")
	assert.Contains(t, lines, "JOIN #dev")

	// A later 251 must not rejoin.
	feed(":irc.example.net 251 gopel :There are 5 users")
	joins := 0
	for _, line := range fc.lines() {
		if line == "JOIN #go" {
			joins++
		}
	}
	assert.Equal(t, 1, joins)
}

func TestCapNegotiation(t *testing.T) {
	b, fc, feed := newTestBot(t, nil)
	acked := false
	require.NoError(t, b.RegisterCapability(caps.Request{
		Caps:   []string{"account-tag"},
		Plugin: "p",
		Callback: func(acknowledged bool) caps.Outcome {
			acked = acknowledged
			return caps.Done
		},
	}))

	feed("CAP * LS :account-tag sasl multi-prefix")
	assert.Contains(t, fc.lines(), "CAP REQ :account-tag")
	assert.NotContains(t, fc.lines(), "CAP END")

	feed(":irc.example.net CAP gopel ACK :account-tag")
	assert.True(t, acked)
	assert.Contains(t, fc.lines(), "CAP END")
}

func TestCapNegotiationMultilineLS(t *testing.T) {
	b, fc, feed := newTestBot(t, nil)
	require.NoError(t, b.RegisterCapability(caps.Request{
		Caps:     []string{"account-tag"},
		Plugin:   "p",
		Callback: func(bool) caps.Outcome { return caps.Done },
	}))

	feed("CAP * LS * :sasl multi-prefix")
	assert.NotContains(t, fc.lines(), "CAP REQ :account-tag")

	feed("CAP * LS :account-tag")
	assert.Contains(t, fc.lines(), "CAP REQ :account-tag")
}

func TestCapEndImmediateWhenNothingRequested(t *testing.T) {
	_, fc, feed := newTestBot(t, nil)

	feed("CAP * LS :sasl multi-prefix")

	assert.Contains(t, fc.lines(), "CAP END")
}

func TestCapDeadlineForcesEnd(t *testing.T) {
	b, fc, feed := newTestBot(t, func(cfg *config.Config) {
		cfg.CapDeadline = 20 * time.Millisecond
	})
	require.NoError(t, b.RegisterCapability(caps.Request{
		Caps:     []string{"never-answered"},
		Plugin:   "p",
		Callback: func(bool) caps.Outcome { return caps.Done },
	}))

	b.sendHandshake()
	feed("CAP * LS :never-answered")

	waitFor(t, fc, "CAP END")
}

func TestSASLFlow(t *testing.T) {
	_, fc, feed := newTestBot(t, func(cfg *config.Config) {
		cfg.SASLUsername = "gopel"
		cfg.SASLPassword = "secret"
	})

	feed("CAP * LS :sasl")
	assert.Contains(t, fc.lines(), "CAP REQ :sasl")

	feed(":irc.example.net CAP gopel ACK :sasl")
	assert.Contains(t, fc.lines(), "AUTHENTICATE PLAIN")
	assert.NotContains(t, fc.lines(), "CAP END",
		"negotiation stays open while authentication runs")

	feed("AUTHENTICATE +")
	payload := base64.StdEncoding.EncodeToString([]byte("gopel\x00gopel\x00secret"))
	assert.Contains(t, fc.lines(), "AUTHENTICATE "+payload)

	feed(":irc.example.net 903 gopel :SASL authentication successful")
	assert.Contains(t, fc.lines(), "CAP END")
}

func TestSASLFailureStillEndsNegotiation(t *testing.T) {
	_, fc, feed := newTestBot(t, func(cfg *config.Config) {
		cfg.SASLPassword = "secret"
	})

	feed("CAP * LS :sasl")
	feed(":irc.example.net CAP gopel ACK :sasl")
	feed(":irc.example.net 904 gopel :SASL authentication failed")

	assert.Contains(t, fc.lines(), "CAP END")
}

func TestPrivilegeTracking(t *testing.T) {
	b, _, feed := newTestBot(t, nil)

	feed(":irc.example.net 353 gopel = #go :@alice +bob carol")
	assert.Equal(t, track.Op, b.Privileges("#go", "alice"))
	assert.Equal(t, track.Voice, b.Privileges("#go", "bob"))
	assert.Equal(t, 0, b.Privileges("#go", "carol"))

	feed(":irc.example.net MODE #go +o-v carol bob")
	assert.Equal(t, track.Op, b.Privileges("#go", "carol"))
	assert.Equal(t, 0, b.Privileges("#go", "bob"))
}

func TestNickChangeMigratesPrivileges(t *testing.T) {
	b, fc, feed := newTestBot(t, nil)

	feed(":irc.example.net 353 gopel = #go :@alice")
	feed(":alice!a@h NICK :alicia")
	assert.Equal(t, track.Op, b.Privileges("#go", "alicia"))
	assert.Equal(t, 0, b.Privileges("#go", "alice"))

	feed(":gopel!g@h NICK :gopel2")
	assert.Equal(t, "gopel2", fc.CurrentNick())
}

func TestJoinRefusedRetries(t *testing.T) {
	b, fc, feed := newTestBot(t, nil)
	b.joinDelay = time.Millisecond

	feed(":irc.example.net 477 gopel #go :You need a registered nick to join that channel")
	waitFor(t, fc, "JOIN #go")
}

func TestJoinRefusedGivesUp(t *testing.T) {
	b, fc, feed := newTestBot(t, nil)
	b.joinDelay = time.Millisecond
	b.mu.Lock()
	b.joinTries["#go"] = maxJoinAttempts
	b.mu.Unlock()

	feed(":irc.example.net 477 gopel #go :You need a registered nick to join that channel")
	time.Sleep(50 * time.Millisecond)

	assert.False(t, fc.contains("JOIN #go"))
}

func TestCTCPVersionReply(t *testing.T) {
	_, fc, feed := newTestBot(t, nil)

	feed(":alice!a@h PRIVMSG gopel :\x01VERSION\x01")
	assert.Contains(t, fc.lines(), "NOTICE alice :\x01VERSION gopel "+Version+"\x01")

	before := len(fc.lines())
	feed(":alice!a@h PRIVMSG #go :\x01ACTION waves\x01")
	assert.Len(t, fc.lines(), before, "other intents do not trigger the reply")
}

func TestBlocksCommand(t *testing.T) {
	b, fc, feed := newTestBot(t, func(cfg *config.Config) {
		cfg.Admins = []string{"boss"}
	})

	// Non-admins are ignored outright.
	feed(":alice!a@h PRIVMSG #go :.blocks add nick spammer")
	assert.Empty(t, fc.lines())
	assert.False(t, b.blocked("spammer", ""))

	feed(":boss!b@h PRIVMSG #a :.blocks add nick spammer")
	assert.True(t, fc.contains("Blocked nick spammer."))
	assert.True(t, b.blocked("spammer", ""))

	feed(":boss!b@h PRIVMSG #b :.blocks list nick")
	assert.True(t, fc.contains("spammer"))

	feed(":boss!b@h PRIVMSG #c :.blocks del nick spammer")
	assert.True(t, fc.contains("Unblocked nick spammer."))
	assert.False(t, b.blocked("spammer", ""))

	feed(":boss!b@h PRIVMSG #d :.blocks del nick spammer")
	assert.True(t, fc.contains("No matching block."))

	feed(":boss!b@h PRIVMSG #e :.blocks")
	assert.True(t, fc.contains("Usage:"))
}
