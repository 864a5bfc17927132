package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageTrailing(t *testing.T) {
	m := ParseMessage("bot", ":nick!ident@example.com PRIVMSG #sopel :foo bar! baz: qux")

	assert.Equal(t, "nick", m.Nick)
	assert.Equal(t, "ident", m.User)
	assert.Equal(t, "example.com", m.Host)
	assert.Equal(t, "PRIVMSG", m.Command)
	require.Len(t, m.Params, 2)
	assert.Equal(t, "#sopel", m.Params[0])
	assert.Equal(t, "foo bar! baz: qux", m.Params[1])
	assert.Equal(t, "foo bar! baz: qux", m.Trailing())
}

func TestParseMessageNoTrailing(t *testing.T) {
	m := ParseMessage("bot", ":irc.libera.chat MODE bot +i")

	assert.Equal(t, "irc.libera.chat", m.Nick)
	assert.Empty(t, m.User)
	assert.Empty(t, m.Host)
	assert.Equal(t, "MODE", m.Command)
	assert.Equal(t, []string{"bot", "+i"}, m.Params)
}

func TestParseMessageTags(t *testing.T) {
	m := ParseMessage("bot", "@time=2023-01-01T00:00:00.000Z;account=alice;solo :alice!a@h PRIVMSG #chan :hi")

	require.NotNil(t, m.Tags)
	assert.Equal(t, "2023-01-01T00:00:00.000Z", m.Tags["time"])
	assert.Equal(t, "alice", m.Tags["account"])

	// Boolean tags carry no value.
	val, ok := m.Tags["solo"]
	assert.True(t, ok)
	assert.Empty(t, val)
}

func TestParseMessagePartialSource(t *testing.T) {
	m := ParseMessage("bot", ":nick!@ QUIT :gone")
	assert.Equal(t, "nick", m.Nick)
	assert.Empty(t, m.User)
	assert.Empty(t, m.Host)

	m = ParseMessage("bot", ":!user@host PRIVMSG #c :x")
	assert.Empty(t, m.Nick)
	assert.Equal(t, "user", m.User)
	assert.Equal(t, "host", m.Host)
}

func TestReplyTarget(t *testing.T) {
	// Channel message: the channel is the reply target.
	m := ParseMessage("bot", ":alice!a@h PRIVMSG #chan :hello")
	assert.Equal(t, "#chan", m.Sender)

	// Direct message: replies go back to the source nick. The
	// comparison is case-folded.
	m = ParseMessage("bot", ":alice!a@h PRIVMSG BOT :hello")
	assert.Equal(t, "alice", m.Sender)

	// Commands without a context have no reply target.
	m = ParseMessage("bot", ":alice!a@h QUIT :bye")
	assert.Empty(t, m.Sender)
}

func TestParseMessageCTCP(t *testing.T) {
	m := ParseMessage("bot", ":alice!a@h PRIVMSG #chan :\x01ACTION waves\x01")
	assert.Equal(t, "ACTION", m.CTCP)
	assert.Equal(t, "waves", m.Trailing())

	m = ParseMessage("bot", ":alice!a@h PRIVMSG bot :\x01VERSION\x01")
	assert.Equal(t, "VERSION", m.CTCP)
	assert.Empty(t, m.Trailing())

	// Plain messages have no intent.
	m = ParseMessage("bot", ":alice!a@h PRIVMSG #chan :just text")
	assert.Empty(t, m.CTCP)
}

func TestParseMessagePing(t *testing.T) {
	m := ParseMessage("bot", "PING :irc.example.com")
	assert.Equal(t, "PING", m.Command)
	assert.Equal(t, "irc.example.com", m.Trailing())
}

func TestCaseFold(t *testing.T) {
	cases := map[string]string{
		"Alice":       "alice",
		"[Away]Bob":   "{away}bob",
		"a\\b":        "a|b",
		"Tilde~":      "tilde^",
		"{already}":   "{already}",
		"#Chan[Test]": "#chan{test}",
	}
	for in, want := range cases {
		if got := CaseFold(in); got != want {
			t.Errorf("CaseFold(%q) = %q, want %q", in, got, want)
		}
	}
}
