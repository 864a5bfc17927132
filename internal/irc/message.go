package irc

import (
	"regexp"
	"strings"
)

// ctcpRegexp matches a CTCP-delimited payload in the last parameter of
// a PRIVMSG or NOTICE, e.g. "\x01ACTION waves\x01".
var ctcpRegexp = regexp.MustCompile("\x01(\\S+) ?(.*)\x01")

// Message is a single parsed protocol line. It is immutable once
// parsed; a Message lives for one dispatch cycle.
type Message struct {
	// Tags holds the IRCv3 message tags, if any. A boolean tag (one
	// sent without a value) maps to the empty string.
	Tags map[string]string

	// Nick, User and Host are the parsed source prefix. User and Host
	// may be empty; a prefix with no "!" or "@", such as a bare
	// server name, lands whole in Nick.
	Nick string
	User string
	Host string

	// Command is the command token or numeric.
	Command string

	// Params are the command's parameters in order. The trailing
	// parameter, when present, is the last element and may contain
	// spaces and colons.
	Params []string

	// CTCP is the CTCP command name carried inside a PRIVMSG or
	// NOTICE ("ACTION", "VERSION", ...), or empty. When set, the
	// delimiters and command are stripped from the last parameter.
	CTCP string

	// Sender is the reply target: the channel the message was seen
	// in, or the source nick when the message was addressed to the
	// bot directly. Empty for commands without a target parameter.
	Sender string

	// Raw is the line as received, without the terminator.
	Raw string
}

// Trailing returns the last parameter, or the empty string.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ParseMessage parses one framed line. ownNick is the bot's current
// nickname, needed to compute the reply target for direct messages.
//
// Grammar: ["@" tags SPACE] [":" source SPACE] command *(SPACE middle)
// [SPACE ":" trailing]. The trailing parameter starts at the first
// literal " :" and runs to end of line.
func ParseMessage(ownNick, line string) *Message {
	m := &Message{Raw: line}
	rest := line

	// Tag block. Boolean tags have no "=value".
	if strings.HasPrefix(rest, "@") {
		tagstr := rest
		if idx := strings.Index(rest, " "); idx >= 0 {
			tagstr, rest = rest[:idx], rest[idx+1:]
		} else {
			rest = ""
		}
		m.Tags = make(map[string]string)
		for _, raw := range strings.Split(tagstr[1:], ";") {
			if raw == "" {
				continue
			}
			if eq := strings.Index(raw, "="); eq >= 0 {
				m.Tags[raw[:eq]] = raw[eq+1:]
			} else {
				m.Tags[raw] = ""
			}
		}
	}

	// Source prefix. Every sub-part may be empty.
	if strings.HasPrefix(rest, ":") {
		source := rest[1:]
		if idx := strings.Index(source, " "); idx >= 0 {
			source, rest = source[:idx], source[idx+1:]
		} else {
			rest = ""
		}
		m.Nick = source
		if at := strings.LastIndex(m.Nick, "@"); at >= 0 {
			m.Nick, m.Host = m.Nick[:at], m.Nick[at+1:]
		}
		if bang := strings.Index(m.Nick, "!"); bang >= 0 {
			m.Nick, m.User = m.Nick[:bang], m.Nick[bang+1:]
		}
	}

	// Command and parameters. The first " :" introduces the trailing
	// parameter, which may itself contain spaces and colons.
	var trailing string
	hasTrailing := false
	if idx := strings.Index(rest, " :"); idx >= 0 {
		trailing = rest[idx+2:]
		rest = rest[:idx]
		hasTrailing = true
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return m
	}
	m.Command = fields[0]
	m.Params = fields[1:]
	if hasTrailing {
		m.Params = append(m.Params, trailing)
	}

	m.Sender = replyTarget(ownNick, m)

	// CTCP payloads ride inside normal chat messages. Strip the
	// delimiters so handlers match on the bare text.
	if (m.Command == "PRIVMSG" || m.Command == "NOTICE") && len(m.Params) > 0 {
		last := m.Params[len(m.Params)-1]
		if groups := ctcpRegexp.FindStringSubmatch(last); groups != nil {
			m.CTCP = groups[1]
			m.Params[len(m.Params)-1] = groups[2]
		}
	}

	return m
}

// commandsWithContext are the commands whose first parameter names the
// channel or query the message belongs to.
var commandsWithContext = map[string]bool{
	"INVITE":  true,
	"JOIN":    true,
	"KICK":    true,
	"MODE":    true,
	"NOTICE":  true,
	"PART":    true,
	"PRIVMSG": true,
	"TOPIC":   true,
}

func replyTarget(ownNick string, m *Message) string {
	if len(m.Params) == 0 || !commandsWithContext[m.Command] {
		return ""
	}
	target := m.Params[0]
	// Messages addressed to the bot itself are answered to the nick
	// that sent them.
	if CaseFold(target) == CaseFold(ownNick) {
		return m.Nick
	}
	return target
}
