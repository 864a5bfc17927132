// Package rules defines handler descriptors and the machinery the
// dispatch engine consumes: a priority-ordered registry, the
// rate-limit table and the worker pool for threaded handlers.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sopel-irc/gopel/internal/irc"
)

// NoLimit is a handler return value meaning "do not count this
// invocation against rate limits".
const NoLimit = -1

// Priority orders handler evaluation. All high-priority handlers are
// tested before any medium ones, and medium before low.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

// Priorities in evaluation order.
var Priorities = []Priority{High, Medium, Low}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "medium"
	}
}

// Responder is the surface a handler uses to talk back. *bot.Bot
// satisfies it.
type Responder interface {
	Say(recipient, text string)
	SayMax(recipient, text string, maxMessages int)
	Notice(recipient, text string)
	Action(recipient, text string)
	Reply(text, dest, replyTo string)
	Write(args []string, trailing string) error
	WriteLine(args ...string) error
	Privileges(channel, nick string) int
}

// Trigger is the runtime context of one matched handler invocation.
type Trigger struct {
	*irc.Message

	// Groups are the submatches of the pattern that fired, with the
	// whole match at index 0.
	Groups []string

	// Admin is true when the sender is on the configured admin list.
	Admin bool
}

// Group returns submatch i, or "" when the pattern captured fewer
// groups.
func (t *Trigger) Group(i int) string {
	if i < 0 || i >= len(t.Groups) {
		return ""
	}
	return t.Groups[i]
}

// HandlerFunc is a registered handler. Returning NoLimit exempts the
// invocation from rate-limit bookkeeping; any other value is ignored.
type HandlerFunc func(r Responder, t *Trigger) int

// Descriptor describes one registered handler. Built once at plugin
// registration and immutable afterwards; the Registry owns it.
type Descriptor struct {
	// Plugin is the owning module name, used by per-channel module
	// restrictions and negotiation bookkeeping.
	Plugin string

	// Name identifies the handler in logs. Defaults to the first
	// command or the plugin name.
	Name string

	// Patterns are matched anchored at line start against the
	// message text. A handler with several independently-matching
	// patterns may run more than once for a single line.
	Patterns []*regexp.Regexp

	// Commands are literal command names, compiled against the
	// configured prefix into patterns of their own.
	Commands []string

	// Events filters by message type; empty means PRIVMSG.
	Events []string

	// Intents restricts the handler to messages whose CTCP intent
	// matches one of these; empty accepts any message, with or
	// without an intent.
	Intents []*regexp.Regexp

	Priority Priority

	// Threaded handlers run on the worker pool and do not block the
	// reader. Non-threaded handlers run inline and must be brief.
	Threaded bool

	// Rate-limit periods; zero disables the corresponding dimension.
	UserRate    time.Duration
	ChannelRate time.Duration
	GlobalRate  time.Duration

	// Unblockable handlers ignore blocklists and rate limits. Core
	// protocol bookkeeping runs this way.
	Unblockable bool

	Handler HandlerFunc

	compiled []*regexp.Regexp
}

var errNoTrigger = errors.New("rules: descriptor needs at least one pattern, command or event")

// compile finalizes a descriptor against the command prefix: command
// names become anchored patterns with the command in group 1 and the
// argument tail in group 2, matching the shape plugins expect.
func (d *Descriptor) compile(prefix string) error {
	if d.Handler == nil {
		return errors.New("rules: descriptor has no handler")
	}
	if len(d.Patterns) == 0 && len(d.Commands) == 0 && len(d.Events) == 0 {
		return errNoTrigger
	}
	if len(d.Events) == 0 {
		d.Events = []string{"PRIVMSG"}
	}
	if d.Name == "" {
		if len(d.Commands) > 0 {
			d.Name = d.Commands[0]
		} else {
			d.Name = d.Plugin
		}
	}

	d.compiled = append(d.compiled, d.Patterns...)
	for _, command := range d.Commands {
		pattern, err := regexp.Compile(
			fmt.Sprintf(`^%s(%s)(?: +(.*))?$`, regexp.QuoteMeta(prefix), regexp.QuoteMeta(command)))
		if err != nil {
			return fmt.Errorf("rules: bad command %q: %w", command, err)
		}
		d.compiled = append(d.compiled, pattern)
	}
	// Event-only handlers match any text.
	if len(d.compiled) == 0 {
		d.compiled = []*regexp.Regexp{regexp.MustCompile(``)}
	}
	return nil
}

// MatchesEvent reports whether the descriptor's event filter accepts
// the command token.
func (d *Descriptor) MatchesEvent(event string) bool {
	for _, e := range d.Events {
		if e == event {
			return true
		}
	}
	return false
}

// MatchesIntent reports whether the message's CTCP intent passes the
// descriptor's intent filter.
func (d *Descriptor) MatchesIntent(intent string) bool {
	if len(d.Intents) == 0 {
		return true
	}
	for _, p := range d.Intents {
		if p.MatchString(intent) {
			return true
		}
	}
	return false
}

// CompiledPatterns returns every pattern the dispatcher should try,
// anchored at line start by the dispatcher.
func (d *Descriptor) CompiledPatterns() []*regexp.Regexp {
	return d.compiled
}
