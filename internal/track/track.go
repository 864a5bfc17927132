// Package track maintains per-channel privilege state from the
// membership traffic the server sends: NAMES replies, MODE changes,
// and JOIN/PART/KICK/QUIT/NICK events.
//
// All mutation happens on the single-threaded reader path, so the
// tracker holds no locks.
package track

import (
	"strings"

	"github.com/sopel-irc/gopel/internal/irc"
)

// Privilege bits are additive: a user can hold several at once.
const (
	Voice  = 1
	HalfOp = 2
	Op     = 4
	Admin  = 8
	Owner  = 16
	Oper   = 32
)

// namePrefixes maps NAMES reply prefix characters to privilege bits.
var namePrefixes = map[byte]int{
	'+': Voice,
	'%': HalfOp,
	'@': Op,
	'&': Admin,
	'~': Owner,
	'!': Oper,
}

// modeLetters maps channel mode letters to privilege bits. q doubles
// as owner on networks that use it that way; treating it as Owner
// matches the NAMES prefix mapping.
var modeLetters = map[byte]int{
	'v': Voice,
	'h': HalfOp,
	'o': Op,
	'a': Admin,
	'q': Owner,
}

// Channel is the tracked state of one joined channel: a map of
// canonical (case-folded) nickname to privilege bitmask.
type Channel struct {
	Name  string
	Privs map[string]int
}

// Tracker holds the state of every channel the bot is in, keyed by
// case-folded channel name.
type Tracker struct {
	selfNick string
	channels map[string]*Channel
}

// New returns a Tracker for a bot known as selfNick.
func New(selfNick string) *Tracker {
	return &Tracker{
		selfNick: selfNick,
		channels: make(map[string]*Channel),
	}
}

// SetSelf records the bot's own nickname, used to detect when a PART
// or KICK removes the bot itself.
func (t *Tracker) SetSelf(nick string) {
	t.selfNick = nick
}

// Privileges returns the privilege bitmask nick holds in channel, or
// zero when either is unknown.
func (t *Tracker) Privileges(channel, nick string) int {
	ch := t.channels[irc.CaseFold(channel)]
	if ch == nil {
		return 0
	}
	return ch.Privs[irc.CaseFold(nick)]
}

// Channel returns the tracked state for a channel, or nil.
func (t *Tracker) Channel(name string) *Channel {
	return t.channels[irc.CaseFold(name)]
}

// Channels lists the case-folded names of tracked channels.
func (t *Tracker) Channels() []string {
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	return names
}

func (t *Tracker) channel(name string) *Channel {
	folded := irc.CaseFold(name)
	ch, ok := t.channels[folded]
	if !ok {
		ch = &Channel{Name: folded, Privs: make(map[string]int)}
		t.channels[folded] = ch
	}
	return ch
}

// HandleNames folds a NAMES (353) reply into channel state. Each
// name's leading prefix characters OR their bits together; the
// remainder is the nickname.
func (t *Tracker) HandleNames(channel, names string) {
	ch := t.channel(channel)
	for _, name := range strings.Fields(names) {
		privs := 0
		for len(name) > 0 {
			bit, ok := namePrefixes[name[0]]
			if !ok {
				break
			}
			privs |= bit
			name = name[1:]
		}
		if name == "" {
			continue
		}
		ch.Privs[irc.CaseFold(name)] = privs
	}
}

// HandleMode applies a channel MODE line: a signed run of mode letters
// followed by their parameters in matching order. Recognized letters
// OR (on +) or clear (on -) the corresponding bit for the named
// target; unrecognized letters are skipped along with nothing, since
// only privilege modes carry nick parameters here.
func (t *Tracker) HandleMode(channel, modestring string, params []string) {
	if !strings.HasPrefix(channel, "#") && !strings.HasPrefix(channel, "&") {
		// User modes carry no channel privilege information.
		return
	}
	ch := t.channel(channel)

	sign := byte('+')
	arg := 0
	for i := 0; i < len(modestring); i++ {
		letter := modestring[i]
		if letter == '+' || letter == '-' {
			sign = letter
			continue
		}
		bit, ok := modeLetters[letter]
		if !ok {
			continue
		}
		if arg >= len(params) {
			// Truncated MODE from the server; nothing left to
			// apply the remaining letters to.
			return
		}
		nick := irc.CaseFold(params[arg])
		arg++
		if sign == '+' {
			ch.Privs[nick] |= bit
		} else {
			ch.Privs[nick] &^= bit
		}
	}
}

// HandleNick migrates a user's entry across every channel under the
// new identity, preserving the bitmask.
func (t *Tracker) HandleNick(oldNick, newNick string) {
	oldFolded := irc.CaseFold(oldNick)
	newFolded := irc.CaseFold(newNick)
	if oldFolded == irc.CaseFold(t.selfNick) {
		t.selfNick = newNick
	}
	for _, ch := range t.channels {
		if privs, ok := ch.Privs[oldFolded]; ok {
			delete(ch.Privs, oldFolded)
			ch.Privs[newFolded] = privs
		}
	}
}

// HandleJoin records a join with no privileges. A NAMES reply or MODE
// change fills privileges in later.
func (t *Tracker) HandleJoin(channel, nick string) {
	ch := t.channel(channel)
	folded := irc.CaseFold(nick)
	if _, ok := ch.Privs[folded]; !ok {
		ch.Privs[folded] = 0
	}
}

// HandlePart removes nick from channel. When the bot itself parts,
// the whole channel's state is discarded.
func (t *Tracker) HandlePart(channel, nick string) {
	t.remove(channel, nick)
}

// HandleKick removes the kicked target from channel, discarding the
// channel entirely when the bot itself was kicked.
func (t *Tracker) HandleKick(channel, target string) {
	t.remove(channel, target)
}

func (t *Tracker) remove(channel, nick string) {
	folded := irc.CaseFold(channel)
	if irc.CaseFold(nick) == irc.CaseFold(t.selfNick) {
		delete(t.channels, folded)
		return
	}
	if ch, ok := t.channels[folded]; ok {
		delete(ch.Privs, irc.CaseFold(nick))
	}
}

// HandleQuit removes nick from every channel.
func (t *Tracker) HandleQuit(nick string) {
	folded := irc.CaseFold(nick)
	for _, ch := range t.channels {
		delete(ch.Privs, folded)
	}
}
