package bot

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sopel-irc/gopel/internal/caps"
	"github.com/sopel-irc/gopel/internal/irc"
	"github.com/sopel-irc/gopel/internal/rules"
)

// maxJoinAttempts bounds how often a refused channel join is retried.
const maxJoinAttempts = 10

var versionIntent = regexp.MustCompile(`VERSION`)

// registerCoreTasks installs the protocol bookkeeping handlers. They
// run unblockable at high priority and never count against rate
// limits.
func (b *Bot) registerCoreTasks() error {
	core := []*rules.Descriptor{
		{Name: "welcome", Events: []string{"001", "251"}, Handler: b.onWelcome},
		{Name: "cap", Events: []string{"CAP"}, Handler: b.onCap},
		{Name: "authenticate", Events: []string{"AUTHENTICATE"}, Handler: b.onAuthenticate},
		{Name: "sasl-result", Events: []string{"903", "904", "905", "906", "907"}, Handler: b.onSASLResult},
		{Name: "names", Events: []string{"353"}, Handler: b.onNames},
		{Name: "mode", Events: []string{"MODE"}, Handler: b.onMode},
		{Name: "nick", Events: []string{"NICK"}, Handler: b.onNick},
		{Name: "join", Events: []string{"JOIN"}, Handler: b.onJoin},
		{Name: "part", Events: []string{"PART"}, Handler: b.onPart},
		{Name: "kick", Events: []string{"KICK"}, Handler: b.onKick},
		{Name: "quit", Events: []string{"QUIT"}, Handler: b.onQuit},
		{Name: "join-refused", Events: []string{"477"}, Threaded: true, Handler: b.onJoinRefused},
		{Name: "ctcp-version", Events: []string{"PRIVMSG"}, Intents: []*regexp.Regexp{versionIntent}, Handler: b.onCTCPVersion},
	}
	for _, d := range core {
		d.Plugin = "coretasks"
		d.Priority = rules.High
		d.Unblockable = true
		if err := b.registry.Register(d); err != nil {
			return err
		}
	}
	return b.registry.Register(&rules.Descriptor{
		Plugin:   "coretasks",
		Commands: []string{"blocks"},
		Handler:  b.cmdBlocks,
	})
}

// onWelcome fires on the first registration numeric: identify to
// services, set user modes and join the configured channels.
func (b *Bot) onWelcome(r rules.Responder, t *rules.Trigger) int {
	if b.welcomed {
		return rules.NoLimit
	}
	b.welcomed = true

	if b.cfg.NickServPass != "" && b.cfg.SASLPassword == "" {
		r.Say("NickServ", "IDENTIFY "+b.cfg.NickServPass)
	}
	if b.cfg.Modes != "" {
		r.WriteLine("MODE", b.conn.CurrentNick(), "+"+b.cfg.Modes)
	}
	for _, channel := range b.cfg.Channels {
		r.WriteLine("JOIN", channel)
	}
	return rules.NoLimit
}

// onCap drives capability negotiation: request what the server
// advertises, feed ACK and NAK back to the manager, and send CAP END
// once every request has settled.
func (b *Bot) onCap(r rules.Responder, t *rules.Trigger) int {
	if len(t.Params) < 3 {
		return rules.NoLimit
	}
	tokens := strings.Fields(t.Trailing())
	switch t.Params[1] {
	case "LS":
		// A multi-line listing marks continuation with "*" before
		// the token list.
		if len(t.Params) >= 4 && t.Params[2] == "*" {
			b.capLSBuf = append(b.capLSBuf, tokens...)
			return rules.NoLimit
		}
		advertised := append(b.capLSBuf, tokens...)
		b.capLSBuf = nil
		for _, request := range b.caps.RequestAvailable(advertised) {
			r.Write([]string{"CAP", "REQ"}, request)
		}
		if b.caps.IsComplete() {
			b.endNegotiation()
		}
	case "ACK":
		if b.caps.Acknowledge(tokens) && b.caps.IsComplete() {
			b.endNegotiation()
		}
	case "NAK":
		if b.caps.Deny(tokens) && b.caps.IsComplete() {
			b.endNegotiation()
		}
	}
	return rules.NoLimit
}

// onSASLCapability is the callback for the sasl capability request.
// Acknowledgement starts PLAIN authentication; negotiation stays open
// until a result numeric resumes it.
func (b *Bot) onSASLCapability(acknowledged bool) caps.Outcome {
	if !acknowledged {
		b.log.Warn("server refused sasl capability, not authenticating")
		return caps.Done
	}
	b.conn.WriteLine("AUTHENTICATE", "PLAIN")
	return caps.Continue
}

func (b *Bot) onAuthenticate(r rules.Responder, t *rules.Trigger) int {
	if t.Trailing() != "+" || b.cfg.SASLPassword == "" {
		return rules.NoLimit
	}
	identity := b.cfg.SASLUsername
	payload := identity + "\x00" + identity + "\x00" + b.cfg.SASLPassword
	r.WriteLine("AUTHENTICATE", base64.StdEncoding.EncodeToString([]byte(payload)))
	return rules.NoLimit
}

func (b *Bot) onSASLResult(r rules.Responder, t *rules.Trigger) int {
	if t.Command == "903" {
		b.log.Info("sasl authentication succeeded")
	} else {
		b.log.Error("sasl authentication failed",
			zap.String("numeric", t.Command),
			zap.String("detail", t.Trailing()))
	}
	b.ResumeCapability([]string{"sasl"}, "coretasks")
	return rules.NoLimit
}

// onNames seeds privilege tracking from a NAMES reply. The channel is
// the first channel-looking middle parameter; some servers omit the
// visibility symbol before it.
func (b *Bot) onNames(r rules.Responder, t *rules.Trigger) int {
	if len(t.Params) < 2 {
		return rules.NoLimit
	}
	for _, p := range t.Params[1 : len(t.Params)-1] {
		if isChannel(p) {
			b.tracker.HandleNames(p, t.Trailing())
			break
		}
	}
	return rules.NoLimit
}

func (b *Bot) onMode(r rules.Responder, t *rules.Trigger) int {
	if len(t.Params) >= 2 {
		b.tracker.HandleMode(t.Params[0], t.Params[1], t.Params[2:])
	}
	return rules.NoLimit
}

func (b *Bot) onNick(r rules.Responder, t *rules.Trigger) int {
	newNick := t.Trailing()
	if newNick == "" {
		return rules.NoLimit
	}
	b.tracker.HandleNick(t.Nick, newNick)
	if irc.CaseFold(t.Nick) == irc.CaseFold(b.conn.CurrentNick()) {
		b.conn.SetNick(newNick)
	}
	return rules.NoLimit
}

func (b *Bot) onJoin(r rules.Responder, t *rules.Trigger) int {
	channel := t.Trailing()
	if channel == "" {
		return rules.NoLimit
	}
	b.tracker.HandleJoin(channel, t.Nick)
	if irc.CaseFold(t.Nick) == irc.CaseFold(b.conn.CurrentNick()) {
		b.log.Info("joined channel", zap.String("channel", channel))
	}
	return rules.NoLimit
}

func (b *Bot) onPart(r rules.Responder, t *rules.Trigger) int {
	if len(t.Params) >= 1 {
		b.tracker.HandlePart(t.Params[0], t.Nick)
	}
	return rules.NoLimit
}

func (b *Bot) onKick(r rules.Responder, t *rules.Trigger) int {
	if len(t.Params) >= 2 {
		b.tracker.HandleKick(t.Params[0], t.Params[1])
	}
	return rules.NoLimit
}

func (b *Bot) onQuit(r rules.Responder, t *rules.Trigger) int {
	b.tracker.HandleQuit(t.Nick)
	return rules.NoLimit
}

// onJoinRefused retries a join the server turned down with "you need a
// registered nick", which services lift shortly after identification.
// It runs threaded so the backoff sleep never stalls the reader.
func (b *Bot) onJoinRefused(r rules.Responder, t *rules.Trigger) int {
	if len(t.Params) < 2 {
		return rules.NoLimit
	}
	channel := t.Params[1]

	b.mu.Lock()
	tries := b.joinTries[channel]
	b.joinTries[channel] = tries + 1
	b.mu.Unlock()
	if tries >= maxJoinAttempts {
		b.log.Warn("giving up on channel", zap.String("channel", channel))
		return rules.NoLimit
	}

	select {
	case <-time.After(b.joinDelay):
	case <-b.stop:
		return rules.NoLimit
	}
	r.WriteLine("JOIN", channel)
	return rules.NoLimit
}

func (b *Bot) onCTCPVersion(r rules.Responder, t *rules.Trigger) int {
	r.Write([]string{"NOTICE", t.Nick}, "\x01VERSION gopel "+Version+"\x01")
	return rules.NoLimit
}

// cmdBlocks manages the runtime blocklists: "blocks list nick",
// "blocks add hostmask <pattern>", "blocks del nick <pattern>". Admin
// only; changes apply immediately but are not persisted.
func (b *Bot) cmdBlocks(r rules.Responder, t *rules.Trigger) int {
	if !t.Admin {
		return rules.NoLimit
	}
	usage := "Usage: " + b.registry.Prefix() + "blocks <list|add|del> <nick|hostmask> [pattern]"
	args := strings.Fields(t.Group(2))
	if len(args) < 2 || (args[0] != "list" && len(args) < 3) {
		r.Reply(usage, t.Sender, t.Nick)
		return rules.NoLimit
	}

	kind := args[1]
	if kind != "nick" && kind != "hostmask" {
		r.Reply(usage, t.Sender, t.Nick)
		return rules.NoLimit
	}
	src := &b.nickBlockSrc
	compiled := &b.nickBlocks
	if kind == "hostmask" {
		src = &b.hostBlockSrc
		compiled = &b.hostBlocks
	}

	switch args[0] {
	case "list":
		if len(*src) == 0 {
			r.Reply("No "+kind+" blocks.", t.Sender, t.Nick)
		} else {
			r.Reply(strings.Join(*src, ", "), t.Sender, t.Nick)
		}
	case "add":
		pattern := args[2]
		re, err := regexp.Compile(pattern)
		if err != nil {
			r.Reply("Invalid pattern: "+err.Error(), t.Sender, t.Nick)
			return rules.NoLimit
		}
		*src = append(*src, pattern)
		*compiled = append(*compiled, re)
		r.Reply("Blocked "+kind+" "+pattern+".", t.Sender, t.Nick)
	case "del":
		pattern := args[2]
		found := false
		for i, existing := range *src {
			if existing == pattern {
				*src = append((*src)[:i], (*src)[i+1:]...)
				*compiled = append((*compiled)[:i], (*compiled)[i+1:]...)
				found = true
				break
			}
		}
		if found {
			r.Reply("Unblocked "+kind+" "+pattern+".", t.Sender, t.Nick)
		} else {
			r.Reply("No matching block.", t.Sender, t.Nick)
		}
	default:
		r.Reply(usage, t.Sender, t.Nick)
	}
	return rules.NoLimit
}
