package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/sopel-irc/gopel/internal/irc"
	"github.com/sopel-irc/gopel/internal/rules"
)

// dispatch runs every matching handler for one inbound message, in
// priority order. It is the connection's read handler, so everything
// here runs on the reader goroutine except threaded handler bodies.
func (b *Bot) dispatch(msg *irc.Message) {
	text := msg.Trailing()
	admin := b.isAdmin(msg.Nick)
	blocked := b.blocked(msg.Nick, msg.Host)

	for _, pri := range rules.Priorities {
		for _, d := range b.registry.ByPriority(pri) {
			if !d.MatchesEvent(msg.Command) {
				continue
			}
			if blocked && !d.Unblockable && !admin {
				b.log.Debug("sender is blocked",
					zap.String("handler", d.Name),
					zap.String("nick", msg.Nick))
				continue
			}
			if !b.moduleAllowed(d, msg.Sender) {
				continue
			}
			if len(d.Intents) > 0 && !d.MatchesIntent(msg.CTCP) {
				continue
			}
			for _, p := range d.CompiledPatterns() {
				// Patterns fire only when they match from the very
				// first character of the text.
				loc := p.FindStringIndex(text)
				if loc == nil || loc[0] != 0 {
					continue
				}
				b.invoke(d, &rules.Trigger{
					Message: msg,
					Groups:  p.FindStringSubmatch(text),
					Admin:   admin,
				})
			}
		}
	}
}

// moduleAllowed applies per-channel module restrictions. Channels with
// no restriction list allow everything; core handlers are exempt.
func (b *Bot) moduleAllowed(d *rules.Descriptor, sender string) bool {
	if d.Unblockable || !isChannel(sender) {
		return true
	}
	allowed, restricted := b.cfg.ChannelModules[irc.CaseFold(sender)]
	if !restricted {
		return true
	}
	for _, name := range allowed {
		if name == d.Plugin {
			return true
		}
	}
	return false
}

func isChannel(name string) bool {
	return strings.HasPrefix(name, "#") || strings.HasPrefix(name, "&")
}

// invoke checks rate limits and runs one handler invocation, inline or
// on the worker pool.
func (b *Bot) invoke(d *rules.Descriptor, t *rules.Trigger) {
	nick := irc.CaseFold(t.Nick)
	channel := ""
	if isChannel(t.Sender) {
		channel = irc.CaseFold(t.Sender)
	}
	if !b.limiter.Allow(d, nick, channel, t.Admin) {
		b.log.Debug("rate limited",
			zap.String("handler", d.Name),
			zap.String("nick", t.Nick),
			zap.String("channel", channel))
		return
	}

	run := func() {
		defer b.recoverHandler(d, t)
		if d.Handler(b, t) != rules.NoLimit {
			b.limiter.Touch(d, nick, channel)
		}
	}
	if d.Threaded {
		b.pool.Submit(d.Name, func(context.Context) { run() })
	} else {
		run()
	}
}

// recoverHandler turns a handler panic into a log entry and a short
// in-channel report, keeping the reader path alive.
func (b *Bot) recoverHandler(d *rules.Descriptor, t *rules.Trigger) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	signature := fmt.Sprintf("%v at %s", r, panicSite(stack))
	b.log.Error("handler panicked",
		zap.String("handler", d.Name),
		zap.String("signature", signature),
		zap.ByteString("stack", stack))
	if t.Sender != "" {
		b.Say(t.Sender, "Unexpected error ("+signature+")")
	}
}

// panicSite extracts the panicking frame's file:line from a captured
// stack, so repeated panics from the same spot share one signature.
func panicSite(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "panic(") || i+3 >= len(lines) {
			continue
		}
		site := strings.TrimSpace(lines[i+3])
		if idx := strings.LastIndex(site, " +0x"); idx >= 0 {
			site = site[:idx]
		}
		if idx := strings.LastIndexByte(site, '/'); idx >= 0 {
			site = site[idx+1:]
		}
		return site
	}
	return "unknown"
}
