// Package bot wires the connection, capability negotiation, channel
// tracking, handler dispatch and outbound pacing into one engine.
// Plugins register descriptors and capability requests before Connect;
// after that the engine owns the reader path.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sopel-irc/gopel/internal/caps"
	"github.com/sopel-irc/gopel/internal/config"
	"github.com/sopel-irc/gopel/internal/flood"
	"github.com/sopel-irc/gopel/internal/irc"
	"github.com/sopel-irc/gopel/internal/rules"
	"github.com/sopel-irc/gopel/internal/store"
	"github.com/sopel-irc/gopel/internal/track"
)

// Version is reported in CTCP VERSION replies.
const Version = "0.1.0"

var errNotConnected = errors.New("bot: not connected")

// connection is the part of *irc.Conn the engine uses. Tests swap in
// a recording fake.
type connection interface {
	Run(handler irc.Handler) error
	Write(args []string, trailing string) error
	WriteLine(args ...string) error
	CurrentNick() string
	SetNick(nick string)
	OnShutdown(hook func())
	Quit(message string)
	Close() error
}

// Bot is the engine. One Bot owns one connection lifecycle.
type Bot struct {
	cfg *config.Config
	log *zap.Logger

	conn     connection
	caps     *caps.Manager
	tracker  *track.Tracker
	registry *rules.Registry
	limiter  *rules.Limiter
	pool     *rules.Pool
	out      *flood.Writer
	db       *store.DB

	admins map[string]bool

	// Blocklists are read during dispatch and mutated by the blocks
	// admin command, which runs inline. Both happen on the reader
	// goroutine, so no lock guards them.
	nickBlocks   []*regexp.Regexp
	nickBlockSrc []string
	hostBlocks   []*regexp.Regexp
	hostBlockSrc []string

	// mu guards the fields below, which threaded handlers and the
	// negotiation deadline timer touch off the reader path.
	mu        sync.Mutex
	capEnded  bool
	capTimer  *time.Timer
	joinTries map[string]int

	capLSBuf  []string
	welcomed  bool
	joinDelay time.Duration

	hooks []func()

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Bot from a validated configuration. The database is
// opened and core handlers are registered; the network is not touched
// until Connect.
func New(cfg *config.Config, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:       cfg,
		log:       logger,
		caps:      caps.NewManager(logger),
		tracker:   track.New(cfg.Nick),
		registry:  rules.NewRegistry(cfg.Prefix),
		limiter:   rules.NewLimiter(),
		pool:      rules.NewPool(int64(cfg.MaxWorkers), logger),
		db:        db,
		admins:    make(map[string]bool),
		joinTries: make(map[string]int),
		joinDelay: 6 * time.Second,
		stop:      make(chan struct{}),
	}
	b.out = flood.NewWriter(connSink{b}, irc.CaseFold, logger)

	for _, nick := range cfg.Admins {
		b.admins[irc.CaseFold(nick)] = true
	}
	if b.nickBlocks, err = compileBlocks(cfg.NickBlocks); err != nil {
		return nil, fmt.Errorf("config: bad nick block: %w", err)
	}
	b.nickBlockSrc = append(b.nickBlockSrc, cfg.NickBlocks...)
	if b.hostBlocks, err = compileBlocks(cfg.HostBlocks); err != nil {
		return nil, fmt.Errorf("config: bad host block: %w", err)
	}
	b.hostBlockSrc = append(b.hostBlockSrc, cfg.HostBlocks...)

	if err := b.registerCoreTasks(); err != nil {
		return nil, err
	}
	if cfg.SASLPassword != "" {
		err := b.caps.Register(caps.Request{
			Caps:     []string{"sasl"},
			Plugin:   "coretasks",
			Callback: b.onSASLCapability,
		})
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// connSink binds the flood writer to whatever connection Connect
// produces.
type connSink struct{ b *Bot }

func (s connSink) Write(args []string, trailing string) error {
	if s.b.conn == nil {
		return errNotConnected
	}
	return s.b.conn.Write(args, trailing)
}

func compileBlocks(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Register adds a handler descriptor. Call before Connect.
func (b *Bot) Register(d *rules.Descriptor) error {
	return b.registry.Register(d)
}

// RegisterCapability records a capability request to negotiate on the
// next connection. Call before Connect.
func (b *Bot) RegisterCapability(req caps.Request) error {
	return b.caps.Register(req)
}

// ResumeCapability is called by a plugin whose capability callback
// returned Continue, once its follow-up work is done. If that was the
// last outstanding request, negotiation ends.
func (b *Bot) ResumeCapability(tokens []string, plugin string) {
	wasComplete, isComplete := b.caps.Resume(tokens, plugin)
	if !wasComplete && isComplete {
		b.endNegotiation()
	}
}

// OnShutdown registers a hook run once, in registration order, when
// the engine shuts down. Call before Connect.
func (b *Bot) OnShutdown(hook func()) {
	b.hooks = append(b.hooks, hook)
}

// DB exposes the key-value store to plugins.
func (b *Bot) DB() *store.DB {
	return b.db
}

// Connect dials the configured server and sends the registration
// handshake. Run must follow to process traffic.
func (b *Bot) Connect() error {
	conn, err := irc.Dial(irc.Config{
		Server:    b.cfg.Addr(),
		Nick:      b.cfg.Nick,
		UseTLS:    b.cfg.UseTLS,
		VerifyTLS: b.cfg.VerifyTLS,
		Timeout:   b.cfg.Timeout,
	}, b.log)
	if err != nil {
		return err
	}
	b.conn = conn
	b.log.Info("connected", zap.String("server", b.cfg.Addr()))
	b.sendHandshake()
	return nil
}

// sendHandshake opens capability negotiation and registers the
// nickname. CAP LS goes first so the server holds registration until
// CAP END.
func (b *Bot) sendHandshake() {
	b.conn.WriteLine("CAP", "LS", "302")
	b.armCapDeadline()
	if b.cfg.ServerPass != "" {
		b.conn.WriteLine("PASS", b.cfg.ServerPass)
	}
	b.conn.WriteLine("NICK", b.cfg.Nick)
	b.conn.Write([]string{"USER", b.cfg.Username, "0", "*"}, b.cfg.RealName)
}

// Run processes inbound traffic until the connection ends, then shuts
// down the worker pool and the database.
func (b *Bot) Run() error {
	defer b.shutdown()
	return b.conn.Run(b.dispatch)
}

// Quit announces a clean disconnect. The read loop then winds down and
// Run returns nil.
func (b *Bot) Quit(message string) {
	if b.conn != nil {
		b.conn.Quit(message)
	}
}

// Close tears the engine down without a protocol goodbye.
func (b *Bot) Close() error {
	b.shutdown()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bot) shutdown() {
	b.stopOnce.Do(func() {
		close(b.stop)
		for _, hook := range b.hooks {
			hook()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.pool.Shutdown(ctx); err != nil {
			b.log.Warn("worker pool did not drain", zap.Error(err))
		}
		if err := b.db.Close(); err != nil {
			b.log.Warn("failed to close database", zap.Error(err))
		}
	})
}

// armCapDeadline bounds negotiation: a plugin that never resumes, or a
// server that never answers a REQ, cannot hold registration hostage.
func (b *Bot) armCapDeadline() {
	timer := time.AfterFunc(b.cfg.CapDeadline, func() {
		b.mu.Lock()
		ended := b.capEnded
		b.mu.Unlock()
		if ended {
			return
		}
		b.log.Warn("capability negotiation deadline reached, forcing CAP END")
		b.endNegotiation()
	})
	b.mu.Lock()
	b.capTimer = timer
	b.mu.Unlock()
}

// endNegotiation sends CAP END exactly once.
func (b *Bot) endNegotiation() {
	b.mu.Lock()
	if b.capEnded {
		b.mu.Unlock()
		return
	}
	b.capEnded = true
	timer := b.capTimer
	b.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	b.conn.WriteLine("CAP", "END")
}

func (b *Bot) isAdmin(nick string) bool {
	return b.admins[irc.CaseFold(nick)]
}

// blocked reports whether the sender matches a nick or host block.
func (b *Bot) blocked(nick, host string) bool {
	if nick == "" {
		return false
	}
	folded := irc.CaseFold(nick)
	for _, re := range b.nickBlocks {
		if re.MatchString(folded) {
			return true
		}
	}
	if host != "" {
		lowered := strings.ToLower(host)
		for _, re := range b.hostBlocks {
			if re.MatchString(lowered) {
				return true
			}
		}
	}
	return false
}

// Say sends text to a nick or channel through the flood writer.
func (b *Bot) Say(recipient, text string) {
	b.out.Say(recipient, text, 1)
}

// SayMax is Say with an explicit fragment budget for long texts.
func (b *Bot) SayMax(recipient, text string, maxMessages int) {
	b.out.Say(recipient, text, maxMessages)
}

// Notice sends a NOTICE, unpaced.
func (b *Bot) Notice(recipient, text string) {
	b.out.Notice(recipient, text)
}

// Action sends a CTCP ACTION ("/me") to a nick or channel.
func (b *Bot) Action(recipient, text string) {
	b.out.Action(recipient, text)
}

// Reply addresses replyTo by name in dest.
func (b *Bot) Reply(text, dest, replyTo string) {
	b.out.Reply(text, dest, replyTo)
}

// Write sends one raw line with a trailing parameter, bypassing the
// flood writer.
func (b *Bot) Write(args []string, trailing string) error {
	if b.conn == nil {
		return errNotConnected
	}
	return b.conn.Write(args, trailing)
}

// WriteLine sends one raw line, bypassing the flood writer.
func (b *Bot) WriteLine(args ...string) error {
	if b.conn == nil {
		return errNotConnected
	}
	return b.conn.WriteLine(args...)
}

// Privileges returns the privilege bitmask of nick on channel.
func (b *Bot) Privileges(channel, nick string) int {
	return b.tracker.Privileges(channel, nick)
}
