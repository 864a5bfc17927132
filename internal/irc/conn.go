package irc

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// Errors that terminate a connection. Both are fatal by design: the
// process exits and an external supervisor decides whether to restart.
var (
	ErrNickInUse = errors.New("irc: nickname already in use")
	ErrTimeout   = errors.New("irc: ping timeout")
)

// maxLineLen is the RFC 2812 limit: 512 bytes including "\r\n", so 510
// usable bytes of content. Oversized content is silently cut; callers
// that need to send more must pre-split.
const maxLineLen = 510

// Config describes a single server connection.
type Config struct {
	Server    string // host:port
	Nick      string
	UseTLS    bool
	VerifyTLS bool
	Timeout   time.Duration // liveness watchdog; zero disables it
}

// Handler receives each inbound message on the reader path. A handler
// blocks further message processing until it returns.
type Handler func(msg *Message)

// Conn owns the TCP or TLS socket, frames inbound bytes into lines and
// serializes outbound writes. PING is answered synchronously on the
// read path, bypassing ordinary dispatch; a nick-collision numeric
// closes the connection immediately.
type Conn struct {
	cfg Config
	log *zap.Logger

	sock   net.Conn
	reader *bufio.Reader

	// writeMu guarantees at most one in-flight write, so partial
	// lines never interleave.
	writeMu sync.Mutex

	mu        sync.Mutex
	nick      string
	lastRead  time.Time
	lastWrite time.Time
	fatal     error
	quitting  bool

	hooks []func()

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to cfg.Server, with TLS when configured.
func Dial(cfg Config, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sock net.Conn
	var err error
	if cfg.UseTLS {
		sock, err = tls.Dial("tcp", cfg.Server, &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLS,
		})
	} else {
		sock, err = net.Dial("tcp", cfg.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Server, err)
	}
	return NewConn(cfg, sock, logger), nil
}

// NewConn wraps an established socket. Used directly by tests.
func NewConn(cfg Config, sock net.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Conn{
		cfg:       cfg,
		log:       logger,
		sock:      sock,
		reader:    bufio.NewReader(sock),
		nick:      cfg.Nick,
		lastRead:  now,
		lastWrite: now,
		closed:    make(chan struct{}),
	}
}

// CurrentNick returns the nickname the server knows us by.
func (c *Conn) CurrentNick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// SetNick records a nickname change acknowledged by the server.
func (c *Conn) SetNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// OnShutdown registers a hook to run when the connection closes. Hooks
// run in registration order, before the socket is released.
func (c *Conn) OnShutdown(hook func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Run blocks reading the socket, framing lines and invoking handler
// for each parsed message. It returns nil after an intentional Quit
// and the fatal error otherwise.
func (c *Conn) Run(handler Handler) error {
	if c.cfg.Timeout > 0 {
		go c.watchdog()
		go c.keepalive()
	}
	for {
		raw, err := c.reader.ReadBytes('\n')
		if err != nil {
			return c.finish(err)
		}
		raw = trimLineEnding(raw)

		line, ok := decodeLine(raw)
		if !ok {
			// Undecodable bytes drop a single line; the
			// connection continues.
			c.log.Debug("dropping undecodable line", zap.Int("bytes", len(raw)))
			continue
		}
		if line == "" {
			continue
		}
		c.log.Debug("<<", zap.String("line", line))

		c.mu.Lock()
		c.lastRead = time.Now()
		c.mu.Unlock()

		msg := ParseMessage(c.CurrentNick(), line)
		switch msg.Command {
		case "PING":
			// Answered on the read path so liveness never waits
			// behind dispatch.
			c.Write([]string{"PONG"}, msg.Trailing())
			continue
		case "ERROR":
			c.log.Error("server error", zap.String("message", msg.Trailing()))
			if c.isQuitting() {
				return c.finish(nil)
			}
			continue
		case "433":
			// Nick collision is fatal; there is no auto-rename.
			c.log.Error("nickname already in use", zap.String("nick", c.CurrentNick()))
			c.fail(ErrNickInUse)
			return ErrNickInUse
		}
		handler(msg)
	}
}

// WriteLine sends a single command line with no trailing parameter.
func (c *Conn) WriteLine(args ...string) error {
	return c.write(args, "", false)
}

// Write sends a command line with a trailing parameter. The trailing
// text may contain spaces; it is introduced with " :".
func (c *Conn) Write(args []string, trailing string) error {
	return c.write(args, trailing, true)
}

func (c *Conn) write(args []string, trailing string, hasTrailing bool) error {
	safe := make([]string, len(args))
	for i, arg := range args {
		safe[i] = stripNewlines(arg)
	}
	line := strings.Join(safe, " ")
	if hasTrailing {
		line += " :" + stripNewlines(trailing)
	}
	if len(line) > maxLineLen {
		line = line[:maxLineLen]
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.log.Debug(">>", zap.String("line", line))
	if _, err := c.sock.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	c.mu.Lock()
	c.lastWrite = time.Now()
	c.mu.Unlock()
	return nil
}

// Quit sends QUIT and marks the close as intentional, so Run returns
// nil when the server drops the link.
func (c *Conn) Quit(message string) {
	c.mu.Lock()
	c.quitting = true
	c.mu.Unlock()
	c.Write([]string{"QUIT"}, message)
}

// Close runs the shutdown hooks and releases the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()
		for _, hook := range hooks {
			hook()
		}
		close(c.closed)
		err = c.sock.Close()
	})
	return err
}

func (c *Conn) isQuitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quitting
}

// fail records the first fatal error and severs the connection.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
	c.Close()
}

// finish resolves what Run should return once the read loop stops.
func (c *Conn) finish(readErr error) error {
	c.mu.Lock()
	fatal := c.fatal
	quitting := c.quitting
	c.mu.Unlock()
	c.Close()
	if fatal != nil {
		return fatal
	}
	if quitting || readErr == nil {
		return nil
	}
	return fmt.Errorf("connection lost: %w", readErr)
}

// watchdog severs the connection when nothing has been read for the
// configured timeout.
func (c *Conn) watchdog() {
	ticker := time.NewTicker(c.cfg.Timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastRead)
			c.mu.Unlock()
			if idle > c.cfg.Timeout {
				c.log.Warn("ping timeout, closing connection",
					zap.Duration("idle", idle),
					zap.Duration("timeout", c.cfg.Timeout))
				c.fail(ErrTimeout)
				return
			}
		}
	}
}

// keepalive sends an unsolicited PING once half the timeout has passed
// with no outbound traffic, to provoke liveness detection.
func (c *Conn) keepalive() {
	interval := c.cfg.Timeout / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			quiet := time.Since(c.lastWrite)
			c.mu.Unlock()
			if quiet > c.cfg.Timeout/2 {
				host := c.cfg.Server
				if idx := strings.LastIndex(host, ":"); idx > 0 {
					host = host[:idx]
				}
				c.WriteLine("PING", host)
			}
		}
	}
}

func stripNewlines(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

func trimLineEnding(raw []byte) []byte {
	if n := len(raw); n > 0 && raw[n-1] == '\n' {
		raw = raw[:n-1]
	}
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	return raw
}

// decodeLine attempts UTF-8 first, then cp1252, then latin-1. A line
// that survives none of them is dropped by the caller.
func decodeLine(raw []byte) (string, bool) {
	if utf8.Valid(raw) {
		return string(raw), true
	}
	if decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw); err == nil {
		return string(decoded), true
	}
	if decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw); err == nil {
		return string(decoded), true
	}
	return "", false
}
