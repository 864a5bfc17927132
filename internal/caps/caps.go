// Package caps implements IRCv3 capability negotiation state for
// plugin-registered capability requests. The bot registers requests
// before connecting, asks the Manager to request whatever the server
// advertises, feeds ACK/NAK lines back in, and sends CAP END once the
// Manager reports completion.
package caps

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrRequestTooLong is returned by Register when the encoded request
// exceeds 500 bytes. "CAP * ACK " takes 10 bytes of the 512-byte line
// budget, and a request that cannot be acknowledged on a single line
// cannot be matched back to its callback.
var ErrRequestTooLong = errors.New("caps: capability request too long")

// Outcome is what a request callback reports after an ACK or NAK.
type Outcome int

const (
	// Done means the plugin has finished handling the result.
	Done Outcome = iota
	// Continue means the plugin has follow-up work (authentication,
	// for example) and will call Resume when it finishes. A plugin
	// that never resumes stalls negotiation; the engine bounds this
	// with a deadline.
	Continue
)

// Callback is invoked when a request is acknowledged or denied.
// acknowledged carries the new polarity of the request.
type Callback func(acknowledged bool) Outcome

// Request is one plugin's capability request: a set of capability
// tokens negotiated atomically. A token prefixed "-" asks for the
// capability to be disabled; unprefixed tokens ask for it enabled.
type Request struct {
	Caps     []string
	Plugin   string
	Callback Callback
}

// key is the canonical form of a request tuple: sorted tokens joined
// by spaces, exactly the text sent after "CAP REQ :".
func key(tokens []string) string {
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

type pluginEntry struct {
	callback Callback
	done     bool
}

// Manager tracks every registered request tuple through the
// registered -> requested -> acknowledged/denied lifecycle.
// Acknowledged and denied are mutually exclusive but reversible: a
// later NAK flips a previously ACKed tuple, and vice versa.
//
// All methods are called from the single reader path during
// negotiation; the mutex exists for Resume, which asynchronous
// follow-up work may call from another goroutine.
type Manager struct {
	mu  sync.Mutex
	log *zap.Logger

	registered   map[string]map[string]*pluginEntry // tuple -> plugin -> entry
	tokens       map[string][]string                // tuple -> sorted tokens
	requested    map[string]bool
	acknowledged map[string]bool
	denied       map[string]bool
}

// NewManager returns an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:          logger,
		registered:   make(map[string]map[string]*pluginEntry),
		tokens:       make(map[string][]string),
		requested:    make(map[string]bool),
		acknowledged: make(map[string]bool),
		denied:       make(map[string]bool),
	}
}

// Register records a capability request for a plugin. Requests from
// several plugins for the same tuple share one CAP REQ; each plugin's
// callback is invoked on ACK/NAK.
func (m *Manager) Register(req Request) error {
	k := key(req.Caps)
	if len(k) > 500 {
		return ErrRequestTooLong
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.registered[k]
	if !ok {
		entries = make(map[string]*pluginEntry)
		m.registered[k] = entries
		sorted := make([]string, len(req.Caps))
		copy(sorted, req.Caps)
		sort.Strings(sorted)
		m.tokens[k] = sorted
	}
	entries[req.Plugin] = &pluginEntry{callback: req.Callback}
	m.log.Debug("capability request registered",
		zap.String("request", k), zap.String("plugin", req.Plugin))
	return nil
}

// RequestAvailable marks every satisfiable registered tuple as
// requested and returns the request texts to send, one "CAP REQ :"
// payload per tuple. A tuple is satisfiable when all its enable-tokens
// (stripped of a leading "-") are advertised. A multi-token request is
// atomic: it is ACKed or NAKed as a whole, never split.
func (m *Manager) RequestAvailable(advertised []string) []string {
	available := make(map[string]bool, len(advertised))
	for _, cap := range advertised {
		// Advertised capabilities may carry "=value" suffixes.
		name := cap
		if eq := strings.Index(name, "="); eq >= 0 {
			name = name[:eq]
		}
		available[name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var reqs []string
	for k, tokens := range m.tokens {
		satisfiable := true
		for _, token := range tokens {
			if !available[strings.TrimPrefix(token, "-")] {
				satisfiable = false
				break
			}
		}
		if !satisfiable {
			m.log.Debug("capability request not satisfiable", zap.String("request", k))
			continue
		}
		// Reset completion flags; a fresh negotiation phase starts.
		for _, entry := range m.registered[k] {
			entry.done = false
		}
		m.requested[k] = true
		reqs = append(reqs, k)
	}
	sort.Strings(reqs)
	return reqs
}

// Acknowledge moves a tuple to the acknowledged state and invokes its
// callbacks with acknowledged=true. It returns false when the tuple
// was never requested, which is ignored beyond a debug note.
func (m *Manager) Acknowledge(tokens []string) bool {
	return m.settle(tokens, true)
}

// Deny moves a tuple to the denied state and invokes its callbacks
// with acknowledged=false.
func (m *Manager) Deny(tokens []string) bool {
	return m.settle(tokens, false)
}

func (m *Manager) settle(tokens []string, acknowledged bool) bool {
	k := key(tokens)

	m.mu.Lock()
	if !m.requested[k] {
		m.mu.Unlock()
		m.log.Debug("CAP reply for a request never made", zap.String("request", k))
		return false
	}
	if acknowledged {
		m.acknowledged[k] = true
		delete(m.denied, k)
	} else {
		m.denied[k] = true
		delete(m.acknowledged, k)
	}
	type pending struct {
		plugin string
		entry  *pluginEntry
	}
	var callbacks []pending
	for plugin, entry := range m.registered[k] {
		callbacks = append(callbacks, pending{plugin, entry})
	}
	sort.Slice(callbacks, func(i, j int) bool { return callbacks[i].plugin < callbacks[j].plugin })
	m.mu.Unlock()

	// Callbacks run unlocked: they may send lines or call Resume.
	for _, p := range callbacks {
		outcome := Done
		if p.entry.callback != nil {
			outcome = p.entry.callback(acknowledged)
		}
		m.mu.Lock()
		p.entry.done = outcome == Done
		m.mu.Unlock()
	}
	return true
}

// Resume marks plugin's entry for the tuple as done, for plugins whose
// callback returned Continue. It reports whether negotiation was
// complete before the call and whether it is complete after.
func (m *Manager) Resume(tokens []string, plugin string) (wasComplete, isComplete bool) {
	k := key(tokens)

	m.mu.Lock()
	defer m.mu.Unlock()
	wasComplete = m.isCompleteLocked()
	if !m.requested[k] {
		return wasComplete, wasComplete
	}
	entry, ok := m.registered[k][plugin]
	if !ok {
		return wasComplete, wasComplete
	}
	entry.done = true
	return wasComplete, m.isCompleteLocked()
}

// IsComplete holds iff every requested tuple has every owning plugin
// marked done. The engine sends CAP END when this becomes true.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCompleteLocked()
}

func (m *Manager) isCompleteLocked() bool {
	for k := range m.requested {
		for _, entry := range m.registered[k] {
			if !entry.done {
				return false
			}
		}
	}
	return true
}

// IsAcknowledged reports whether a tuple is currently acknowledged.
func (m *Manager) IsAcknowledged(tokens []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledged[key(tokens)]
}

// IsDenied reports whether a tuple is currently denied.
func (m *Manager) IsDenied(tokens []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denied[key(tokens)]
}

// IsRequested reports whether a CAP REQ was sent for the tuple.
func (m *Manager) IsRequested(tokens []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested[key(tokens)]
}
