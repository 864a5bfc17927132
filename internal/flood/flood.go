// Package flood paces and filters outbound messages per recipient so
// the bot never trips server-side flood penalties, and suppresses
// reply loops with other bots.
package flood

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// historySize is how many recent sends are retained per
	// recipient.
	historySize = 10

	// loopWindow is how many of those are inspected for loops, and
	// loopThreshold how many identical texts within them trigger
	// suppression.
	loopWindow    = 8
	loopThreshold = 5

	// loopAge bounds the loop check: repeats older than this are
	// benign.
	loopAge = 120 * time.Second

	// placeholder replaces a looping message. After its own budget
	// is spent the send is dropped entirely.
	placeholder       = "..."
	placeholderBudget = 3

	// burstWindow is the quiet period after which a send goes out
	// unpaced.
	burstWindow = 3 * time.Second

	// splitBudget is the byte budget per fragment; longer texts are
	// split at the last whitespace before it.
	splitBudget = 400
)

// LineWriter is the sink for paced writes. *irc.Conn satisfies it.
type LineWriter interface {
	Write(args []string, trailing string) error
}

type sendRecord struct {
	at   time.Time
	text string
}

type history struct {
	mu    sync.Mutex
	sends []sendRecord
}

// Writer applies per-recipient pacing, loop suppression and
// fragmentation in front of a LineWriter.
type Writer struct {
	out LineWriter
	log *zap.Logger

	mu         sync.Mutex
	recipients map[string]*history

	// Replaceable in tests.
	now   func() time.Time
	sleep func(time.Duration)

	// CaseFold canonicalizes recipient identity; defaults to the
	// identity function when nil.
	fold func(string) string
}

// NewWriter wraps out. fold canonicalizes recipient names so "#Chan"
// and "#chan" share one history.
func NewWriter(out LineWriter, fold func(string) string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fold == nil {
		fold = func(s string) string { return s }
	}
	return &Writer{
		out:        out,
		log:        logger,
		recipients: make(map[string]*history),
		now:        time.Now,
		sleep:      time.Sleep,
		fold:       fold,
	}
}

// Say sends text to recipient as PRIVMSG, splitting into at most
// maxMessages fragments. Each fragment passes through pacing and loop
// suppression independently.
func (w *Writer) Say(recipient, text string, maxMessages int) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	// Fragmentation is an explicit loop emitting an ordered sequence:
	// split at the last whitespace before the budget, carry the rest.
	for i := 0; i < maxMessages && text != ""; i++ {
		fragment := text
		text = ""
		if i < maxMessages-1 && len(fragment) > splitBudget {
			cut := strings.LastIndex(fragment[:splitBudget], " ")
			if cut <= 0 {
				cut = splitBudget
				text = fragment[cut:]
			} else {
				text = fragment[cut+1:]
			}
			fragment = fragment[:cut]
		}
		w.send(recipient, fragment)
	}
}

// Notice sends an IRC NOTICE. Notices skip the history: they are rare
// and mostly directed at single users.
func (w *Writer) Notice(recipient, text string) {
	w.out.Write([]string{"NOTICE", recipient}, text)
}

// Action sends a CTCP ACTION ("/me") through the normal pacing path.
func (w *Writer) Action(recipient, text string) {
	w.Say(recipient, "\x01ACTION "+text+"\x01", 1)
}

// Reply addresses text to replyTo inside dest.
func (w *Writer) Reply(text, dest, replyTo string) {
	w.Say(dest, replyTo+": "+text, 1)
}

func (w *Writer) historyFor(recipient string) *history {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := w.fold(recipient)
	h, ok := w.recipients[key]
	if !ok {
		h = &history{}
		w.recipients[key] = h
	}
	return h
}

// send applies pacing and loop suppression for a single fragment, then
// writes it. The per-recipient lock is held across the sleep so sends
// to one recipient stay ordered; other recipients are unaffected.
func (w *Writer) send(recipient, text string) {
	h := w.historyFor(recipient)
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.sends); n > 0 {
		elapsed := w.now().Sub(h.sends[n-1].at)
		if elapsed < burstWindow {
			// Pace: 0.7s base plus a length penalty for long
			// fragments.
			penalty := time.Duration(max(0, len(text)-50)) * time.Second / 70
			wait := 700*time.Millisecond + penalty
			if elapsed < wait {
				w.sleep(wait - elapsed)
			}
		}

		// Loop suppression over the recent window, independent of
		// pacing: repeats count for loopAge however they are spaced.
		window := h.sends
		if len(window) > loopWindow {
			window = window[len(window)-loopWindow:]
		}
		if countRecent(window, text, w.now(), loopAge) >= loopThreshold {
			w.log.Debug("suppressing repeated send",
				zap.String("recipient", recipient))
			text = placeholder
			if countRecent(window, placeholder, w.now(), loopAge) >= placeholderBudget {
				// The placeholder itself is looping; drop the send
				// entirely.
				return
			}
		}
	}

	w.out.Write([]string{"PRIVMSG", recipient}, text)
	h.sends = append(h.sends, sendRecord{at: w.now(), text: text})
	if len(h.sends) > historySize {
		h.sends = h.sends[len(h.sends)-historySize:]
	}
}

// countRecent counts occurrences of text in window that happened
// within maxAge of now.
func countRecent(window []sendRecord, text string, now time.Time, maxAge time.Duration) int {
	n := 0
	for _, rec := range window {
		if rec.text == text && now.Sub(rec.at) < maxAge {
			n++
		}
	}
	return n
}
