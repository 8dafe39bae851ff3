// Package framer reassembles decoded tokens into messages.
//
// Tokens are buffered as their wire text. Every literal end-of-message
// marker in the buffer closes a message: the text before it is normalised
// and written to the sink as one paragraph. The marker is matched as plain
// text, so a table entry whose text contained it would split messages; the
// code table refuses such entries.
package framer

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ojrdude/morsecode/morse"

	"github.com/zeebo/xxh3"
)

const (
	singleSpace = " "
	doubleSpace = "  "
	// DefaultPollInterval is how often Run drains the token queue.
	DefaultPollInterval = 10 * time.Millisecond
)

// Sink is the appendable, flushable destination for finished messages.
type Sink interface {
	io.Writer
	Flush() error
}

// Source is the token queue the framer drains.
type Source interface {
	TryPop() (morse.Token, bool)
}

// Message is one completed, normalised message.
type Message struct {
	Seq       uint64
	Text      string
	Completed time.Time
	Unknown   int    // unrecognised codes rendered as placeholders
	Digest    uint64 // xxh3 of Text
}

// Listener is told about every message after it reached the sink. It runs
// on the framer goroutine and must not block.
type Listener func(Message)

// TokenTap sees every token as it is accepted.
type TokenTap func(morse.Token)

// State is Idle while nothing is buffered and Accumulating otherwise.
type State uint8

const (
	StateIdle State = iota
	StateAccumulating
)

func (s State) String() string {
	if s == StateAccumulating {
		return "accumulating"
	}
	return "idle"
}

// Options configure a Framer.
type Options struct {
	PollInterval time.Duration
	Now          func() time.Time
}

// Framer owns the pending buffer. Accept and Run must be used from a single
// goroutine; listener registration is safe at any time.
type Framer struct {
	in           Source
	sink         Sink
	pollInterval time.Duration
	now          func() time.Time

	pending strings.Builder
	seq     uint64

	mu        sync.RWMutex
	listeners []Listener
	taps      []TokenTap

	written    atomic.Uint64
	writeFails atomic.Uint64
	skipped    atomic.Uint64
	accum      atomic.Bool
}

// New builds a framer reading from in and writing to sink.
func New(in Source, sink Sink, opts Options) *Framer {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Framer{
		in:           in,
		sink:         sink,
		pollInterval: poll,
		now:          now,
	}
}

// OnMessage registers a listener for completed messages.
func (f *Framer) OnMessage(l Listener) {
	if l == nil {
		return
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// OnToken registers a tap for raw tokens.
func (f *Framer) OnToken(tap TokenTap) {
	if tap == nil {
		return
	}
	f.mu.Lock()
	f.taps = append(f.taps, tap)
	f.mu.Unlock()
}

// Run drains the source every poll interval until ctx is cancelled. The
// partial message pending at cancellation is discarded.
func (f *Framer) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if f.pending.Len() > 0 {
				log.Printf("Framer: discarding unfinished message %q", strings.TrimSpace(f.pending.String()))
			}
			f.pending.Reset()
			f.accum.Store(false)
			return ctx.Err()
		case <-ticker.C:
			f.Poll()
		}
	}
}

// Poll drains every queued token and returns how many were handled.
func (f *Framer) Poll() int {
	if f.in == nil {
		return 0
	}
	n := 0
	for {
		tok, ok := f.in.TryPop()
		if !ok {
			return n
		}
		f.Accept(tok)
		n++
	}
}

// Accept buffers one token and writes any message it completes.
func (f *Framer) Accept(tok morse.Token) {
	f.mu.RLock()
	taps := f.taps
	f.mu.RUnlock()
	for _, tap := range taps {
		tap(tok)
	}

	f.pending.WriteString(tok.Wire())
	buf := f.pending.String()
	if !strings.Contains(buf, morse.EndOfMessageText) {
		f.accum.Store(strings.TrimSpace(buf) != "")
		return
	}

	segments := strings.Split(buf, morse.EndOfMessageText)
	for _, seg := range segments[:len(segments)-1] {
		f.finish(seg)
	}
	rest := segments[len(segments)-1]
	f.pending.Reset()
	f.pending.WriteString(rest)
	f.accum.Store(strings.TrimSpace(rest) != "")
}

func (f *Framer) finish(segment string) {
	text := NormalizeSpacing(segment)
	if text == "" {
		f.skipped.Add(1)
		return
	}
	if f.sink != nil {
		if _, err := io.WriteString(f.sink, text+"\n\n"); err != nil {
			f.writeFails.Add(1)
			log.Printf("Framer: write failed for %q: %v", text, err)
		} else if err := f.sink.Flush(); err != nil {
			f.writeFails.Add(1)
			log.Printf("Framer: flush failed: %v", err)
		}
	}
	f.seq++
	f.written.Add(1)
	msg := Message{
		Seq:       f.seq,
		Text:      text,
		Completed: f.now().UTC(),
		Unknown:   countUnknown(text),
		Digest:    xxh3.HashString(text),
	}
	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()
	for _, l := range listeners {
		l(msg)
	}
}

// NormalizeSpacing drops the single spaces between letters, turns each
// double space into one word separator and trims the ends.
func NormalizeSpacing(segment string) string {
	words := strings.Split(segment, doubleSpace)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, singleSpace, "")
		if w != "" {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, singleSpace)
}

func countUnknown(text string) int {
	return strings.Count(text, morse.UnknownMarker) / 2
}

// State reports whether a message is being accumulated. Safe from any goroutine.
func (f *Framer) State() State {
	if f.accum.Load() {
		return StateAccumulating
	}
	return StateIdle
}

// Pending returns the buffered wire text. Call it from the framer goroutine.
func (f *Framer) Pending() string {
	return f.pending.String()
}

// Messages is the number of messages framed, including any the sink rejected.
func (f *Framer) Messages() uint64 { return f.written.Load() }

// WriteFailures counts sink write or flush errors.
func (f *Framer) WriteFailures() uint64 { return f.writeFails.Load() }

// Skipped counts boundaries that closed an empty message.
func (f *Framer) Skipped() uint64 { return f.skipped.Load() }
