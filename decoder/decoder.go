// Package decoder turns a sampled on/off key into Morse tokens.
//
// The decoder polls its Source at a fixed short interval, times each level
// change, classifies the mark or space that just ended against the Timing
// thresholds and pushes tokens, in order, onto a TokenSink. It never blocks
// on the consumer.
package decoder

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/ojrdude/morsecode/morse"
)

// ErrNoSource is returned by Run when the decoder was built without a Source.
var ErrNoSource = errors.New("decoder: no key source")

// Source is the key being decoded. Level must return immediately.
type Source interface {
	Level() bool
}

// TokenSink receives decoded tokens. Push must not block.
type TokenSink interface {
	Push(morse.Token)
}

// State is the decoder's view of the key.
type State uint8

const (
	// StateIdle is silence with nothing pending: no letter in progress and
	// any message boundary already signalled.
	StateIdle State = iota
	// StateMark is the key held down.
	StateMark
	// StateSpace is silence that may still end a letter, word or message.
	StateSpace
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMark:
		return "mark"
	case StateSpace:
		return "space"
	default:
		return "unknown"
	}
}

// Options tune a Decoder beyond its Timing.
type Options struct {
	// Now replaces time.Now, for compressed-clock tests.
	Now func() time.Time
	// MaxSymbols caps the symbol buffer; zero means twice the longest code.
	MaxSymbols int
}

// Decoder is the polling state machine. Step is not safe for concurrent
// use; Run drives it from a single goroutine.
type Decoder struct {
	source     Source
	table      *morse.Table
	out        TokenSink
	timing     Timing
	thresholds Thresholds
	now        func() time.Time
	maxSymbols int

	level       bool
	lastChange  time.Time
	symbols     []byte
	messageOpen bool // letters emitted since the last boundary
	overflowed  bool // a full buffer was flushed during the current letter
	silenceDone bool // long-silence handling ran for this silence episode

	emitted atomic.Uint64
	state32 atomic.Uint32
	pending atomic.Pointer[string]
}

// New builds a decoder. The table defaults to morse.DefaultTable.
func New(source Source, table *morse.Table, out TokenSink, timing Timing, opts Options) (*Decoder, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		table = morse.DefaultTable()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxSymbols := opts.MaxSymbols
	if maxSymbols <= 0 {
		maxSymbols = 2 * table.MaxCodeLen()
	}
	d := &Decoder{
		source:     source,
		table:      table,
		out:        out,
		timing:     timing,
		thresholds: timing.Thresholds(),
		now:        now,
		maxSymbols: maxSymbols,
		symbols:    make([]byte, 0, maxSymbols),
	}
	d.Reset(now())
	return d, nil
}

// Reset discards any partial letter and starts a fresh silence at now.
func (d *Decoder) Reset(now time.Time) {
	d.level = false
	d.lastChange = now
	d.symbols = d.symbols[:0]
	d.publishPending()
	d.messageOpen = false
	d.silenceDone = false
	d.overflowed = false
	d.setState(StateSpace)
}

// Run polls the source every PollInterval until ctx is cancelled. A partial
// letter at cancellation is dropped.
func (d *Decoder) Run(ctx context.Context) error {
	if d.source == nil {
		return ErrNoSource
	}
	ticker := time.NewTicker(d.timing.PollInterval)
	defer ticker.Stop()
	log.Printf("Decoder: polling every %s (unit %s, %.1f WPM, margin %.2f)",
		d.timing.PollInterval, d.timing.Unit, d.timing.WPM(), d.timing.Margin)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Decoder: stopped (%d tokens emitted)", d.emitted.Load())
			return ctx.Err()
		case <-ticker.C:
			d.Step(d.now(), d.source.Level())
		}
	}
}

// Step runs one polling tick with the level observed at now.
func (d *Decoder) Step(now time.Time, level bool) {
	elapsed := now.Sub(d.lastChange)

	if !d.level && !d.silenceDone && elapsed > d.thresholds.Message {
		d.endSilence()
	}

	if level == d.level {
		return
	}

	if !level {
		// Falling edge: a mark just ended.
		mark := morse.Dot
		if elapsed > d.thresholds.Dash {
			mark = morse.Dash
		}
		d.symbols = append(d.symbols, byte(mark))
		if len(d.symbols) >= d.maxSymbols {
			d.finalizeLetter()
			d.overflowed = true
		}
		d.publishPending()
		d.setState(StateSpace)
	} else {
		// Rising edge: a space just ended.
		if elapsed > d.thresholds.Letter && (len(d.symbols) > 0 || d.overflowed) {
			d.finalizeLetter()
			d.emit(morse.LetterSpaceToken())
			if elapsed > d.thresholds.Word {
				d.emit(morse.WordSpaceToken())
			}
		}
		d.overflowed = false
		d.setState(StateMark)
	}

	d.level = level
	d.lastChange = now
	d.silenceDone = false
}

// endSilence handles a silence longer than the message threshold, once per
// silence episode.
func (d *Decoder) endSilence() {
	d.silenceDone = true
	d.overflowed = false
	if len(d.symbols) > 0 {
		d.finalizeLetter()
	}
	if d.messageOpen {
		d.emit(morse.EndOfMessageToken())
		d.messageOpen = false
	}
	d.setState(StateIdle)
}

// finalizeLetter looks up the buffered marks and emits the result. An empty
// buffer emits nothing.
func (d *Decoder) finalizeLetter() {
	if len(d.symbols) == 0 {
		return
	}
	code := string(d.symbols)
	d.symbols = d.symbols[:0]
	d.publishPending()

	res := d.table.Lookup(code)
	switch {
	case res.EndOfMessage:
		d.emit(morse.EndOfMessageToken())
		d.messageOpen = false
	case res.Found:
		d.emit(morse.LetterToken(res.Text, code))
		d.messageOpen = true
	default:
		d.emit(morse.UnknownToken(code))
		d.messageOpen = true
	}
}

func (d *Decoder) emit(tok morse.Token) {
	d.emitted.Add(1)
	if d.out != nil {
		d.out.Push(tok)
	}
}

func (d *Decoder) setState(s State) {
	d.state32.Store(uint32(s))
}

// State is safe to call from any goroutine.
func (d *Decoder) State() State {
	return State(d.state32.Load())
}

func (d *Decoder) publishPending() {
	code := string(d.symbols)
	d.pending.Store(&code)
}

// Pending returns the marks keyed so far for the current letter. It is safe
// to call from any goroutine.
func (d *Decoder) Pending() string {
	if p := d.pending.Load(); p != nil {
		return *p
	}
	return ""
}

// Emitted is the number of tokens produced so far.
func (d *Decoder) Emitted() uint64 {
	return d.emitted.Load()
}

// Thresholds exposes the limits in use.
func (d *Decoder) Thresholds() Thresholds {
	return d.thresholds
}
