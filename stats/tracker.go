// Package stats counts decoded traffic for the dashboard, the periodic
// console line and the telnet STATUS command, and persists the counts in
// Pebble so practice statistics survive restarts.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/morse"

	"github.com/dustin/go-humanize"
)

// Tracker counts tokens and messages. Increments are lock-free so the
// framer goroutine never contends with readers.
type Tracker struct {
	chars        sync.Map // letter text -> *atomic.Uint64
	unknownCodes sync.Map // raw code -> *atomic.Uint64
	letters      atomic.Uint64
	unknown      atomic.Uint64
	words        atomic.Uint64
	messages     atomic.Uint64
	messageChars atomic.Uint64
	start        atomic.Int64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Letters      uint64
	Unknown      uint64
	Words        uint64
	Messages     uint64
	MessageChars uint64
	Chars        map[string]uint64
	UnknownCodes map[string]uint64
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// ObserveToken counts one decoded token; it has the framer tap signature.
func (t *Tracker) ObserveToken(tok morse.Token) {
	switch tok.Kind {
	case morse.Letter:
		t.letters.Add(1)
		incrementCounter(&t.chars, tok.Text, 1)
	case morse.UnknownCode:
		t.unknown.Add(1)
		incrementCounter(&t.unknownCodes, tok.Code, 1)
	case morse.InterWordSpace:
		t.words.Add(1)
	}
}

// ObserveMessage counts a completed message; it has the framer listener
// signature.
func (t *Tracker) ObserveMessage(m framer.Message) {
	t.messages.Add(1)
	t.messageChars.Add(uint64(len(m.Text)))
}

// Snapshot copies the counters.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Letters:      t.letters.Load(),
		Unknown:      t.unknown.Load(),
		Words:        t.words.Load(),
		Messages:     t.messages.Load(),
		MessageChars: t.messageChars.Load(),
		Chars:        copyCounts(&t.chars),
		UnknownCodes: copyCounts(&t.unknownCodes),
	}
}

// Restore adds a persisted snapshot to the live counters.
func (t *Tracker) Restore(s Snapshot) {
	t.letters.Add(s.Letters)
	t.unknown.Add(s.Unknown)
	t.words.Add(s.Words)
	t.messages.Add(s.Messages)
	t.messageChars.Add(s.MessageChars)
	for k, v := range s.Chars {
		incrementCounter(&t.chars, k, v)
	}
	for k, v := range s.UnknownCodes {
		incrementCounter(&t.unknownCodes, k, v)
	}
}

// Uptime returns how long the tracker has been running.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// ErrorRate is the share of decoded symbols that matched no code.
func (s Snapshot) ErrorRate() float64 {
	total := s.Letters + s.Unknown
	if total == 0 {
		return 0
	}
	return float64(s.Unknown) / float64(total)
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	s := t.Snapshot()
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Decoded: %s letters, %s words, %s messages, %s unknown (%.1f%%) in %s",
		humanize.Comma(int64(s.Letters)),
		humanize.Comma(int64(s.Words)),
		humanize.Comma(int64(s.Messages)),
		humanize.Comma(int64(s.Unknown)),
		100*s.ErrorRate(),
		formatUptime(t.Uptime())))
	lines = append(lines, formatTop("Top letters", s.Chars, 10))
	lines = append(lines, formatTop("Top unknown codes", s.UnknownCodes, 5))
	return lines
}

// RunPeriodic calls emit with SnapshotLines every interval until ctx ends.
func (t *Tracker) RunPeriodic(ctx context.Context, interval time.Duration, emit func([]string)) {
	if interval <= 0 || emit == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(t.SnapshotLines())
		}
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now.Add(-d), now, "", ""))
}

func formatTop(label string, counts map[string]uint64, n int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	var b strings.Builder
	b.WriteString(label)
	b.WriteString(": ")
	if len(keys) == 0 {
		b.WriteString("(none)")
		return b.String()
	}
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%s", k, humanize.Comma(int64(counts[k])))
	}
	return b.String()
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func incrementCounter(m *sync.Map, key string, delta uint64) {
	if key == "" || delta == 0 {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(delta)
		return
	}
	actual, _ := m.LoadOrStore(key, &atomic.Uint64{})
	actual.(*atomic.Uint64).Add(delta)
}
