package stats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/morse"
)

func feed(t *Tracker, toks ...morse.Token) {
	for _, tok := range toks {
		t.ObserveToken(tok)
	}
}

func TestTrackerCountsTokens(t *testing.T) {
	tr := NewTracker()
	feed(tr,
		morse.LetterToken("C", "-.-."),
		morse.LetterSpaceToken(),
		morse.LetterToken("Q", "--.-"),
		morse.LetterSpaceToken(),
		morse.WordSpaceToken(),
		morse.LetterToken("C", "-.-."),
		morse.UnknownToken("......."),
		morse.EndOfMessageToken(),
	)
	tr.ObserveMessage(framer.Message{Text: "CQ C?.......?"})

	s := tr.Snapshot()
	if s.Letters != 3 || s.Unknown != 1 || s.Words != 1 || s.Messages != 1 {
		t.Fatalf("unexpected totals %+v", s)
	}
	if s.Chars["C"] != 2 || s.Chars["Q"] != 1 {
		t.Fatalf("unexpected letter counts %v", s.Chars)
	}
	if s.UnknownCodes["......."] != 1 {
		t.Fatalf("unexpected unknown counts %v", s.UnknownCodes)
	}
	if got := s.ErrorRate(); got != 0.25 {
		t.Fatalf("expected error rate 0.25, got %v", got)
	}
}

func TestRestoreAddsToLiveCounts(t *testing.T) {
	tr := NewTracker()
	feed(tr, morse.LetterToken("E", "."))
	tr.Restore(Snapshot{Letters: 10, Messages: 2, Chars: map[string]uint64{"E": 4, "T": 6}})
	s := tr.Snapshot()
	if s.Letters != 11 || s.Messages != 2 || s.Chars["E"] != 5 || s.Chars["T"] != 6 {
		t.Fatalf("unexpected restored snapshot %+v", s)
	}
}

func TestSnapshotLines(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1500; i++ {
		feed(tr, morse.LetterToken("E", "."))
	}
	feed(tr, morse.LetterToken("T", "-"), morse.LetterToken("T", "-"))
	lines := tr.SnapshotLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "1,502 letters") {
		t.Fatalf("expected humanized total, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "Top letters: E=1,500, T=2") {
		t.Fatalf("unexpected top letters %q", lines[1])
	}
	if lines[2] != "Top unknown codes: (none)" {
		t.Fatalf("unexpected unknown line %q", lines[2])
	}
}

func TestRunPeriodicStopsOnCancel(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []string, 10)
	done := make(chan struct{})
	go func() {
		tr.RunPeriodic(ctx, 5*time.Millisecond, func(lines []string) { got <- lines })
		close(done)
	}()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("no periodic output")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunPeriodic did not stop")
	}
}
