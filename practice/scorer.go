// Package practice scores decoded messages against the phrases a student
// was asked to send.
//
// Two distances are reported: Levenshtein over the decoded characters, and
// Levenshtein over the dot/dash spelling of both texts. The second shows
// how close a wrong letter was on the key (sending S for H is one missing
// dot, not a whole wrong character).
package practice

import (
	"errors"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/morse"
	"github.com/ojrdude/morsecode/strutil"

	lev "github.com/agnivade/levenshtein"
)

// Score is the result of comparing one message with its best phrase.
type Score struct {
	Phrase       string
	Text         string
	Distance     int     // character edits
	CodeDistance int     // dot/dash edits
	Accuracy     float64 // 1 - Distance/longer length, in [0,1]
}

// Exact reports a perfect copy.
func (s Score) Exact() bool { return s.Distance == 0 }

// Scorer picks the closest phrase for each message and keeps a running
// summary.
type Scorer struct {
	phrases []string
	codes   []string
	table   *morse.Table

	mu       sync.Mutex
	attempts int
	exact    int
	accuracy float64
}

// NewScorer normalises phrases (upper case, single spaces) and drops
// duplicates and blanks.
func NewScorer(phrases []string, table *morse.Table) (*Scorer, error) {
	if table == nil {
		table = morse.DefaultTable()
	}
	s := &Scorer{table: table}
	seen := make(map[string]bool)
	for _, p := range phrases {
		p = normalize(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		s.phrases = append(s.phrases, p)
		s.codes = append(s.codes, s.spell(p))
	}
	if len(s.phrases) == 0 {
		return nil, errors.New("practice: no phrases")
	}
	return s, nil
}

// Score compares text with every phrase and returns the closest. Ties go
// to the phrase listed first.
func (s *Scorer) Score(text string) Score {
	text = normalize(text)
	spelled := s.spell(text)
	best := Score{Distance: -1}
	for i, p := range s.phrases {
		d := lev.ComputeDistance(p, text)
		if best.Distance >= 0 && d >= best.Distance {
			continue
		}
		best = Score{
			Phrase:       p,
			Text:         text,
			Distance:     d,
			CodeDistance: lev.ComputeDistance(s.codes[i], spelled),
			Accuracy:     accuracy(d, p, text),
		}
	}
	return best
}

// Observe scores a completed message, logs it and updates the summary. It
// has the framer listener signature.
func (s *Scorer) Observe(m framer.Message) {
	sc := s.Score(m.Text)
	s.mu.Lock()
	s.attempts++
	if sc.Exact() {
		s.exact++
	}
	s.accuracy += sc.Accuracy
	s.mu.Unlock()
	if sc.Exact() {
		log.Printf("Practice: %q copied exactly", sc.Phrase)
		return
	}
	log.Printf("Practice: sent %q for %q: %d character edits, %d element edits, %.0f%% accurate",
		sc.Text, sc.Phrase, sc.Distance, sc.CodeDistance, 100*sc.Accuracy)
}

// Summary returns attempts, exact copies and mean accuracy so far.
func (s *Scorer) Summary() (attempts, exact int, meanAccuracy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == 0 {
		return 0, 0, 0
	}
	return s.attempts, s.exact, s.accuracy / float64(s.attempts)
}

// Phrases returns the normalised phrase list.
func (s *Scorer) Phrases() []string {
	return append([]string(nil), s.phrases...)
}

// spell renders text as codes separated by spaces, words by " / ".
// Unknown-code placeholders contribute their raw code.
func (s *Scorer) spell(text string) string {
	var b strings.Builder
	for wi, word := range strings.Fields(text) {
		if wi > 0 {
			b.WriteString(" / ")
		}
		first := true
		emit := func(code string) {
			if !first {
				b.WriteByte(' ')
			}
			b.WriteString(code)
			first = false
		}
		for len(word) > 0 {
			if strings.HasPrefix(word, morse.UnknownMarker) {
				if end := strings.Index(word[1:], morse.UnknownMarker); end > 0 {
					emit(word[1 : end+1])
					word = word[end+2:]
					continue
				}
			}
			r, size := utf8.DecodeRuneInString(word)
			if code, ok := s.table.CodeFor(r); ok {
				emit(code)
			} else {
				emit(string(r))
			}
			word = word[size:]
		}
	}
	return b.String()
}

func normalize(s string) string {
	return strutil.NormalizeWords(s)
}

func accuracy(distance int, a, b string) float64 {
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	acc := 1 - float64(distance)/float64(longest)
	if acc < 0 {
		return 0
	}
	return acc
}
