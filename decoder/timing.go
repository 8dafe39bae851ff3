package decoder

import (
	"errors"
	"fmt"
	"time"
)

// Canonical ITU multiples of the dot length.
const (
	DefaultDot        = 1.0
	DefaultDash       = 3.0
	DefaultSymbolGap  = 1.0
	DefaultLetterGap  = 3.0
	DefaultWordGap    = 7.0
	DefaultMessageGap = 70.0
	DefaultMargin     = 1.3
	DefaultUnit       = 100 * time.Millisecond
)

// Timing describes keying speed. All durations derive from Unit (the dot
// length) as multiples, each widened by Margin to absorb a human fist.
type Timing struct {
	Unit         time.Duration
	Margin       float64
	Dot          float64
	Dash         float64
	SymbolGap    float64
	LetterGap    float64
	WordGap      float64
	MessageGap   float64
	PollInterval time.Duration
}

// Thresholds are the classification limits derived from a Timing. A
// duration strictly above a limit falls in the longer class.
type Thresholds struct {
	Dash    time.Duration // mark longer than this is a dash
	Letter  time.Duration // space longer than this ends a letter
	Word    time.Duration // space longer than this also ends a word
	Message time.Duration // silence longer than this ends the message
}

// DefaultTiming is 12 WPM (100 ms dots) with a 30% margin.
func DefaultTiming() Timing {
	return Timing{
		Unit:         DefaultUnit,
		Margin:       DefaultMargin,
		Dot:          DefaultDot,
		Dash:         DefaultDash,
		SymbolGap:    DefaultSymbolGap,
		LetterGap:    DefaultLetterGap,
		WordGap:      DefaultWordGap,
		MessageGap:   DefaultMessageGap,
		PollInterval: DefaultUnit / 100,
	}
}

// TimingForWPM uses the PARIS standard (50 units per word).
func TimingForWPM(wpm float64) Timing {
	t := DefaultTiming()
	if wpm > 0 {
		t.Unit = time.Duration(float64(time.Minute) / (50 * wpm))
		t.PollInterval = t.Unit / 100
	}
	return t
}

// Validate checks the multiples are positive and strictly ordered.
func (t Timing) Validate() error {
	if t.Unit <= 0 {
		return errors.New("timing: unit must be > 0")
	}
	if t.Margin <= 1.0 {
		return fmt.Errorf("timing: margin must be > 1.0, got %g", t.Margin)
	}
	for name, v := range map[string]float64{
		"dot": t.Dot, "dash": t.Dash, "symbol_gap": t.SymbolGap,
		"letter_gap": t.LetterGap, "word_gap": t.WordGap, "message_gap": t.MessageGap,
	} {
		if v <= 0 {
			return fmt.Errorf("timing: %s must be > 0", name)
		}
	}
	if t.Dash <= t.Dot {
		return fmt.Errorf("timing: dash (%g) must be longer than dot (%g)", t.Dash, t.Dot)
	}
	if !(t.SymbolGap < t.LetterGap && t.LetterGap < t.WordGap && t.WordGap < t.MessageGap) {
		return fmt.Errorf("timing: gaps must increase: symbol %g < letter %g < word %g < message %g",
			t.SymbolGap, t.LetterGap, t.WordGap, t.MessageGap)
	}
	if t.PollInterval <= 0 {
		return errors.New("timing: poll interval must be > 0")
	}
	if t.PollInterval >= t.Unit {
		return fmt.Errorf("timing: poll interval %s must be shorter than the unit %s", t.PollInterval, t.Unit)
	}
	return nil
}

// Thresholds derives the classification limits.
func (t Timing) Thresholds() Thresholds {
	scale := func(mult float64) time.Duration {
		return time.Duration(float64(t.Unit) * mult * t.Margin)
	}
	return Thresholds{
		Dash:    scale(t.Dot),
		Letter:  scale(t.SymbolGap),
		Word:    scale(t.LetterGap),
		Message: scale(t.MessageGap),
	}
}

// Duration converts a multiple of the unit to a duration, without margin.
func (t Timing) Duration(mult float64) time.Duration {
	return time.Duration(float64(t.Unit) * mult)
}

// WPM reports the speed implied by Unit.
func (t Timing) WPM() float64 {
	if t.Unit <= 0 {
		return 0
	}
	return float64(time.Minute) / (50 * float64(t.Unit))
}
