package key

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ojrdude/morsecode/decoder"
	"github.com/ojrdude/morsecode/morse"
)

// Keyer sends text as a perfect fist on a Virtual key.
type Keyer struct {
	key    *Virtual
	table  *morse.Table
	timing decoder.Timing
	sleep  func(context.Context, time.Duration) error
}

func NewKeyer(key *Virtual, table *morse.Table, timing decoder.Timing) *Keyer {
	if table == nil {
		table = morse.DefaultTable()
	}
	return &Keyer{key: key, table: table, timing: timing, sleep: sleepCtx}
}

// Send keys text, leaving the key released. Characters the table cannot
// encode are rejected before anything is keyed. With endOfMessage the
// prosign follows the text.
func (k *Keyer) Send(ctx context.Context, text string, endOfMessage bool) error {
	var letters [][]string
	for _, word := range strings.Fields(text) {
		var codes []string
		for _, r := range word {
			code, ok := k.table.CodeFor(r)
			if !ok {
				return fmt.Errorf("key: no code for %q", r)
			}
			codes = append(codes, code)
		}
		letters = append(letters, codes)
	}
	if endOfMessage {
		letters = append(letters, []string{morse.EndOfMessageCode})
	}
	defer k.key.Set(false)
	for wi, word := range letters {
		if wi > 0 {
			if err := k.sleep(ctx, k.timing.Duration(k.timing.WordGap)); err != nil {
				return err
			}
		}
		for li, code := range word {
			if li > 0 {
				if err := k.sleep(ctx, k.timing.Duration(k.timing.LetterGap)); err != nil {
					return err
				}
			}
			if err := k.sendCode(ctx, code); err != nil {
				return err
			}
		}
	}
	return nil
}

func (k *Keyer) sendCode(ctx context.Context, code string) error {
	for i, m := range code {
		if i > 0 {
			if err := k.sleep(ctx, k.timing.Duration(k.timing.SymbolGap)); err != nil {
				return err
			}
		}
		length := k.timing.Dot
		if morse.Mark(m) == morse.Dash {
			length = k.timing.Dash
		}
		k.key.Set(true)
		err := k.sleep(ctx, k.timing.Duration(length))
		k.key.Set(false)
		if err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
