// Package morse holds the Morse code table, the marks that make up a code and
// the tokens passed from the decoder to the framer.
package morse

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Mark is one element of a code.
type Mark byte

const (
	Dot  Mark = '.'
	Dash Mark = '-'
)

const (
	// EndOfMessageCode is the AR prosign.
	EndOfMessageCode = ".-.-."
	// EndOfMessageText is how the prosign appears on the token wire.
	EndOfMessageText = "AR"
)

var itu = map[string]string{
	".-": "A", "-...": "B", "-.-.": "C", "-..": "D", ".": "E",
	"..-.": "F", "--.": "G", "....": "H", "..": "I", ".---": "J",
	"-.-": "K", ".-..": "L", "--": "M", "-.": "N", "---": "O",
	".--.": "P", "--.-": "Q", ".-.": "R", "...": "S", "-": "T",
	"..-": "U", "...-": "V", ".--": "W", "-..-": "X", "-.--": "Y",
	"--..": "Z",
	".----": "1", "..---": "2", "...--": "3", "....-": "4", ".....": "5",
	"-....": "6", "--...": "7", "---..": "8", "----.": "9", "-----": "0",
}

// Table maps codes to text and back. It is never mutated after construction,
// so one instance can be shared by any number of goroutines.
type Table struct {
	byCode map[string]string
	byText map[string]string
	maxLen int
}

// Result is the outcome of a Lookup. Found is false for codes the table does
// not know; Code always carries the raw sequence so callers can render it.
type Result struct {
	Code         string
	Text         string
	Found        bool
	EndOfMessage bool
}

// DefaultTable returns the ITU letters and digits plus the AR prosign.
func DefaultTable() *Table {
	t, err := NewTable(itu)
	if err != nil {
		// The built-in map is static; failing here is a programming error.
		panic(err)
	}
	return t
}

// NewTable builds a table from code -> text pairs. The AR prosign is always
// added and cannot be remapped.
func NewTable(codes map[string]string) (*Table, error) {
	t := &Table{
		byCode: make(map[string]string, len(codes)+1),
		byText: make(map[string]string, len(codes)+1),
	}
	for code, text := range codes {
		if err := t.add(code, text); err != nil {
			return nil, err
		}
	}
	if existing, ok := t.byCode[EndOfMessageCode]; ok && existing != EndOfMessageText {
		return nil, fmt.Errorf("morse: code %s is reserved for end of message, got %q", EndOfMessageCode, existing)
	}
	if _, ok := t.byCode[EndOfMessageCode]; !ok {
		if err := t.add(EndOfMessageCode, EndOfMessageText); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(code, text string) error {
	code = strings.TrimSpace(code)
	text = strings.ToUpper(strings.TrimSpace(text))
	if err := ValidateCode(code); err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("morse: code %s has empty text", code)
	}
	if text != EndOfMessageText && strings.Contains(text, EndOfMessageText) {
		return fmt.Errorf("morse: text %q for code %s contains the end of message marker", text, code)
	}
	if existing, ok := t.byCode[code]; ok && existing != text {
		return fmt.Errorf("morse: duplicate code %s (%q and %q)", code, existing, text)
	}
	t.byCode[code] = text
	if _, ok := t.byText[text]; !ok {
		t.byText[text] = code
	}
	if len(code) > t.maxLen {
		t.maxLen = len(code)
	}
	return nil
}

// ValidateCode reports whether code is a non-empty run of dots and dashes.
func ValidateCode(code string) error {
	if code == "" {
		return fmt.Errorf("morse: empty code")
	}
	for i := 0; i < len(code); i++ {
		if Mark(code[i]) != Dot && Mark(code[i]) != Dash {
			return fmt.Errorf("morse: invalid mark %q in code %q", code[i], code)
		}
	}
	return nil
}

// Lookup never fails: unknown codes come back with Found=false.
func (t *Table) Lookup(code string) Result {
	res := Result{Code: code}
	if t == nil {
		return res
	}
	text, ok := t.byCode[code]
	if !ok {
		return res
	}
	res.Text = text
	res.Found = true
	res.EndOfMessage = code == EndOfMessageCode
	return res
}

// CodeFor returns the code for a single character.
func (t *Table) CodeFor(r rune) (string, bool) {
	if t == nil {
		return "", false
	}
	code, ok := t.byText[string(unicode.ToUpper(r))]
	return code, ok
}

// Encode concatenates the codes for each character of text. Characters with
// no code (including spaces) are skipped and returned in missing.
func (t *Table) Encode(text string) (string, []rune) {
	var b strings.Builder
	var missing []rune
	for _, r := range text {
		code, ok := t.CodeFor(r)
		if !ok {
			missing = append(missing, r)
			continue
		}
		b.WriteString(code)
	}
	return b.String(), missing
}

// MaxCodeLen is the length of the longest code in the table.
func (t *Table) MaxCodeLen() int {
	if t == nil {
		return 0
	}
	return t.maxLen
}

// Len returns the number of codes, the prosign included.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byCode)
}

// LoadTable reads a code table file with one "code|text" pair per line.
// Blank lines and lines starting with '#' are ignored.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("morse: open table: %w", err)
	}
	defer f.Close()

	codes := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		code, text, ok := strings.Cut(line, "|")
		if !ok {
			return nil, fmt.Errorf("morse: %s:%d: expected code|text", path, lineNo)
		}
		code = strings.TrimSpace(code)
		if prev, dup := codes[code]; dup {
			return nil, fmt.Errorf("morse: %s:%d: duplicate code %s (already %q)", path, lineNo, code, prev)
		}
		codes[code] = text
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("morse: read table: %w", err)
	}
	t, err := NewTable(codes)
	if err != nil {
		return nil, fmt.Errorf("morse: %s: %w", path, err)
	}
	return t, nil
}
