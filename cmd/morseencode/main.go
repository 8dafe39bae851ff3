package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ojrdude/morsecode/morse"
)

func main() {
	tablePath := flag.String("table", "", "code table file (code|text per line); built-in ITU table when empty")
	flag.Parse()

	table := morse.DefaultTable()
	if *tablePath != "" {
		loaded, err := morse.LoadTable(*tablePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading code table: %v\n", err)
			os.Exit(1)
		}
		table = loaded
	}

	fmt.Printf("loaded code table with %d entries\n", table.Len())
	fmt.Println("enter text to encode, or dots and dashes to decode (Ctrl+C to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isCode(line) {
			fmt.Println(decodeLine(table, line))
			continue
		}
		encoded, missing := encodeLine(table, line)
		fmt.Println(encoded)
		if len(missing) > 0 {
			fmt.Printf("no code for: %q\n", string(missing))
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
	}
}

// isCode reports whether line holds only marks, spaces and word slashes.
func isCode(line string) bool {
	return strings.Trim(line, ".-/ ") == "" && strings.ContainsAny(line, ".-")
}

// encodeLine writes letters separated by a space and words by " / ".
func encodeLine(table *morse.Table, text string) (string, []rune) {
	var missing []rune
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, word := range words {
		codes := make([]string, 0, len(word))
		for _, r := range word {
			code, ok := table.CodeFor(r)
			if !ok {
				missing = append(missing, r)
				continue
			}
			codes = append(codes, code)
		}
		if len(codes) > 0 {
			out = append(out, strings.Join(codes, " "))
		}
	}
	return strings.Join(out, " / "), missing
}

func decodeLine(table *morse.Table, line string) string {
	words := strings.Split(line, "/")
	out := make([]string, 0, len(words))
	for _, word := range words {
		var b strings.Builder
		for _, code := range strings.Fields(word) {
			res := table.Lookup(code)
			if !res.Found {
				b.WriteString(morse.UnknownMarker + code + morse.UnknownMarker)
				continue
			}
			b.WriteString(res.Text)
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return strings.Join(out, " ")
}
