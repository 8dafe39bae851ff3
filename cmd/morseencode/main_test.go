package main

import (
	"testing"

	"github.com/ojrdude/morsecode/morse"
)

func TestEncodeDecodeLine(t *testing.T) {
	table := morse.DefaultTable()
	encoded, missing := encodeLine(table, "sos de k1")
	if encoded != "... --- ... / -.. . / -.- .----" || len(missing) != 0 {
		t.Fatalf("unexpected encoding %q (missing %q)", encoded, string(missing))
	}
	if got := decodeLine(table, encoded); got != "SOS DE K1" {
		t.Fatalf("unexpected decoding %q", got)
	}
	if got := decodeLine(table, ".- ........ -"); got != "A?........?T" {
		t.Fatalf("expected unknown marker, got %q", got)
	}
	if _, missing := encodeLine(table, "a~b"); string(missing) != "~" {
		t.Fatalf("expected ~ to be reported missing, got %q", string(missing))
	}
}

func TestIsCode(t *testing.T) {
	cases := map[string]bool{
		"... --- ...": true,
		".- / -...":   true,
		"SOS":         false,
		"/ /":         false,
		".-x":         false,
	}
	for in, want := range cases {
		if got := isCode(in); got != want {
			t.Fatalf("isCode(%q) = %v, want %v", in, got, want)
		}
	}
}
