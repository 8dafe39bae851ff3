package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ojrdude/morsecode/decoder"
	"github.com/ojrdude/morsecode/morse"
)

type flushBuffer struct {
	bytes.Buffer
}

func (b *flushBuffer) Flush() error { return nil }

func TestSimulatorRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("keys in real time")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timing := decoder.TimingForWPM(40)
	timing.PollInterval = time.Millisecond
	out := &flushBuffer{}
	sim, err := newSimulator(morse.DefaultTable(), timing, out)
	if err != nil {
		t.Fatalf("newSimulator: %v", err)
	}
	go sim.run(ctx)

	if err := sim.send(ctx, "CQ DE K1ABC"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sim.send(ctx, "73"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := out.String(); got != "CQ DE K1ABC\n\n73\n\n" {
		t.Fatalf("unexpected decoded output %q", got)
	}
}
