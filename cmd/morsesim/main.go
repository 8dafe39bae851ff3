// Command morsesim keys text through a virtual key into the decoder and
// framer, printing each decoded message. It exercises the same pipeline as
// the daemon with a perfect fist.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ojrdude/morsecode/decoder"
	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/key"
	"github.com/ojrdude/morsecode/morse"
	"github.com/ojrdude/morsecode/queue"
)

// stdoutSink adapts a buffered stdout to the framer sink.
type stdoutSink struct {
	*bufio.Writer
}

func main() {
	wpm := flag.Float64("wpm", 20, "keying speed in words per minute")
	text := flag.String("text", "", "message to send; reads one message per stdin line when empty")
	tablePath := flag.String("table", "", "code table file; built-in ITU table when empty")
	verbose := flag.Bool("v", false, "log decoder activity to stderr")
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	table := morse.DefaultTable()
	if *tablePath != "" {
		loaded, err := morse.LoadTable(*tablePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading code table: %v\n", err)
			os.Exit(1)
		}
		table = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timing := decoder.TimingForWPM(*wpm)
	sim, err := newSimulator(table, timing, stdoutSink{bufio.NewWriter(os.Stdout)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	go sim.run(ctx)

	var lines []string
	if *text != "" {
		lines = []string{*text}
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines = append(lines, line)
			}
		}
	}
	for _, line := range lines {
		if err := sim.send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send %q: %v\n", line, err)
			os.Exit(1)
		}
	}
}

type simulator struct {
	key    *key.Virtual
	keyer  *key.Keyer
	dec    *decoder.Decoder
	fr     *framer.Framer
	timing decoder.Timing
}

func newSimulator(table *morse.Table, timing decoder.Timing, out framer.Sink) (*simulator, error) {
	vk := &key.Virtual{}
	tokens := queue.New[morse.Token]()
	dec, err := decoder.New(vk, table, tokens, timing, decoder.Options{})
	if err != nil {
		return nil, err
	}
	return &simulator{
		key:    vk,
		keyer:  key.NewKeyer(vk, table, timing),
		dec:    dec,
		fr:     framer.New(tokens, out, framer.Options{PollInterval: timing.PollInterval}),
		timing: timing,
	}, nil
}

func (s *simulator) run(ctx context.Context) {
	go func() { _ = s.dec.Run(ctx) }()
	_ = s.fr.Run(ctx)
}

// send keys one message and waits until the framer has written it.
func (s *simulator) send(ctx context.Context, text string) error {
	before := s.fr.Messages() + s.fr.Skipped()
	if err := s.keyer.Send(ctx, text, true); err != nil {
		return err
	}
	deadline := time.Now().Add(s.timing.Duration(s.timing.WordGap * 2))
	for s.fr.Messages()+s.fr.Skipped() == before {
		if time.Now().After(deadline) {
			return fmt.Errorf("no message decoded (framer %s, decoder pending %q)", s.fr.State(), s.dec.Pending())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.timing.PollInterval):
		}
	}
	return nil
}
