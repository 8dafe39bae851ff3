package key

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tarm/serial"
)

// pipePort stands in for a serial port; reads block until the test writes.
type pipePort struct {
	*io.PipeReader
}

func newTestSerial(t *testing.T, opens chan<- *io.PipeWriter) *Serial {
	t.Helper()
	s := NewSerial("/dev/ttyTEST0", 0)
	s.retry = 10 * time.Millisecond
	s.open = func(c *serial.Config) (io.ReadCloser, error) {
		if c.Baud != 9600 {
			t.Errorf("expected default baud 9600, got %d", c.Baud)
		}
		r, w := io.Pipe()
		opens <- w
		return pipePort{r}, nil
	}
	return s
}

func TestSerialFollowsBytes(t *testing.T) {
	opens := make(chan *io.PipeWriter, 4)
	s := newTestSerial(t, opens)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	w := <-opens
	waitFor(t, "port open", s.Connected)
	w.Write([]byte("1"))
	waitFor(t, "key down", s.Level)
	w.Write([]byte("\r\n0"))
	waitFor(t, "key up", func() bool { return !s.Level() })

	// An error on the port releases the key and reopens it.
	w.Write([]byte("1"))
	waitFor(t, "key down again", s.Level)
	w.CloseWithError(errors.New("unplugged"))
	waitFor(t, "release on error", func() bool { return !s.Level() })
	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatalf("serial port was not reopened")
	}
	if s.Reopens() == 0 {
		t.Fatalf("expected reopen to be counted")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestSerialOpenFailureRetries(t *testing.T) {
	s := NewSerial("/dev/ttyMISSING", 1200)
	s.retry = 5 * time.Millisecond
	attempts := make(chan struct{}, 8)
	s.open = func(*serial.Config) (io.ReadCloser, error) {
		select {
		case attempts <- struct{}{}:
		default:
		}
		return nil, errors.New("no such device")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected repeated open attempts")
		}
	}
	if s.Level() || s.Connected() {
		t.Fatalf("a missing port must read as released and disconnected")
	}
}
