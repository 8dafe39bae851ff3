package key

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// Serial follows a keyer interface on a serial port, such as a
// microcontroller that watches the key and writes '1' and '0' bytes. The
// port is reopened after errors, and the key is released while it is down.
type Serial struct {
	cfg   *serial.Config
	retry time.Duration
	open  func(*serial.Config) (io.ReadCloser, error)

	state     byteLevel
	connected atomic.Bool
	reopens   atomic.Uint64
}

// NewSerial prepares device at baud; Run opens it.
func NewSerial(device string, baud int) *Serial {
	if baud <= 0 {
		baud = 9600
	}
	return &Serial{
		cfg: &serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: 500 * time.Millisecond,
		},
		retry: 2 * time.Second,
		open: func(c *serial.Config) (io.ReadCloser, error) {
			return serial.OpenPort(c)
		},
	}
}

func (s *Serial) Level() bool { return s.state.Level() }

func (s *Serial) Connected() bool { return s.connected.Load() }

func (s *Serial) Transitions() uint64 { return s.state.Transitions() }

// Reopens counts failed or lost port sessions.
func (s *Serial) Reopens() uint64 { return s.reopens.Load() }

// Run reads the port until ctx is cancelled.
func (s *Serial) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reopens.Add(1)
		log.Printf("key: serial %s: %v (retry in %s)", s.cfg.Name, err, s.retry)
		timer := time.NewTimer(s.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Serial) session(ctx context.Context) error {
	port, err := s.open(s.cfg)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer port.Close()
	s.connected.Store(true)
	log.Printf("key: serial %s: open at %d baud", s.cfg.Name, s.cfg.Baud)
	defer func() {
		s.connected.Store(false)
		s.state.release()
	}()

	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		for _, b := range buf[:n] {
			s.state.apply(b)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// Read timeout with nothing received.
		default:
			return fmt.Errorf("read: %w", err)
		}
	}
}
