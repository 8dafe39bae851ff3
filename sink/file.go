// Package sink provides the text destination decoded messages are appended to.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File appends to a file through a buffer. Flush pushes the buffer to the
// OS and syncs it, so a flushed message survives a crash.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenFile creates any missing parent directories and opens path for
// appending.
func OpenFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sink: output path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: create directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %q: %w", path, err)
	}
	return &File{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *File) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return 0, os.ErrClosed
	}
	return s.w.Write(p)
}

func (s *File) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return os.ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sink: sync: %w", err)
	}
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.w = nil
	s.f = nil
	if flushErr != nil {
		return fmt.Errorf("sink: flush on close: %w", flushErr)
	}
	return closeErr
}

// Path returns the file being written.
func (s *File) Path() string { return s.path }
