package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ojrdude/morsecode/config"
)

func TestLogFileNameForDate(t *testing.T) {
	when := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	if got := logFileNameForDate(when); got != "morse-2026-01-22.log" {
		t.Fatalf("unexpected log filename %q", got)
	}
}

func TestParseLogFileDate(t *testing.T) {
	parsed, ok := parseLogFileDate("morse-2026-01-22.log")
	if !ok || parsed.Day() != 22 || parsed.Month() != time.January {
		t.Fatalf("unexpected parse result %s (%v)", parsed, ok)
	}
	for _, name := range []string{"notes.txt", "2026-01-22.log", "morse-yesterday.log"} {
		if _, ok := parseLogFileDate(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"morse-2026-01-20.log", "morse-2026-01-21.log", "morse-2026-01-22.log", "messages.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "morse-2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log removed, stat err=%v", err)
	}
	for _, name := range []string{"morse-2026-01-21.log", "morse-2026-01-22.log", "messages.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRollover(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 3)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	var gotPrev time.Time
	var gotPrevPath, gotNewPath string
	calls := 0
	sink.SetRolloverHook(func(prevDate time.Time, prevPath, newPath string) {
		calls++
		gotPrev, gotPrevPath, gotNewPath = prevDate, prevPath, newPath
	})

	day1 := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(time.Hour))
	sink.WriteLine("third", day1.Add(24*time.Hour))

	if calls != 1 {
		t.Fatalf("expected one rollover, got %d", calls)
	}
	if gotPrev.Day() != 22 || filepath.Base(gotPrevPath) != "morse-2026-01-22.log" || filepath.Base(gotNewPath) != "morse-2026-01-23.log" {
		t.Fatalf("unexpected rollover %s %s %s", gotPrev, gotPrevPath, gotNewPath)
	}
	data, err := os.ReadFile(filepath.Join(dir, "morse-2026-01-22.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "2026/01/22 13:00:00.000 second") {
		t.Fatalf("expected timestamped line, got %q", data)
	}
}

func TestRolloverHookLoggingDoesNotDeadlock(t *testing.T) {
	sink, err := newDailyFileSink(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()
	logger := log.New(newLogFanout(nil, sink), "", 0)

	now := time.Now().UTC()
	sink.WriteLine("prime", now)
	sink.mu.Lock()
	sink.currentDate = now.Add(-24 * time.Hour).Format(logFileDateLayout)
	sink.mu.Unlock()

	hookDone := make(chan struct{})
	var once sync.Once
	sink.SetRolloverHook(func(prevDate time.Time, prevPath, newPath string) {
		logger.Printf("rolled over from %s", prevDate.Format(logFileDateLayout))
		once.Do(func() { close(hookDone) })
	})

	done := make(chan struct{})
	go func() {
		logger.Print("trigger rollover")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("logger.Print deadlocked during rollover hook logging")
	}
	select {
	case <-hookDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("rollover hook did not run")
	}
}

func TestSetupLoggingConsoleOnlyWhenAsked(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: t.TempDir(), RetentionDays: 7}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()
	log.New(fanout, "", 0).Print("quiet")
	if console.Len() != 0 {
		t.Fatalf("expected no console output without logging.console, got %q", console.String())
	}

	console.Reset()
	fanout, err = setupLogging(config.LoggingConfig{Enabled: true, Console: true, Dir: t.TempDir(), RetentionDays: 7}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()
	log.New(fanout, "", 0).Print("loud")
	if !strings.HasSuffix(console.String(), " loud\n") {
		t.Fatalf("expected console echo, got %q", console.String())
	}
}

func TestSetupLoggingFallsBackToConsole(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: false}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	log.New(fanout, "", 0).Print("no file")
	if !strings.Contains(console.String(), "no file") {
		t.Fatalf("expected console output when file logging is off, got %q", console.String())
	}
}

func TestFanoutSplitsPartialWrites(t *testing.T) {
	var console bytes.Buffer
	fanout := newLogFanout(&writerSink{w: &console}, nil)
	fanout.Write([]byte("part"))
	fanout.Write([]byte("ial\r\nnext\n"))
	if console.String() != "partial\nnext\n" {
		t.Fatalf("unexpected output %q", console.String())
	}
}
