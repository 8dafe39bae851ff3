package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ojrdude/morsecode/config"
	"github.com/ojrdude/morsecode/framer"

	"github.com/zeebo/xxh3"
)

func testConfig(t *testing.T) config.ArchiveConfig {
	t.Helper()
	return config.ArchiveConfig{
		Enabled:                true,
		DBPath:                 filepath.Join(t.TempDir(), "nested", "archive.db"),
		QueueSize:              10,
		BatchSize:              10,
		BatchIntervalMS:        5,
		CleanupIntervalSeconds: 3600,
		RetentionDays:          1,
	}
}

func msg(seq uint64, text string, at time.Time) framer.Message {
	return framer.Message{Seq: seq, Text: text, Completed: at, Digest: xxh3.HashString(text)}
}

// Purpose: Ensure queued messages are flushed on Stop and read back newest first.
// Key aspects: Reopens the database after Stop to prove the rows were committed.
// Upstream: go test.
// Downstream: NewWriter, Enqueue, Stop, Recent.
func TestEnqueueStopRecent(t *testing.T) {
	cfg := testConfig(t)
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	w.Start()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Enqueue(msg(1, "CQ CQ", base))
	second := msg(2, "DE ?......? K", base.Add(time.Second))
	second.Unknown = 1
	w.Enqueue(second)
	w.Stop()

	reopened, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Stop()
	recs, err := reopened.Recent(5)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Seq != 2 || recs[0].Text != "DE ?......? K" || recs[0].Unknown != 1 {
		t.Fatalf("unexpected newest record %+v", recs[0])
	}
	if recs[1].Digest != xxh3.HashString("CQ CQ") || !recs[1].Completed.Equal(base) {
		t.Fatalf("unexpected oldest record %+v", recs[1])
	}
}

// Purpose: Ensure retention removes only messages older than the cutoff.
// Key aspects: Flushes directly, then runs one cleanup pass with a fixed clock.
// Upstream: go test.
// Downstream: flush, cleanupOnce, Recent.
func TestCleanupOnceHonoursRetention(t *testing.T) {
	w, err := NewWriter(testConfig(t))
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	defer w.Stop()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	w.flush([]framer.Message{
		msg(1, "OLD", now.Add(-48*time.Hour)),
		msg(2, "STALE", now.Add(-25*time.Hour)),
		msg(3, "FRESH", now.Add(-time.Hour)),
	})
	w.cleanupOnce(now)

	recs, err := w.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recs) != 1 || recs[0].Text != "FRESH" {
		t.Fatalf("expected only FRESH retained, got %+v", recs)
	}
	if inserted, _, pruned := w.Stats(); inserted != 3 || pruned != 2 {
		t.Fatalf("expected 3 inserted and 2 pruned, got %d and %d", inserted, pruned)
	}
}

func TestZeroRetentionKeepsEverything(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionDays = 0
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	defer w.Stop()
	now := time.Now().UTC()
	w.flush([]framer.Message{msg(1, "ANCIENT", now.AddDate(-5, 0, 0))})
	w.cleanupOnce(now)
	if recs, _ := w.Recent(1); len(recs) != 1 {
		t.Fatalf("expected record kept with zero retention")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	defer w.Stop()
	// Not started, so nothing drains the queue.
	for i := 0; i < 3; i++ {
		w.Enqueue(msg(uint64(i), "X", time.Now()))
	}
	if _, dropped, _ := w.Stats(); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
}

func TestNewWriterRejectsEmptyPath(t *testing.T) {
	if _, err := NewWriter(config.ArchiveConfig{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

// Purpose: Ensure a damaged database file does not block startup.
// Key aspects: The garbage file is moved aside and a fresh archive accepts rows.
// Upstream: go test.
// Downstream: NewWriter, sqliteutil.Preflight.
func TestNewWriterQuarantinesDamagedFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.DBPath, []byte("definitely not sqlite"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	w.Start()
	w.Enqueue(msg(1, "QRV", time.Now().UTC()))
	w.Stop()
	if inserted, _, _ := w.Stats(); inserted != 1 {
		t.Fatalf("expected fresh archive to accept a row, inserted=%d", inserted)
	}
	matches, _ := filepath.Glob(cfg.DBPath + ".bad-*")
	if len(matches) == 0 {
		t.Fatalf("expected damaged file to be kept aside")
	}
}
