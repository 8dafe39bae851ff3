// Package archive keeps every completed message in SQLite.
//
// Inserts are batched on a background goroutine behind a bounded queue.
// The framer never waits on the database: when the queue is full the
// message is dropped from the archive (it is still in the output file)
// and counted.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ojrdude/morsecode/config"
	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/sqliteutil"

	_ "modernc.org/sqlite"
)

// Writer persists messages asynchronously with age-based retention.
type Writer struct {
	cfg      config.ArchiveConfig
	db       *sql.DB
	queue    chan framer.Message
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	inserted atomic.Uint64
	dropped  atomic.Uint64
	pruned   atomic.Uint64
}

// Record is one archived message.
type Record struct {
	Completed time.Time
	Seq       uint64
	Text      string
	Unknown   int
	Digest    uint64
}

// NewWriter opens (creating if needed) the database; call Start to begin
// processing.
func NewWriter(cfg config.ArchiveConfig) (*Writer, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("archive: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	if _, err := sqliteutil.Preflight(cfg.DBPath, 5*time.Second); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	// One connection keeps the pragmas and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 500
	}
	return &Writer{
		cfg:   cfg,
		db:    db,
		queue: make(chan framer.Message, cfg.QueueSize),
		stop:  make(chan struct{}),
	}, nil
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	w.wg.Add(2)
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop flushes pending inserts and closes the database.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		if err := w.db.Close(); err != nil {
			log.Printf("archive: close: %v", err)
		}
	})
}

// Enqueue queues m without blocking; it has the framer listener signature.
func (w *Writer) Enqueue(m framer.Message) {
	if w == nil {
		return
	}
	select {
	case w.queue <- m:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("archive: queue full, %d messages dropped", n)
		}
	}
}

func (w *Writer) insertLoop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]framer.Message, 0, w.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			for {
				select {
				case m := <-w.queue:
					batch = append(batch, m)
				default:
					w.flush(batch)
					return
				}
			}
		case m := <-w.queue:
			batch = append(batch, m)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (w *Writer) flush(batch []framer.Message) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("archive: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into messages(ts, seq, text, unknown, digest) values(?,?,?,?,?)`)
	if err != nil {
		log.Printf("archive: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	var ok uint64
	for _, m := range batch {
		// SQLite integers are signed; keep the digest as hex text.
		if _, err := stmt.Exec(m.Completed.UTC().UnixNano(), int64(m.Seq), m.Text, m.Unknown, strconv.FormatUint(m.Digest, 16)); err != nil {
			log.Printf("archive: insert failed: %v", err)
			continue
		}
		ok++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("archive: commit: %v", err)
		return
	}
	w.inserted.Add(ok)
}

func (w *Writer) cleanupLoop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce(time.Now().UTC())
		}
	}
}

// cleanupOnce deletes messages older than the retention period. Zero
// retention keeps everything.
func (w *Writer) cleanupOnce(now time.Time) {
	if w.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(w.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
	res, err := w.db.Exec(`delete from messages where ts < ?`, cutoff)
	if err != nil {
		log.Printf("archive: cleanup: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		w.pruned.Add(uint64(n))
		log.Printf("archive: pruned %d messages older than %d days", n, w.cfg.RetentionDays)
	}
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists messages (
		id integer primary key autoincrement,
		ts integer not null,
		seq integer not null,
		text text not null,
		unknown integer not null default 0,
		digest text not null
	);
	create index if not exists idx_messages_ts on messages(ts);
	create index if not exists idx_messages_digest on messages(digest);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

// Recent returns up to limit archived messages, newest first.
func (w *Writer) Recent(limit int) ([]Record, error) {
	if w == nil || w.db == nil {
		return nil, errors.New("archive: writer is nil")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := w.db.Query(`select ts, seq, text, unknown, digest from messages order by ts desc, id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	results := make([]Record, 0, limit)
	for rows.Next() {
		var (
			ts     int64
			seq    int64
			rec    Record
			digest string
		)
		if err := rows.Scan(&ts, &seq, &rec.Text, &rec.Unknown, &digest); err != nil {
			return nil, fmt.Errorf("archive: scan recent: %w", err)
		}
		rec.Completed = time.Unix(0, ts).UTC()
		rec.Seq = uint64(seq)
		if rec.Digest, err = strconv.ParseUint(digest, 16, 64); err != nil {
			return nil, fmt.Errorf("archive: bad digest %q: %w", digest, err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate recent: %w", err)
	}
	return results, nil
}

// Stats returns inserted, dropped and pruned counts.
func (w *Writer) Stats() (inserted, dropped, pruned uint64) {
	return w.inserted.Load(), w.dropped.Load(), w.pruned.Load()
}
