// Package sqliteutil checks SQLite files left behind by an unclean shutdown
// before they are opened for writing.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Result describes what Preflight did with a database file.
type Result struct {
	Healthy bool
	// QuarantinedTo is the new name of the main file when it was moved aside.
	QuarantinedTo string
	Elapsed       time.Duration
}

// suffixes of the files SQLite keeps next to a database.
var suffixes = []string{"", "-wal", "-shm", "-journal"}

// Preflight folds any WAL back into path and runs quick_check, both bounded
// by timeout. A file failing either step is renamed with its sidecars to
// path.bad-<UTC stamp> so the caller starts from an empty database. A path
// that does not exist yet is healthy.
func Preflight(path string, timeout time.Duration) (Result, error) {
	var res Result
	if strings.TrimSpace(path) == "" {
		return res, errors.New("sqliteutil: empty path")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		res.Healthy = true
		return res, nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()
	present := existingFiles(path)

	checkErr := check(path, timeout)
	res.Elapsed = time.Since(start)
	if checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(checkErr, context.DeadlineExceeded) {
		return res, fmt.Errorf("sqliteutil: %s: check timed out after %s", path, timeout)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	for _, name := range present {
		if err := os.Rename(name, name+".bad-"+stamp); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("sqliteutil: quarantine %s: %w (check: %v)", name, err, checkErr)
		}
	}
	res.QuarantinedTo = path + ".bad-" + stamp
	log.Printf("SQLite %s failed its startup check (%v); moved to %s", path, checkErr, res.QuarantinedTo)
	return res, nil
}

func check(path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	var status string
	if err := db.QueryRowContext(ctx, "pragma quick_check").Scan(&status); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if status != "ok" {
		return fmt.Errorf("quick_check reported %q", status)
	}
	return nil
}

func existingFiles(path string) []string {
	var out []string
	for _, suffix := range suffixes {
		if _, err := os.Stat(path + suffix); err == nil {
			out = append(out, path+suffix)
		}
	}
	return out
}
