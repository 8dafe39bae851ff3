package sqliteutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestPreflightMissingFileIsHealthy(t *testing.T) {
	res, err := Preflight(filepath.Join(t.TempDir(), "new.db"), time.Second)
	if err != nil || !res.Healthy {
		t.Fatalf("expected healthy result for a new file, got %+v err=%v", res, err)
	}
}

func TestPreflightKeepsHealthyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("create table messages (id integer primary key, text text)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	res, err := Preflight(path, time.Second)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if !res.Healthy || res.QuarantinedTo != "" {
		t.Fatalf("expected healthy preflight, got %+v", res)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database to remain: %v", err)
	}
}

func TestPreflightQuarantinesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	if err := os.WriteFile(path, []byte("this is not a database file at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := Preflight(path, time.Second)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if res.Healthy || !strings.HasPrefix(res.QuarantinedTo, path+".bad-") {
		t.Fatalf("expected quarantine, got %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original file to be moved, stat err=%v", err)
	}
	if _, err := os.Stat(res.QuarantinedTo); err != nil {
		t.Fatalf("expected quarantined copy: %v", err)
	}
}

func TestPreflightEmptyPath(t *testing.T) {
	if _, err := Preflight("  ", time.Second); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
