package stats

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

// Key layout: "t/<name>" for totals, "c/<letter>" and "u/<code>" for the
// per-key maps. Values are big-endian uint64.
const (
	totalPrefix   = "t/"
	charPrefix    = "c/"
	unknownPrefix = "u/"
)

var totalKeys = []string{"letters", "unknown", "words", "messages", "message_chars"}

// Store persists Snapshots in a Pebble database.
type Store struct {
	db *pebble.DB
}

// OpenStore opens (creating if needed) the database directory at path.
func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("stats: database path is empty")
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("stats: %s exists and is not a directory", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("stats: ensure directory: %w", err)
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(10),
		FilterType:   pebble.TableFilter,
	}
	opts := &pebble.Options{Levels: make([]pebble.LevelOptions, 7)}
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("stats: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the stored snapshot atomically.
func (s *Store) Save(snap Snapshot) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	// Clear the per-key maps so keys absent from snap do not linger.
	for _, prefix := range []string{charPrefix, unknownPrefix} {
		if err := batch.DeleteRange([]byte(prefix), prefixEnd(prefix), nil); err != nil {
			return fmt.Errorf("stats: clear %s: %w", prefix, err)
		}
	}
	totals := []uint64{snap.Letters, snap.Unknown, snap.Words, snap.Messages, snap.MessageChars}
	for i, name := range totalKeys {
		if err := batch.Set([]byte(totalPrefix+name), encodeCount(totals[i]), nil); err != nil {
			return fmt.Errorf("stats: set %s: %w", name, err)
		}
	}
	for prefix, counts := range map[string]map[string]uint64{charPrefix: snap.Chars, unknownPrefix: snap.UnknownCodes} {
		for k, v := range counts {
			if err := batch.Set([]byte(prefix+k), encodeCount(v), nil); err != nil {
				return fmt.Errorf("stats: set %s%s: %w", prefix, k, err)
			}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("stats: commit: %w", err)
	}
	return nil
}

// Load reads the stored snapshot; an empty store yields a zero Snapshot.
func (s *Store) Load() (Snapshot, error) {
	snap := Snapshot{Chars: map[string]uint64{}, UnknownCodes: map[string]uint64{}}
	totals := map[string]*uint64{
		"letters":       &snap.Letters,
		"unknown":       &snap.Unknown,
		"words":         &snap.Words,
		"messages":      &snap.Messages,
		"message_chars": &snap.MessageChars,
	}
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return snap, fmt.Errorf("stats: iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		v, ok := decodeCount(iter.Value())
		if !ok {
			return snap, fmt.Errorf("stats: corrupt value for %q", key)
		}
		switch {
		case strings.HasPrefix(key, totalPrefix):
			if dst, ok := totals[strings.TrimPrefix(key, totalPrefix)]; ok {
				*dst = v
			}
		case strings.HasPrefix(key, charPrefix):
			snap.Chars[strings.TrimPrefix(key, charPrefix)] = v
		case strings.HasPrefix(key, unknownPrefix):
			snap.UnknownCodes[strings.TrimPrefix(key, unknownPrefix)] = v
		}
	}
	if err := iter.Error(); err != nil {
		return snap, fmt.Errorf("stats: iterate: %w", err)
	}
	return snap, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func encodeCount(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeCount(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// prefixEnd is the smallest key greater than every key with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
