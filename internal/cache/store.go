// Package cache persists external-symbol descriptions across runs. The
// backing file is an append-only log with one JSON object per line; loading
// replays the log and reduces it to the latest state per key. Imported
// Windows APIs recur across drivers, so one description converges per
// symbol no matter how many binaries reference it.
package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"drivertriage/internal/backend"
)

// Entry is one cached symbol description. The markdown written first wins;
// later sightings of the same symbol only extend the IAT address set.
type Entry struct {
	Key          string         `json:"key"`
	Markdown     string         `json:"markdown"`
	IATAddresses []backend.Addr `json:"iat_addresses"`
}

// HasAddress reports whether addr is already recorded for this entry.
func (e Entry) HasAddress(addr backend.Addr) bool {
	for _, a := range e.IATAddresses {
		if a == addr {
			return true
		}
	}
	return false
}

// Store owns the backing log file. It is the only writer; concurrent Upsert
// calls are serialized by the internal mutex.
type Store struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	entries map[string]*Entry // keyed by lowercase symbol name
	logger  *log.Logger
}

// Open replays the log at path (creating it if absent) and keeps the file
// handle for appends. Corrupt lines are skipped with a warning; the cache is
// never a source of fatal errors.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	s := &Store{path: path, f: f, entries: map[string]*Entry{}, logger: logger}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	if _, err := s.f.Seek(0, 0); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	sc := bufio.NewScanner(s.f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Entry
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Key == "" {
			s.logger.Warn("cache: skipping corrupt line", "file", s.path, "line", lineNo)
			continue
		}
		key := normalize(rec.Key)
		if prev, ok := s.entries[key]; ok {
			// First-written markdown is authoritative; the address set is
			// last-write-wins (each update record carries the full set).
			prev.IATAddresses = rec.IATAddresses
			continue
		}
		rec.Key = normalize(rec.Key)
		s.entries[key] = &rec
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cache: replay %s: %w", s.path, err)
	}
	return nil
}

// Lookup returns the entry for key, if present.
func (s *Store) Lookup(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[normalize(key)]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Upsert records a sighting of key at addr. A new key gets the given
// markdown; an existing key keeps its stored markdown and only grows its
// address set. Each call appends one record and syncs it.
func (s *Store) Upsert(key, markdown string, addr backend.Addr) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := normalize(key)
	e, ok := s.entries[k]
	if !ok {
		e = &Entry{Key: k, Markdown: markdown, IATAddresses: []backend.Addr{addr}}
		s.entries[k] = e
		return s.appendLocked(e)
	}
	if e.HasAddress(addr) {
		return e.clone(), nil
	}
	e.IATAddresses = append(e.IATAddresses, addr)
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e *Entry) (Entry, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("cache: %w", err)
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return Entry{}, fmt.Errorf("cache: append %s: %w", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("cache: sync %s: %w", s.path, err)
	}
	return e.clone(), nil
}

// Len reports the number of distinct cached symbols.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close releases the backing file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (e *Entry) clone() Entry {
	out := *e
	out.IATAddresses = append([]backend.Addr(nil), e.IATAddresses...)
	return out
}

func normalize(key string) string { return strings.ToLower(strings.TrimSpace(key)) }
