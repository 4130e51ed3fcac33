package api

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
)

// Spool is the persistent queue of records awaiting (re)transmission.
// Appends happen on send failure; the file is rewritten after each replay
// pass with the still-pending entries only.
type Spool struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger

	entries []event.Record
}

// NewSpool opens the spool at path. When clearOnStart is set the file is
// truncated, dropping pre-restart evidence; otherwise existing pending
// entries are loaded for replay.
func NewSpool(path string, clearOnStart bool, log zerolog.Logger) (*Spool, error) {
	s := &Spool{path: path, log: log}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	if clearOnStart {
		if err := s.flushLocked(nil); err != nil {
			return nil, fmt.Errorf("clear spool: %w", err)
		}
		log.Info().Str("path", path).Msg("offline spool cleared at startup")
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read spool: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			// A corrupt spool is not fatal; start fresh and keep the
			// broken file aside for inspection.
			log.Warn().Err(err).Msg("spool file unreadable, starting fresh")
			_ = os.Rename(path, path+".corrupt")
			s.entries = nil
		}
	}
	if n := len(s.entries); n > 0 {
		log.Info().Int("pending", n).Msg("loaded offline spool")
	}
	return s, nil
}

// Append stores a record for later upload.
func (s *Spool) Append(rec event.Record, throttled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.StoredAt = time.Now().UTC()
	rec.PendingUpload = true
	rec.Throttled = throttled
	s.entries = append(s.entries, rec)
	return s.flushLocked(s.entries)
}

// Pending returns a copy of the records still awaiting upload.
func (s *Spool) Pending() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]event.Record, 0, len(s.entries))
	for _, e := range s.entries {
		if e.PendingUpload {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of pending entries.
func (s *Spool) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.PendingUpload {
			n++
		}
	}
	return n
}

// Retain rewrites the spool with only the given still-pending records.
// Called after a replay pass.
func (s *Spool) Retain(pending []event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = pending
	return s.flushLocked(s.entries)
}

// flushLocked writes the spool file atomically. Caller holds s.mu.
func (s *Spool) flushLocked(entries []event.Record) error {
	if entries == nil {
		entries = []event.Record{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spool: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename spool: %w", err)
	}
	return nil
}
