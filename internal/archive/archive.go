// Package archive keeps a durable history of classified attack records in
// an embedded SQLite database. The archive feeds the diagnostics surface;
// it is never on the reporting critical path and its failures never block
// the pipeline.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ipswamp/honeypot/internal/event"
)

// Dispositions recorded per attack.
const (
	DispositionReported   = "reported"
	DispositionSpooled    = "spooled"
	DispositionSuppressed = "suppressed"
)

// Store is the SQLite-backed attack archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attacks (
		id INTEGER PRIMARY KEY,
		source_ip TEXT NOT NULL,
		attack_type TEXT NOT NULL,
		category TEXT NOT NULL,
		severity INTEGER NOT NULL,
		base_score INTEGER NOT NULL,
		description TEXT NOT NULL,
		evidence TEXT,
		original_type TEXT,
		disposition TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attacks_source_ip ON attacks(source_ip);
	CREATE INDEX IF NOT EXISTS idx_attacks_type ON attacks(attack_type);
	CREATE INDEX IF NOT EXISTS idx_attacks_recorded_at ON attacks(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert records one classified attack with its disposition.
func (s *Store) Insert(rec event.Record, disposition string) error {
	evidence, _ := json.Marshal(rec.Evidence)
	_, err := s.db.Exec(`
		INSERT INTO attacks (source_ip, attack_type, category, severity,
			base_score, description, evidence, original_type, disposition, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceIP, rec.Type, rec.Category, rec.Severity,
		rec.BaseScore, rec.Description, string(evidence),
		rec.Metadata.OriginalType, disposition, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert attack: %w", err)
	}
	return nil
}

// Entry is one archived attack, for the diagnostics listing.
type Entry struct {
	ID          int64     `json:"id"`
	SourceIP    string    `json:"source_ip"`
	Type        string    `json:"attack_type"`
	Category    string    `json:"category"`
	Severity    int       `json:"severity"`
	Description string    `json:"description"`
	Evidence    []string  `json:"evidence,omitempty"`
	Disposition string    `json:"disposition"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Recent returns the latest archived attacks, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, source_ip, attack_type, category, severity, description,
			evidence, disposition, recorded_at
		FROM attacks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent attacks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var evidence string
		if err := rows.Scan(&e.ID, &e.SourceIP, &e.Type, &e.Category,
			&e.Severity, &e.Description, &evidence, &e.Disposition, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan attack row: %w", err)
		}
		if evidence != "" {
			_ = json.Unmarshal([]byte(evidence), &e.Evidence)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarizes the archive for diagnostics.
type Stats struct {
	Total         int64            `json:"total"`
	ByDisposition map[string]int64 `json:"by_disposition"`
	ByType        map[string]int64 `json:"by_type"`
}

// Summary counts archived attacks by disposition and canonical type.
func (s *Store) Summary() (Stats, error) {
	stats := Stats{
		ByDisposition: make(map[string]int64),
		ByType:        make(map[string]int64),
	}

	rows, err := s.db.Query(`SELECT disposition, COUNT(*) FROM attacks GROUP BY disposition`)
	if err != nil {
		return stats, fmt.Errorf("count dispositions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		var n int64
		if err := rows.Scan(&d, &n); err != nil {
			return stats, err
		}
		stats.ByDisposition[d] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	typeRows, err := s.db.Query(`SELECT attack_type, COUNT(*) FROM attacks GROUP BY attack_type`)
	if err != nil {
		return stats, fmt.Errorf("count types: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var ty string
		var n int64
		if err := typeRows.Scan(&ty, &n); err != nil {
			return stats, err
		}
		stats.ByType[ty] = n
	}
	return stats, typeRows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
