package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store provides access to the Beyond-Call SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database path inside dataDir.
func DefaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "beyondcall.sqlite")
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, which keeps version allocation
	// race-free and gives :memory: a single shared database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parentId TEXT REFERENCES folders(id) ON DELETE CASCADE,
		createdAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		folderId TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		recordingPath TEXT,
		durationSec REAL NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		updatedAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcriptRevisions (
		id TEXT PRIMARY KEY,
		entryId TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		version INTEGER NOT NULL,
		text TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'auto',
		isManualEdit INTEGER NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		UNIQUE(entryId, version)
	);

	CREATE TABLE IF NOT EXISTS artifactRevisions (
		id TEXT PRIMARY KEY,
		entryId TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		artifactType TEXT NOT NULL,
		version INTEGER NOT NULL,
		text TEXT NOT NULL,
		sourceTranscriptVersion INTEGER NOT NULL,
		isStale INTEGER NOT NULL DEFAULT 0,
		isManualEdit INTEGER NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		UNIQUE(entryId, artifactType, version)
	);

	CREATE TABLE IF NOT EXISTS promptTemplates (
		role TEXT PRIMARY KEY,
		promptText TEXT NOT NULL,
		updatedAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idxEntriesFolder ON entries(folderId);
	CREATE INDEX IF NOT EXISTS idxArtifactsEntry ON artifactRevisions(entryId, artifactType);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	now := unixTime(time.Now())
	for _, role := range ArtifactTypes {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO promptTemplates (role, promptText, updatedAt) VALUES (?, ?, ?)`,
			role, DefaultPrompts[role], now); err != nil {
			return fmt.Errorf("seed prompt %s: %w", role, err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES ('modelName', ?)`, DefaultModelName); err != nil {
		return fmt.Errorf("seed model name: %w", err)
	}
	return nil
}

func unixTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
