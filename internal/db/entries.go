package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// CreateFolder inserts a folder. parentID may be empty.
func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (Folder, error) {
	if name == "" {
		return Folder{}, apperr.New(apperr.KindInvalidInput, "folder name is required")
	}
	f := Folder{ID: uuid.NewString(), Name: name, ParentID: parentID, CreatedAt: time.Now()}
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO folders (id, name, parentId, createdAt) VALUES (?, ?, ?, ?)`,
		f.ID, f.Name, parent, unixTime(f.CreatedAt)); err != nil {
		return Folder{}, fmt.Errorf("insert folder: %w", err)
	}
	return f, nil
}

// Folders returns all folders ordered by name.
func (s *Store) Folders(ctx context.Context) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parentId, createdAt FROM folders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		var parent sql.NullString
		var created float64
		if err := rows.Scan(&f.ID, &f.Name, &parent, &created); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		f.ParentID = parent.String
		f.CreatedAt = timeFromUnix(created)
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// CreateEntry inserts an idle entry into folderID.
func (s *Store) CreateEntry(ctx context.Context, folderID, title string) (Entry, error) {
	if title == "" {
		return Entry{}, apperr.New(apperr.KindInvalidInput, "entry title is required")
	}
	now := time.Now()
	e := Entry{
		ID:        uuid.NewString(),
		FolderID:  folderID,
		Title:     title,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, folderId, title, status, durationSec, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		e.ID, e.FolderID, e.Title, e.Status, unixTime(now), unixTime(now)); err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

const entryColumns = `id, folderId, title, status, recordingPath, durationSec, createdAt, updatedAt`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var path sql.NullString
	var created, updated float64
	if err := row.Scan(&e.ID, &e.FolderID, &e.Title, &e.Status, &path, &e.DurationSec, &created, &updated); err != nil {
		return Entry{}, err
	}
	e.RecordingPath = path.String
	e.CreatedAt = timeFromUnix(created)
	e.UpdatedAt = timeFromUnix(updated)
	return e, nil
}

// Entry returns the entry with the given ID, or a not-found error.
func (s *Store) Entry(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, apperr.New(apperr.KindNotFound, "entry %s not found", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query entry: %w", err)
	}
	return e, nil
}

// Entries returns entries, newest first. An empty folderID lists all folders.
func (s *Store) Entries(ctx context.Context, folderID string) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries`
	var args []any
	if folderID != "" {
		query += ` WHERE folderId = ?`
		args = append(args, folderID)
	}
	query += ` ORDER BY createdAt DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetEntryStatus updates an entry's status.
func (s *Store) SetEntryStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, updatedAt = ? WHERE id = ?`,
		status, unixTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update entry status: %w", err)
	}
	return requireRow(res, id)
}

// FinalizeRecording stores a finished recording on the entry and marks it
// recorded.
func (s *Store) FinalizeRecording(ctx context.Context, id, path string, durationSec float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, recordingPath = ?, durationSec = ?, updatedAt = ? WHERE id = ?`,
		StatusRecorded, path, durationSec, unixTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finalize recording: %w", err)
	}
	return requireRow(res, id)
}

// PurgeEntry deletes an entry and every revision it owns.
func (s *Store) PurgeEntry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM artifactRevisions WHERE entryId = ?`,
		`DELETE FROM transcriptRevisions WHERE entryId = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("purge revisions: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetInterruptedRecordings repairs entries left mid-pipeline by a crash:
// recording falls back to recorded or idle depending on whether a file exists,
// transcribing to recorded, generating to transcribed.
func (s *Store) ResetInterruptedRecordings(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET
			status = CASE status
				WHEN 'recording' THEN CASE WHEN COALESCE(recordingPath, '') = '' THEN 'idle' ELSE 'recorded' END
				WHEN 'transcribing' THEN 'recorded'
				ELSE 'transcribed'
			END,
			updatedAt = ?
		WHERE status IN ('recording', 'transcribing', 'generating')`,
		unixTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("reset interrupted entries: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.New(apperr.KindNotFound, "entry %s not found", id)
	}
	return nil
}
