package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// AppendTranscript stores the next transcript version for entryID and, in the
// same transaction, refreshes isStale on every artifact revision of the entry.
func (s *Store) AppendTranscript(ctx context.Context, entryID, text, language string, manual bool) (TranscriptRevision, error) {
	if language == "" {
		language = "auto"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TranscriptRevision{}, fmt.Errorf("begin transcript: %w", err)
	}
	defer tx.Rollback()

	if err := entryExists(ctx, tx, entryID); err != nil {
		return TranscriptRevision{}, err
	}

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM transcriptRevisions WHERE entryId = ?`,
		entryID).Scan(&version); err != nil {
		return TranscriptRevision{}, fmt.Errorf("next transcript version: %w", err)
	}

	rev := TranscriptRevision{
		ID:           uuid.NewString(),
		EntryID:      entryID,
		Version:      version,
		Text:         text,
		Language:     language,
		IsManualEdit: manual,
		CreatedAt:    time.Now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transcriptRevisions (id, entryId, version, text, language, isManualEdit, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.EntryID, rev.Version, rev.Text, rev.Language, boolInt(manual), unixTime(rev.CreatedAt)); err != nil {
		return TranscriptRevision{}, fmt.Errorf("insert transcript: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE artifactRevisions
		SET isStale = CASE WHEN sourceTranscriptVersion < ? THEN 1 ELSE 0 END
		WHERE entryId = ?`,
		version, entryID); err != nil {
		return TranscriptRevision{}, fmt.Errorf("refresh staleness: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TranscriptRevision{}, fmt.Errorf("commit transcript: %w", err)
	}
	return rev, nil
}

// AppendArtifact stores the next artifact version for (entryID, artifactType).
// sourceVersion is the transcript version the text was derived from; the new
// revision is stale if a newer transcript already exists.
func (s *Store) AppendArtifact(ctx context.Context, entryID, artifactType, text string, sourceVersion int, manual bool) (ArtifactRevision, error) {
	if !ValidArtifactType(artifactType) {
		return ArtifactRevision{}, apperr.New(apperr.KindInvalidInput, "unknown artifact type %q", artifactType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ArtifactRevision{}, fmt.Errorf("begin artifact: %w", err)
	}
	defer tx.Rollback()

	if err := entryExists(ctx, tx, entryID); err != nil {
		return ArtifactRevision{}, err
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM transcriptRevisions WHERE entryId = ?`,
		entryID).Scan(&current); err != nil {
		return ArtifactRevision{}, fmt.Errorf("current transcript version: %w", err)
	}
	if sourceVersion < 1 || sourceVersion > current {
		return ArtifactRevision{}, apperr.New(apperr.KindInvalidInput,
			"source transcript version %d does not exist (current %d)", sourceVersion, current)
	}

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM artifactRevisions WHERE entryId = ? AND artifactType = ?`,
		entryID, artifactType).Scan(&version); err != nil {
		return ArtifactRevision{}, fmt.Errorf("next artifact version: %w", err)
	}

	rev := ArtifactRevision{
		ID:                      uuid.NewString(),
		EntryID:                 entryID,
		ArtifactType:            artifactType,
		Version:                 version,
		Text:                    text,
		SourceTranscriptVersion: sourceVersion,
		IsStale:                 sourceVersion < current,
		IsManualEdit:            manual,
		CreatedAt:               time.Now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifactRevisions
		(id, entryId, artifactType, version, text, sourceTranscriptVersion, isStale, isManualEdit, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.EntryID, rev.ArtifactType, rev.Version, rev.Text, rev.SourceTranscriptVersion,
		boolInt(rev.IsStale), boolInt(manual), unixTime(rev.CreatedAt)); err != nil {
		return ArtifactRevision{}, fmt.Errorf("insert artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ArtifactRevision{}, fmt.Errorf("commit artifact: %w", err)
	}
	return rev, nil
}

func entryExists(ctx context.Context, tx *sql.Tx, entryID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE id = ?`, entryID).Scan(&one)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindNotFound, "entry %s not found", entryID)
	}
	if err != nil {
		return fmt.Errorf("query entry: %w", err)
	}
	return nil
}

const transcriptColumns = `id, entryId, version, text, language, isManualEdit, createdAt`

func scanTranscript(row rowScanner) (TranscriptRevision, error) {
	var r TranscriptRevision
	var manual int
	var created float64
	if err := row.Scan(&r.ID, &r.EntryID, &r.Version, &r.Text, &r.Language, &manual, &created); err != nil {
		return TranscriptRevision{}, err
	}
	r.IsManualEdit = manual != 0
	r.CreatedAt = timeFromUnix(created)
	return r, nil
}

// LatestTranscript returns the current transcript, or nil if none exists.
func (s *Store) LatestTranscript(ctx context.Context, entryID string) (*TranscriptRevision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcriptRevisions
		WHERE entryId = ? ORDER BY version DESC LIMIT 1`, entryID)
	r, err := scanTranscript(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest transcript: %w", err)
	}
	return &r, nil
}

// TranscriptRevisions returns every transcript revision in version order.
func (s *Store) TranscriptRevisions(ctx context.Context, entryID string) ([]TranscriptRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcriptRevisions
		WHERE entryId = ? ORDER BY version`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var revs []TranscriptRevision
	for rows.Next() {
		r, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

const artifactColumns = `id, entryId, artifactType, version, text, sourceTranscriptVersion, isStale, isManualEdit, createdAt`

func scanArtifact(row rowScanner) (ArtifactRevision, error) {
	var r ArtifactRevision
	var stale, manual int
	var created float64
	if err := row.Scan(&r.ID, &r.EntryID, &r.ArtifactType, &r.Version, &r.Text,
		&r.SourceTranscriptVersion, &stale, &manual, &created); err != nil {
		return ArtifactRevision{}, err
	}
	r.IsStale = stale != 0
	r.IsManualEdit = manual != 0
	r.CreatedAt = timeFromUnix(created)
	return r, nil
}

// LatestArtifact returns the current revision of artifactType, or nil.
func (s *Store) LatestArtifact(ctx context.Context, entryID, artifactType string) (*ArtifactRevision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifactRevisions
		WHERE entryId = ? AND artifactType = ? ORDER BY version DESC LIMIT 1`,
		entryID, artifactType)
	r, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest artifact: %w", err)
	}
	return &r, nil
}

// ArtifactRevisions returns revisions of artifactType in version order. An
// empty artifactType returns every artifact revision of the entry.
func (s *Store) ArtifactRevisions(ctx context.Context, entryID, artifactType string) ([]ArtifactRevision, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifactRevisions WHERE entryId = ?`
	args := []any{entryID}
	if artifactType != "" {
		query += ` AND artifactType = ?`
		args = append(args, artifactType)
	}
	query += ` ORDER BY artifactType, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var revs []ArtifactRevision
	for rows.Next() {
		r, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// Bundle returns the entry with its current transcript and the current
// revision of each artifact type that has one.
func (s *Store) Bundle(ctx context.Context, entryID string) (Bundle, error) {
	e, err := s.Entry(ctx, entryID)
	if err != nil {
		return Bundle{}, err
	}
	b := Bundle{Entry: e, Artifacts: make(map[string]ArtifactRevision)}

	if b.Transcript, err = s.LatestTranscript(ctx, entryID); err != nil {
		return Bundle{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifactRevisions a
		WHERE entryId = ? AND version = (
			SELECT MAX(version) FROM artifactRevisions
			WHERE entryId = a.entryId AND artifactType = a.artifactType
		)`, entryID)
	if err != nil {
		return Bundle{}, fmt.Errorf("query current artifacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanArtifact(rows)
		if err != nil {
			return Bundle{}, fmt.Errorf("scan artifact: %w", err)
		}
		b.Artifacts[r.ArtifactType] = r
	}
	return b, rows.Err()
}
