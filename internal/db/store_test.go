package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// createTestDB opens an in-memory store with the full schema.
func createTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestEntry(t *testing.T, store *Store) Entry {
	t.Helper()

	ctx := context.Background()
	folder, err := store.CreateFolder(ctx, "Calls", "")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	entry, err := store.CreateEntry(ctx, folder.ID, "Weekly sync")
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return entry
}

func TestCreateAndReadEntry(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	got, err := store.Entry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.Title != "Weekly sync" || got.Status != StatusIdle || got.RecordingPath != "" {
		t.Errorf("unexpected entry: %+v", got)
	}

	entries, err := store.Entries(ctx, entry.FolderID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Errorf("Entries = %+v", entries)
	}

	_, err = store.Entry(ctx, "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFinalizeRecording(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	if err := store.SetEntryStatus(ctx, entry.ID, StatusRecording); err != nil {
		t.Fatalf("SetEntryStatus: %v", err)
	}
	if err := store.FinalizeRecording(ctx, entry.ID, "/tmp/original.wav", 12.5); err != nil {
		t.Fatalf("FinalizeRecording: %v", err)
	}

	got, _ := store.Entry(ctx, entry.ID)
	if got.Status != StatusRecorded || got.RecordingPath != "/tmp/original.wav" || got.DurationSec != 12.5 {
		t.Errorf("unexpected entry: %+v", got)
	}

	if err := store.SetEntryStatus(ctx, "missing", StatusIdle); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTranscriptVersionsAreSequential(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	for i := 1; i <= 3; i++ {
		rev, err := store.AppendTranscript(ctx, entry.ID, fmt.Sprintf("text %d", i), "", i == 3)
		if err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
		if rev.Version != i {
			t.Errorf("version = %d, want %d", rev.Version, i)
		}
	}

	latest, err := store.LatestTranscript(ctx, entry.ID)
	if err != nil {
		t.Fatalf("LatestTranscript: %v", err)
	}
	if latest.Version != 3 || latest.Text != "text 3" || !latest.IsManualEdit || latest.Language != "auto" {
		t.Errorf("unexpected latest: %+v", latest)
	}

	revs, _ := store.TranscriptRevisions(ctx, entry.ID)
	if len(revs) != 3 || revs[0].Version != 1 || revs[2].Version != 3 {
		t.Errorf("unexpected revisions: %+v", revs)
	}
}

func TestConcurrentTranscriptAppendsHaveNoGaps(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.AppendTranscript(ctx, entry.ID, fmt.Sprint(i), "en", false); err != nil {
				t.Errorf("AppendTranscript: %v", err)
			}
		}(i)
	}
	wg.Wait()

	revs, _ := store.TranscriptRevisions(ctx, entry.ID)
	if len(revs) != 20 {
		t.Fatalf("got %d revisions, want 20", len(revs))
	}
	for i, r := range revs {
		if r.Version != i+1 {
			t.Errorf("revs[%d].Version = %d", i, r.Version)
		}
	}
}

func TestStalenessFollowsTranscriptVersions(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	v1, _ := store.AppendTranscript(ctx, entry.ID, "first", "en", false)
	summary, err := store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "# Summary", v1.Version, false)
	if err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}
	if summary.Version != 1 || summary.SourceTranscriptVersion != 1 || summary.IsStale {
		t.Errorf("unexpected summary: %+v", summary)
	}

	v2, _ := store.AppendTranscript(ctx, entry.ID, "second", "en", true)
	latest, _ := store.LatestArtifact(ctx, entry.ID, ArtifactSummary)
	if !latest.IsStale {
		t.Error("summary should be stale after transcript v2")
	}

	// A manual edit against the old transcript is recorded as stale.
	edit, _ := store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "edited", v1.Version, true)
	if !edit.IsStale || edit.Version != 2 {
		t.Errorf("unexpected edit: %+v", edit)
	}

	fresh, _ := store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "regenerated", v2.Version, false)
	if fresh.IsStale || fresh.Version != 3 {
		t.Errorf("unexpected regenerated: %+v", fresh)
	}

	// Every revision satisfies isStale == (current > source).
	store.AppendTranscript(ctx, entry.ID, "third", "en", false)
	revs, _ := store.ArtifactRevisions(ctx, entry.ID, "")
	for _, r := range revs {
		if want := r.SourceTranscriptVersion < 3; r.IsStale != want {
			t.Errorf("revision v%d (source %d) isStale = %v, want %v", r.Version, r.SourceTranscriptVersion, r.IsStale, want)
		}
	}
}

func TestAppendArtifactRejectsBadInput(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	if _, err := store.AppendArtifact(ctx, entry.ID, "poem", "x", 1, false); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unknown type: got %v", err)
	}
	if _, err := store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "x", 1, false); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("missing transcript: got %v", err)
	}
	if _, err := store.AppendTranscript(ctx, "missing", "x", "en", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing entry: got %v", err)
	}
}

func TestBundle(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	b, err := store.Bundle(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if b.Transcript != nil || len(b.Artifacts) != 0 {
		t.Errorf("expected empty bundle, got %+v", b)
	}

	store.AppendTranscript(ctx, entry.ID, "hello", "en", false)
	store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "s1", 1, false)
	store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "s2", 1, true)
	store.AppendArtifact(ctx, entry.ID, ArtifactAnalysis, "a1", 1, false)

	b, _ = store.Bundle(ctx, entry.ID)
	if b.Transcript == nil || b.Transcript.Text != "hello" {
		t.Errorf("transcript = %+v", b.Transcript)
	}
	if len(b.Artifacts) != 2 {
		t.Fatalf("got %d artifacts, want 2", len(b.Artifacts))
	}
	if b.Artifacts[ArtifactSummary].Text != "s2" {
		t.Errorf("summary = %+v", b.Artifacts[ArtifactSummary])
	}
}

func TestPurgeEntryDeletesRevisions(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()
	entry := createTestEntry(t, store)

	store.AppendTranscript(ctx, entry.ID, "hello", "en", false)
	store.AppendArtifact(ctx, entry.ID, ArtifactSummary, "s1", 1, false)

	if err := store.PurgeEntry(ctx, entry.ID); err != nil {
		t.Fatalf("PurgeEntry: %v", err)
	}
	revs, _ := store.TranscriptRevisions(ctx, entry.ID)
	arts, _ := store.ArtifactRevisions(ctx, entry.ID, "")
	if len(revs) != 0 || len(arts) != 0 {
		t.Errorf("revisions survived purge: %d transcripts, %d artifacts", len(revs), len(arts))
	}
	if err := store.PurgeEntry(ctx, entry.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second purge: got %v", err)
	}
}

func TestResetInterruptedRecordings(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()

	tests := []struct {
		status   string
		path     string
		expected string
	}{
		{StatusRecording, "", StatusIdle},
		{StatusRecording, "/tmp/a.wav", StatusRecorded},
		{StatusTranscribing, "/tmp/a.wav", StatusRecorded},
		{StatusGenerating, "/tmp/a.wav", StatusTranscribed},
		{StatusProcessed, "/tmp/a.wav", StatusProcessed},
	}

	ids := make([]string, len(tests))
	for i, tt := range tests {
		e := createTestEntry(t, store)
		if tt.path != "" {
			store.FinalizeRecording(ctx, e.ID, tt.path, 1)
		}
		store.SetEntryStatus(ctx, e.ID, tt.status)
		ids[i] = e.ID
	}

	n, err := store.ResetInterruptedRecordings(ctx)
	if err != nil {
		t.Fatalf("ResetInterruptedRecordings: %v", err)
	}
	if n != 4 {
		t.Errorf("reset %d entries, want 4", n)
	}
	for i, tt := range tests {
		e, _ := store.Entry(ctx, ids[i])
		if e.Status != tt.expected {
			t.Errorf("%s (path %q) -> %s, want %s", tt.status, tt.path, e.Status, tt.expected)
		}
	}
}

func TestPromptTemplatesAndModel(t *testing.T) {
	store := createTestDB(t)
	ctx := context.Background()

	got, err := store.PromptTemplate(ctx, ArtifactCritiqueSales)
	if err != nil {
		t.Fatalf("PromptTemplate: %v", err)
	}
	if got != DefaultPrompts[ArtifactCritiqueSales] {
		t.Errorf("default prompt = %q", got)
	}

	if err := store.SetPromptTemplate(ctx, ArtifactSummary, "Be brief."); err != nil {
		t.Fatalf("SetPromptTemplate: %v", err)
	}
	all, _ := store.PromptTemplates(ctx)
	if all[ArtifactSummary] != "Be brief." || len(all) != len(ArtifactTypes) {
		t.Errorf("templates = %+v", all)
	}
	if err := store.SetPromptTemplate(ctx, "poem", "x"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unknown role: got %v", err)
	}

	model, _ := store.ModelName(ctx)
	if model != DefaultModelName {
		t.Errorf("model = %q", model)
	}
	store.SetModelName(ctx, " llama3.1:8b ")
	model, _ = store.ModelName(ctx)
	if model != "llama3.1:8b" {
		t.Errorf("model = %q", model)
	}
}
