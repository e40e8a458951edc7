// Package db provides SQLite persistence for folders, entries and their
// append-only transcript and artifact revisions.
package db

import "time"

// Entry statuses.
const (
	StatusIdle         = "idle"
	StatusRecording    = "recording"
	StatusRecorded     = "recorded"
	StatusTranscribing = "transcribing"
	StatusTranscribed  = "transcribed"
	StatusGenerating   = "generating"
	StatusProcessed    = "processed"
	StatusEdited       = "edited"
)

// Artifact types, which double as prompt template roles.
const (
	ArtifactSummary             = "summary"
	ArtifactAnalysis            = "analysis"
	ArtifactCritiqueRecruitment = "critique_recruitment"
	ArtifactCritiqueSales       = "critique_sales"
	ArtifactCritiqueCS          = "critique_cs"
)

// ArtifactTypes lists every supported artifact type in display order.
var ArtifactTypes = []string{
	ArtifactSummary,
	ArtifactAnalysis,
	ArtifactCritiqueRecruitment,
	ArtifactCritiqueSales,
	ArtifactCritiqueCS,
}

// ValidArtifactType reports whether t is a supported artifact type.
func ValidArtifactType(t string) bool {
	for _, a := range ArtifactTypes {
		if a == t {
			return true
		}
	}
	return false
}

// DefaultModelName is the LLM used until the user picks another.
const DefaultModelName = "qwen3:8b"

// DefaultPrompts seeds the prompt templates.
var DefaultPrompts = map[string]string{
	ArtifactSummary:             "Create a concise markdown summary of this call. Include goals, what happened, and next actions.",
	ArtifactAnalysis:            "Analyze this call in markdown. Cover communication quality, risks, strengths, and concrete improvements.",
	ArtifactCritiqueRecruitment: "You are a Recruitment Head. Critique the interview quality, question depth, candidate signal quality, and hiring recommendation clarity.",
	ArtifactCritiqueSales:       "You are a Sales Head. Critique discovery quality, objection handling, value articulation, and deal progression discipline.",
	ArtifactCritiqueCS:          "You are a Customer Success Lead. Critique retention risk detection, expectation management, adoption coaching, and next-step ownership.",
}

// Folder groups entries.
type Folder struct {
	ID        string
	Name      string
	ParentID  string
	CreatedAt time.Time
}

// Entry is one recorded call.
type Entry struct {
	ID            string
	FolderID      string
	Title         string
	Status        string
	RecordingPath string
	DurationSec   float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TranscriptRevision is an immutable transcript version.
type TranscriptRevision struct {
	ID           string
	EntryID      string
	Version      int
	Text         string
	Language     string
	IsManualEdit bool
	CreatedAt    time.Time
}

// ArtifactRevision is an immutable artifact version. IsStale is kept equal to
// (current transcript version > SourceTranscriptVersion).
type ArtifactRevision struct {
	ID                      string
	EntryID                 string
	ArtifactType            string
	Version                 int
	Text                    string
	SourceTranscriptVersion int
	IsStale                 bool
	IsManualEdit            bool
	CreatedAt               time.Time
}

// Bundle is the read-only view an exporter needs: the entry, its current
// transcript and the current revision of each artifact type.
type Bundle struct {
	Entry      Entry
	Transcript *TranscriptRevision
	Artifacts  map[string]ArtifactRevision
}
