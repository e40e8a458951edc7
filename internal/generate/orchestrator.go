// Package generate derives artifacts such as summaries and critiques from an
// entry's current transcript using a local LLM runtime.
package generate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/entrylock"
)

// DefaultTimeout bounds one generation call.
const DefaultTimeout = 5 * time.Minute

// Store is the persistence the orchestrator needs.
type Store interface {
	Entry(ctx context.Context, id string) (db.Entry, error)
	SetEntryStatus(ctx context.Context, id, status string) error
	LatestTranscript(ctx context.Context, entryID string) (*db.TranscriptRevision, error)
	AppendArtifact(ctx context.Context, entryID, artifactType, text string, sourceVersion int, manual bool) (db.ArtifactRevision, error)
	PromptTemplate(ctx context.Context, role string) (string, error)
	ModelName(ctx context.Context) (string, error)
}

// Orchestrator runs generation under the entry lock shared with
// transcription, so the transcript snapshot cannot move mid-call.
type Orchestrator struct {
	Store   Store
	LLM     LLM
	Locks   *entrylock.Locker
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

func (o *Orchestrator) log() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// ComposePrompt joins a role template with the transcript.
func ComposePrompt(template, language, transcript string) string {
	return fmt.Sprintf("%s\n\nTranscript (language=%s):\n%s\n\nReturn markdown only.", template, language, transcript)
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// cleanResponse drops reasoning blocks and a wrapping markdown fence.
func cleanResponse(s string) string {
	s = strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) >= 6 {
		s = strings.TrimSuffix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	return strings.TrimSpace(s)
}

// Generate creates the next revision of artifactType from the current
// transcript. On failure no revision is written and the entry status reverts.
func (o *Orchestrator) Generate(ctx context.Context, entryID, artifactType string) (db.ArtifactRevision, error) {
	if !db.ValidArtifactType(artifactType) {
		return db.ArtifactRevision{}, apperr.New(apperr.KindInvalidInput, "unknown artifact type %q", artifactType)
	}

	unlock, err := o.Locks.Lock(ctx, entryID)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	defer unlock()

	entry, err := o.Store.Entry(ctx, entryID)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	if entry.Status == db.StatusRecording {
		return db.ArtifactRevision{}, apperr.New(apperr.KindSessionState, "entry %s is still recording", entryID)
	}
	transcript, err := o.Store.LatestTranscript(ctx, entryID)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	if transcript == nil {
		return db.ArtifactRevision{}, apperr.New(apperr.KindInvalidInput, "no transcript for entry %s; run transcription first", entryID)
	}
	template, err := o.Store.PromptTemplate(ctx, artifactType)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	model, err := o.Store.ModelName(ctx)
	if err != nil {
		return db.ArtifactRevision{}, err
	}

	if err := o.Store.SetEntryStatus(ctx, entryID, db.StatusGenerating); err != nil {
		return db.ArtifactRevision{}, err
	}
	restore := func() {
		if err := o.Store.SetEntryStatus(context.WithoutCancel(ctx), entryID, entry.Status); err != nil {
			o.log().Errorw("restore entry status", "entry", entryID, "error", err)
		}
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.log().Infow("generation started", "entry", entryID, "artifact", artifactType,
		"model", model, "transcriptVersion", transcript.Version)
	text, err := o.LLM.Generate(callCtx, model, ComposePrompt(template, transcript.Language, transcript.Text))
	if err != nil {
		restore()
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindGenerationRuntime, err, "generate %s", artifactType)
		}
		o.log().Warnw("generation failed", "entry", entryID, "artifact", artifactType, "error", err)
		return db.ArtifactRevision{}, err
	}
	text = cleanResponse(text)
	if text == "" {
		restore()
		return db.ArtifactRevision{}, apperr.New(apperr.KindGenerationRuntime, "model %s returned no text", model)
	}

	rev, err := o.Store.AppendArtifact(ctx, entryID, artifactType, text, transcript.Version, false)
	if err != nil {
		restore()
		return db.ArtifactRevision{}, err
	}
	if err := o.Store.SetEntryStatus(ctx, entryID, db.StatusProcessed); err != nil {
		return rev, err
	}
	o.log().Infow("generation finished", "entry", entryID, "artifact", artifactType, "version", rev.Version)
	return rev, nil
}

// Edit stores a manual artifact revision attributed to the transcript version
// current at edit time.
func (o *Orchestrator) Edit(ctx context.Context, entryID, artifactType, text string) (db.ArtifactRevision, error) {
	if !db.ValidArtifactType(artifactType) {
		return db.ArtifactRevision{}, apperr.New(apperr.KindInvalidInput, "unknown artifact type %q", artifactType)
	}
	if strings.TrimSpace(text) == "" {
		return db.ArtifactRevision{}, apperr.New(apperr.KindInvalidInput, "artifact text is required")
	}

	unlock, err := o.Locks.Lock(ctx, entryID)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	defer unlock()

	entry, err := o.Store.Entry(ctx, entryID)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	transcript, err := o.Store.LatestTranscript(ctx, entryID)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	if transcript == nil {
		return db.ArtifactRevision{}, apperr.New(apperr.KindInvalidInput, "no transcript for entry %s yet", entryID)
	}

	rev, err := o.Store.AppendArtifact(ctx, entryID, artifactType, text, transcript.Version, true)
	if err != nil {
		return db.ArtifactRevision{}, err
	}
	if entry.Status != db.StatusRecording {
		if err := o.Store.SetEntryStatus(ctx, entryID, db.StatusEdited); err != nil {
			return rev, err
		}
	}
	o.log().Infow("artifact edited", "entry", entryID, "artifact", artifactType, "version", rev.Version)
	return rev, nil
}
