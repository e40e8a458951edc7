// Package transcribe runs a local speech-to-text tool over an entry's
// finalized recording and stores the result as a new transcript revision.
package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/entrylock"
)

// Default timeout budget: a fixed allowance plus a multiple of audio length.
const (
	DefaultBaseTimeout     = 2 * time.Minute
	DefaultTimeoutPerAudio = 3.0
)

// Store is the persistence the orchestrator needs.
type Store interface {
	Entry(ctx context.Context, id string) (db.Entry, error)
	SetEntryStatus(ctx context.Context, id, status string) error
	AppendTranscript(ctx context.Context, entryID, text, language string, manual bool) (db.TranscriptRevision, error)
	LatestTranscript(ctx context.Context, entryID string) (*db.TranscriptRevision, error)
}

// Orchestrator serializes transcript creation per entry.
type Orchestrator struct {
	Store   Store
	Engine  Engine
	Locks   *entrylock.Locker
	DataDir string
	// BaseTimeout + TimeoutPerAudio × duration bounds one tool run.
	BaseTimeout     time.Duration
	TimeoutPerAudio float64
	Logger          *zap.SugaredLogger
}

func (o *Orchestrator) log() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// Timeout returns the tool budget for durationSec of audio.
func (o *Orchestrator) Timeout(durationSec float64) time.Duration {
	base := o.BaseTimeout
	if base <= 0 {
		base = DefaultBaseTimeout
	}
	factor := o.TimeoutPerAudio
	if factor <= 0 {
		factor = DefaultTimeoutPerAudio
	}
	return base + time.Duration(factor*durationSec*float64(time.Second))
}

// Transcribe runs the engine on the entry's recording. On failure the entry
// keeps its previous status and no revision is written.
func (o *Orchestrator) Transcribe(ctx context.Context, entryID, language string) (db.TranscriptRevision, error) {
	unlock, err := o.Locks.Lock(ctx, entryID)
	if err != nil {
		return db.TranscriptRevision{}, err
	}
	defer unlock()

	entry, err := o.Store.Entry(ctx, entryID)
	if err != nil {
		return db.TranscriptRevision{}, err
	}
	if entry.Status == db.StatusRecording {
		return db.TranscriptRevision{}, apperr.New(apperr.KindSessionState, "entry %s is still recording", entryID)
	}
	if entry.RecordingPath == "" {
		return db.TranscriptRevision{}, apperr.New(apperr.KindInvalidInput, "entry %s has no recording", entryID)
	}
	if _, err := os.Stat(entry.RecordingPath); err != nil {
		return db.TranscriptRevision{}, apperr.Wrap(apperr.KindNotFound, err, "recording for entry %s", entryID)
	}

	if err := o.Store.SetEntryStatus(ctx, entryID, db.StatusTranscribing); err != nil {
		return db.TranscriptRevision{}, err
	}
	restore := func() {
		if err := o.Store.SetEntryStatus(context.WithoutCancel(ctx), entryID, entry.Status); err != nil {
			o.log().Errorw("restore entry status", "entry", entryID, "error", err)
		}
	}

	timeout := o.Timeout(entry.DurationSec)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	o.log().Infow("transcription started", "entry", entryID, "language", language, "timeout", timeout)
	res, err := o.Engine.Transcribe(runCtx, Request{
		AudioPath: entry.RecordingPath,
		Language:  language,
		WorkDir:   filepath.Join(o.DataDir, "entries", entryID, "transcript"),
	})
	if err != nil {
		restore()
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindTranscriptionTool, err, "transcription failed")
		}
		o.log().Warnw("transcription failed", "entry", entryID, "error", err)
		return db.TranscriptRevision{}, err
	}
	if strings.TrimSpace(res.Text) == "" {
		restore()
		return db.TranscriptRevision{}, apperr.New(apperr.KindTranscriptionTool,
			"transcription returned empty text; check that speech was audible in the recording")
	}

	rev, err := o.Store.AppendTranscript(ctx, entryID, res.Text, res.Language, false)
	if err != nil {
		restore()
		return db.TranscriptRevision{}, err
	}
	if err := o.Store.SetEntryStatus(ctx, entryID, db.StatusTranscribed); err != nil {
		return rev, err
	}
	o.log().Infow("transcription finished", "entry", entryID, "version", rev.Version,
		"language", rev.Language, "elapsed", time.Since(started))
	return rev, nil
}

// Edit stores a manual transcript revision. An empty language keeps the
// current transcript's language.
func (o *Orchestrator) Edit(ctx context.Context, entryID, text, language string) (db.TranscriptRevision, error) {
	if strings.TrimSpace(text) == "" {
		return db.TranscriptRevision{}, apperr.New(apperr.KindInvalidInput, "transcript text is required")
	}

	unlock, err := o.Locks.Lock(ctx, entryID)
	if err != nil {
		return db.TranscriptRevision{}, err
	}
	defer unlock()

	entry, err := o.Store.Entry(ctx, entryID)
	if err != nil {
		return db.TranscriptRevision{}, err
	}
	if language == "" {
		cur, err := o.Store.LatestTranscript(ctx, entryID)
		if err != nil {
			return db.TranscriptRevision{}, err
		}
		if cur != nil {
			language = cur.Language
		}
	}

	rev, err := o.Store.AppendTranscript(ctx, entryID, text, language, true)
	if err != nil {
		return db.TranscriptRevision{}, err
	}
	if entry.Status != db.StatusRecording {
		if err := o.Store.SetEntryStatus(ctx, entryID, db.StatusEdited); err != nil {
			return rev, err
		}
	}
	o.log().Infow("transcript edited", "entry", entryID, "version", rev.Version)
	return rev, nil
}
