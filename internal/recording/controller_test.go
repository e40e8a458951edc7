package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
)

var (
	mic    = capture.Source{Label: "mic", Format: "avfoundation", Locator: ":0"}
	system = capture.Source{Label: "System Audio", Format: capture.FormatSystemAudio, Locator: "system", Loopback: true}
)

type harness struct {
	ctl     *Controller
	store   *db.Store
	factory *fakeFactory
	mixer   *fakeMixer
	events  *eventLog
	dataDir string
	entry   db.Entry
}

func newHarness(t *testing.T, plan func(i int, a *fakeAdapter)) *harness {
	t.Helper()

	store, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	folder, err := store.CreateFolder(ctx, "Calls", "")
	require.NoError(t, err)
	entry, err := store.CreateEntry(ctx, folder.ID, "Interview")
	require.NoError(t, err)

	h := &harness{
		store:   store,
		factory: &fakeFactory{plan: plan},
		mixer:   &fakeMixer{},
		events:  &eventLog{},
		dataDir: t.TempDir(),
		entry:   entry,
	}
	h.ctl, err = NewController(Config{
		DataDir:     h.dataDir,
		StopTimeout: time.Second,
		Factory:     h.factory.build,
		Mixer:       h.mixer,
		Store:       store,
		Observer:    h.events.observe,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) entryStatus(t *testing.T) string {
	t.Helper()
	e, err := h.store.Entry(context.Background(), h.entry.ID)
	require.NoError(t, err)
	return e.Status
}

func TestStartMeterStopTwoSources(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic, system})
	require.NoError(t, err)
	assert.Equal(t, db.StatusRecording, h.entryStatus(t))

	h.factory.get(0).set(telemetry.Sample{BytesWritten: 1000, Level: 0.2})
	h.factory.get(1).set(telemetry.Sample{BytesWritten: 3000, Level: 0.6})
	r, err := h.ctl.Meter(id)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), r.BytesWritten)
	assert.InDelta(t, 0.6, r.Level, 1e-9)
	assert.Len(t, r.Sources, 2)

	rec, err := h.ctl.Stop(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(AudioDir(h.dataDir, h.entry.ID), "original.wav"), rec.Path)
	assert.InDelta(t, 1.0, rec.DurationSec, 1e-6)

	require.Len(t, h.mixer.mixes, 1)
	assert.Len(t, h.mixer.mixes[0], 2)
	for _, in := range h.mixer.mixes[0] {
		_, err := os.Stat(in)
		assert.True(t, os.IsNotExist(err), "capture %s should be removed", in)
	}

	e, err := h.store.Entry(ctx, h.entry.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRecorded, e.Status)
	assert.Equal(t, rec.Path, e.RecordingPath)
	assert.InDelta(t, 1.0, e.DurationSec, 1e-6)

	assert.Equal(t, []State{StateRecording, StateStopping, StateFinalized}, h.events.states())
	_, active := h.ctl.ActiveFor(h.entry.ID)
	assert.False(t, active)
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)

	_, err = h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	assert.ErrorIs(t, err, apperr.ErrConcurrentSession)
	assert.Len(t, h.factory.adapters, 1, "no adapters built for the rejected start")

	_, err = h.ctl.Stop(ctx, id)
	require.NoError(t, err)

	// The entry is free again once the session is finalized.
	id2, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	_, err = h.ctl.Stop(ctx, id2)
	require.NoError(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)

	first, err := h.ctl.Stop(ctx, id)
	require.NoError(t, err)
	second, err := h.ctl.Stop(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.factory.get(0).stopCount())

	st, err := h.ctl.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, st.State)
	require.NotNil(t, st.Recording)
	assert.Equal(t, first.Path, st.Recording.Path)
}

func TestPauseResumeTransitions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.ctl.Pause(ctx, "no-such-session")
	assert.ErrorIs(t, err, apperr.ErrSessionState)

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	a := h.factory.get(0)

	assert.ErrorIs(t, h.ctl.Resume(ctx, id), apperr.ErrSessionState)

	require.NoError(t, h.ctl.Pause(ctx, id))
	assert.True(t, a.isPaused())
	assert.ErrorIs(t, h.ctl.Pause(ctx, id), apperr.ErrSessionState)

	st, _ := h.ctl.Status(id)
	assert.Equal(t, StatePaused, st.State)
	_, err = h.ctl.Meter(id)
	assert.NoError(t, err, "meter stays readable while paused")

	require.NoError(t, h.ctl.Resume(ctx, id))
	assert.False(t, a.isPaused())

	_, err = h.ctl.Stop(ctx, id)
	require.NoError(t, err)
	before := h.entryStatus(t)

	assert.ErrorIs(t, h.ctl.Pause(ctx, id), apperr.ErrSessionState)
	assert.ErrorIs(t, h.ctl.Resume(ctx, id), apperr.ErrSessionState)
	_, err = h.ctl.Meter(id)
	assert.ErrorIs(t, err, apperr.ErrSessionState)
	assert.Equal(t, before, h.entryStatus(t))
}

func TestStartFailureTearsDownStartedAdapters(t *testing.T) {
	h := newHarness(t, func(i int, a *fakeAdapter) {
		if i == 1 {
			a.startErr = apperr.New(apperr.KindAdapterStart, "device busy")
		}
	})
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic, system})
	assert.ErrorIs(t, err, apperr.ErrAdapterStart)
	assert.Equal(t, 1, h.factory.get(0).stopCount())
	assert.Equal(t, db.StatusIdle, h.entryStatus(t))

	assert.Equal(t, []State{StateFailed}, h.events.states())
	assert.ErrorIs(t, h.events.last().Err, apperr.ErrAdapterStart)

	_, active := h.ctl.ActiveFor(h.entry.ID)
	assert.False(t, active)

	files, _ := os.ReadDir(AudioDir(h.dataDir, h.entry.ID))
	assert.Empty(t, files)
}

func TestStartWrapsRawErrors(t *testing.T) {
	h := newHarness(t, func(i int, a *fakeAdapter) {
		a.startErr = errors.New("boom")
	})

	_, err := h.ctl.Start(context.Background(), h.entry.ID, []capture.Source{mic})
	assert.ErrorIs(t, err, apperr.ErrAdapterStart)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, h.entry.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.ctl.Start(ctx, "missing", []capture.Source{mic})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, h.store.SetEntryStatus(ctx, h.entry.ID, db.StatusTranscribing))
	_, err = h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	assert.ErrorIs(t, err, apperr.ErrSessionState)
}

func TestNoSignalFaultFailsSession(t *testing.T) {
	h := newHarness(t, func(i int, a *fakeAdapter) { a.samples = 0 })
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic, system})
	require.NoError(t, err)

	h.factory.get(1).faults <- apperr.New(apperr.KindNoSignal, "no audio received")

	waitFor(t, "session failure", func() bool {
		st, _ := h.ctl.Status(id)
		return st.State == StateFailed
	})

	st, _ := h.ctl.Status(id)
	assert.Equal(t, apperr.KindNoSignal, st.ErrorKind)
	assert.Nil(t, st.Recording)
	assert.Equal(t, db.StatusIdle, h.entryStatus(t))
	assert.Equal(t, 1, h.factory.get(0).stopCount())
	assert.Equal(t, 1, h.factory.get(1).stopCount())
	assert.Empty(t, h.mixer.mixes)

	_, err = h.ctl.Stop(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrNoSignal)
	assert.ErrorIs(t, h.ctl.Pause(ctx, id), apperr.ErrSessionState)

	files, _ := os.ReadDir(AudioDir(h.dataDir, h.entry.ID))
	assert.Empty(t, files)

	_, active := h.ctl.ActiveFor(h.entry.ID)
	assert.False(t, active)
}

func TestRuntimeFaultKeepsCapturedAudio(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic, system})
	require.NoError(t, err)

	h.factory.get(1).faults <- apperr.New(apperr.KindAdapterRuntime, "system audio helper exited")

	waitFor(t, "session end", func() bool {
		return h.events.last().State.Terminal()
	})

	st, _ := h.ctl.Status(id)
	assert.Equal(t, StateFinalized, st.State)
	assert.Equal(t, apperr.KindAdapterRuntime, st.ErrorKind)
	assert.Contains(t, st.Error, "helper exited")
	require.NotNil(t, st.Recording)

	require.Len(t, h.mixer.mixes, 1)
	assert.Len(t, h.mixer.mixes[0], 2, "both sources had audio on disk")

	entry, err := h.store.Entry(ctx, h.entry.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRecorded, entry.Status)
	assert.Equal(t, st.Recording.Path, entry.RecordingPath)
	assert.InDelta(t, 1.0, entry.DurationSec, 1e-6)

	_, err = os.Stat(st.Recording.Path)
	assert.NoError(t, err)

	rec, err := h.ctl.Stop(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, st.Recording.Path, rec.Path)

	last := h.events.last()
	assert.Equal(t, StateFinalized, last.State)
	assert.ErrorIs(t, last.Err, apperr.ErrAdapterRuntime)
}

func TestFaultFinalizesOnlySourcesWithAudio(t *testing.T) {
	h := newHarness(t, func(i int, a *fakeAdapter) {
		if i == 1 {
			a.samples = 0
		}
	})
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic, system})
	require.NoError(t, err)

	h.factory.get(1).faults <- apperr.New(apperr.KindNoSignal, "no audio received")

	waitFor(t, "session end", func() bool {
		return h.events.last().State.Terminal()
	})

	st, _ := h.ctl.Status(id)
	assert.Equal(t, StateFinalized, st.State)
	assert.Equal(t, apperr.KindNoSignal, st.ErrorKind)
	require.Len(t, h.mixer.mixes, 1)
	assert.Equal(t, []string{h.factory.get(0).path}, h.mixer.mixes[0])
	assert.Equal(t, db.StatusRecorded, h.entryStatus(t))
}

// failingStore refuses to record the finished recording.
type failingStore struct {
	*db.Store
}

func (failingStore) FinalizeRecording(context.Context, string, string, float64) error {
	return errors.New("database is locked")
}

func TestFinalizeStoreFailureRestoresEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctl, err := NewController(Config{
		DataDir:     h.dataDir,
		StopTimeout: time.Second,
		Factory:     h.factory.build,
		Mixer:       h.mixer,
		Store:       failingStore{h.store},
		Observer:    h.events.observe,
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	assert.Equal(t, db.StatusRecording, h.entryStatus(t))

	_, err = ctl.Stop(ctx, id)
	assert.ErrorContains(t, err, "database is locked")
	assert.Equal(t, db.StatusIdle, h.entryStatus(t))

	st, _ := ctl.Status(id)
	assert.Equal(t, StateFailed, st.State)

	files, _ := os.ReadDir(AudioDir(h.dataDir, h.entry.ID))
	assert.Empty(t, files, "unreferenced mix should be removed")
}

func TestStopWithoutAudioRestoresEntry(t *testing.T) {
	h := newHarness(t, func(i int, a *fakeAdapter) { a.samples = 0 })
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)

	_, err = h.ctl.Stop(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrNoSignal)
	assert.Equal(t, db.StatusIdle, h.entryStatus(t))
	assert.Empty(t, h.mixer.mixes)
}

func TestRerecordAppendsToExistingRecording(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	first, err := h.ctl.Stop(ctx, id)
	require.NoError(t, err)

	id, err = h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	second, err := h.ctl.Stop(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.InDelta(t, 2.0, second.DurationSec, 1e-6)
	assert.Equal(t, 1, h.mixer.concats)

	files, _ := os.ReadDir(AudioDir(h.dataDir, h.entry.ID))
	require.Len(t, files, 1, "only the merged recording remains")
	assert.Equal(t, "original.wav", files[0].Name())
}

func TestShutdownStopsActiveSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	require.Len(t, h.ctl.Active(), 1)

	require.NoError(t, h.ctl.Shutdown(ctx))
	assert.Empty(t, h.ctl.Active())
	assert.Equal(t, db.StatusRecorded, h.entryStatus(t))
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.cfg.History = 1
	ctx := context.Background()

	first, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	_, err = h.ctl.Stop(ctx, first)
	require.NoError(t, err)

	second, err := h.ctl.Start(ctx, h.entry.ID, []capture.Source{mic})
	require.NoError(t, err)
	_, err = h.ctl.Stop(ctx, second)
	require.NoError(t, err)

	_, err = h.ctl.Status(first)
	assert.ErrorIs(t, err, apperr.ErrSessionState)
	_, err = h.ctl.Status(second)
	assert.NoError(t, err)
}
