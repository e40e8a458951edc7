// Package recording coordinates the capture adapters of one entry through the
// session lifecycle and finalizes their output into the entry's recording.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
)

// DefaultStopTimeout bounds how long Stop waits for writers to finalize.
const DefaultStopTimeout = 10 * time.Second

const defaultHistory = 64

// EntryStore is the part of the persistent store the controller mutates.
type EntryStore interface {
	Entry(ctx context.Context, id string) (db.Entry, error)
	SetEntryStatus(ctx context.Context, id, status string) error
	FinalizeRecording(ctx context.Context, id, path string, durationSec float64) error
}

// Config wires a Controller. Store and Factory are required.
type Config struct {
	DataDir     string
	StopTimeout time.Duration
	// History is how many finished sessions stay queryable.
	History  int
	Factory  capture.Factory
	Mixer    Mixer
	Store    EntryStore
	Observer Observer
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// Controller is the registry of recording sessions. At most one session is
// active per entry; sessions on different entries run independently.
type Controller struct {
	cfg Config
	log *zap.SugaredLogger

	mu       sync.Mutex
	byEntry  map[string]*session
	byID     map[string]*session
	finished []string
}

// NewController validates cfg and returns an empty registry.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Factory == nil {
		return nil, errors.New("recording: store and adapter factory are required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.Mixer == nil {
		cfg.Mixer = NewFFmpegMixer("")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger.Named("recording"),
		byEntry: make(map[string]*session),
		byID:    make(map[string]*session),
	}, nil
}

// AudioDir is where an entry's audio files live.
func AudioDir(dataDir, entryID string) string {
	return filepath.Join(dataDir, "entries", entryID, "audio")
}

// Start begins a session capturing sources for entryID. It returns once every
// adapter has acknowledged its start, or tears all of them down if any fails.
func (c *Controller) Start(ctx context.Context, entryID string, sources []capture.Source) (string, error) {
	if len(sources) == 0 {
		return "", apperr.New(apperr.KindInvalidInput, "at least one capture source is required")
	}

	s := &session{
		id:        uuid.NewString(),
		entryID:   entryID,
		sources:   append([]capture.Source(nil), sources...),
		startedAt: c.cfg.Now(),
		cmds:      make(chan command),
		faults:    make(chan error, len(sources)),
		done:      make(chan struct{}),
		agg:       telemetry.NewAggregator(),
		state:     StateStarting,
	}

	c.mu.Lock()
	if active, ok := c.byEntry[entryID]; ok {
		c.mu.Unlock()
		return "", apperr.New(apperr.KindConcurrentSession, "entry %s already has active session %s", entryID, active.id)
	}
	c.byEntry[entryID] = s
	c.mu.Unlock()

	if err := c.start(ctx, s); err != nil {
		c.mu.Lock()
		delete(c.byEntry, entryID)
		c.mu.Unlock()
		c.log.Warnw("session start failed", "entry", entryID, "error", err)
		c.setState(s, StateFailed, err)
		return "", err
	}

	c.mu.Lock()
	c.byID[s.id] = s
	c.mu.Unlock()

	c.setState(s, StateRecording, nil)
	c.log.Infow("session recording", "session", s.id, "entry", entryID, "sources", len(s.adapters))
	go c.run(s)
	return s.id, nil
}

func (c *Controller) start(ctx context.Context, s *session) error {
	entry, err := c.cfg.Store.Entry(ctx, s.entryID)
	if err != nil {
		return err
	}
	switch entry.Status {
	case db.StatusTranscribing, db.StatusGenerating:
		return apperr.New(apperr.KindSessionState, "entry %s is %s", s.entryID, entry.Status)
	}
	s.prevStatus = entry.Status
	if entry.RecordingPath != "" {
		if _, err := os.Stat(entry.RecordingPath); err == nil {
			s.existing = entry.RecordingPath
		}
	}

	dir := AudioDir(c.cfg.DataDir, s.entryID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindAdapterStart, err, "create audio dir")
	}

	for i, src := range s.sources {
		path := filepath.Join(dir, fmt.Sprintf(".capture-%s-%d.wav", s.id[:8], i))
		a, err := c.cfg.Factory(src, path)
		if err != nil {
			c.teardown(s)
			return apperr.Wrap(apperr.KindAdapterStart, err, "%s", src)
		}
		s.adapters = append(s.adapters, a)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.adapters {
		a := a
		g.Go(func() error { return a.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		c.teardown(s)
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindAdapterStart, err, "start capture")
		}
		return err
	}

	if err := c.cfg.Store.SetEntryStatus(ctx, s.entryID, db.StatusRecording); err != nil {
		c.teardown(s)
		return err
	}

	seen := make(map[string]bool)
	for i, a := range s.adapters {
		label := a.Source().String()
		if seen[label] {
			label = fmt.Sprintf("%s#%d", label, i+1)
		}
		seen[label] = true
		s.agg.Add(label, a)
		go forwardFaults(s, a)
	}
	return nil
}

func forwardFaults(s *session, a capture.Adapter) {
	for {
		select {
		case err := <-a.Faults():
			select {
			case s.faults <- err:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// run is the session's owner goroutine.
func (c *Controller) run(s *session) {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmds:
			rec, err := c.handle(s, cmd)
			terminal := s.currentState().Terminal()
			if terminal {
				c.retire(s)
			}
			cmd.reply <- result{rec: rec, err: err}
			if terminal {
				return
			}
		case err := <-s.faults:
			if !apperr.IsFatal(err) {
				c.log.Warnw("adapter warning", "session", s.id, "error", err)
				continue
			}
			c.log.Errorw("adapter fault, stopping session", "session", s.id, "error", err)
			if _, ferr := c.finalize(context.Background(), s, err); ferr != nil && ferr != err {
				c.log.Errorw("finalize after fault", "session", s.id, "error", ferr)
			}
			c.retire(s)
			return
		}
	}
}

func (c *Controller) handle(s *session, cmd command) (Recording, error) {
	state := s.currentState()
	switch cmd.op {
	case opPause:
		if state != StateRecording {
			return Recording{}, apperr.New(apperr.KindSessionState, "cannot pause session in state %s", state)
		}
		for _, a := range s.adapters {
			if err := a.Pause(); err != nil {
				c.log.Warnw("pause adapter", "session", s.id, "error", err)
			}
		}
		c.setState(s, StatePaused, nil)
		return Recording{}, nil
	case opResume:
		if state != StatePaused {
			return Recording{}, apperr.New(apperr.KindSessionState, "cannot resume session in state %s", state)
		}
		for _, a := range s.adapters {
			if err := a.Resume(); err != nil {
				c.log.Warnw("resume adapter", "session", s.id, "error", err)
			}
		}
		c.setState(s, StateRecording, nil)
		return Recording{}, nil
	default:
		return c.finalize(cmd.ctx, s, nil)
	}
}

// stopAdapters stops every adapter concurrently, bounded by StopTimeout.
func (c *Controller) stopAdapters(ctx context.Context, s *session) ([]capture.Result, error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
	defer cancel()

	results := make([]capture.Result, len(s.adapters))
	var g errgroup.Group
	for i, a := range s.adapters {
		i, a := i, a
		g.Go(func() error {
			res, err := a.Stop(stopCtx)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// finalize stops the adapters and turns whatever audio reached disk into the
// entry's recording. A non-nil fault is the adapter error that ended the
// session early; it stays attached to the finalized session and only fails
// it when no source captured audio.
func (c *Controller) finalize(ctx context.Context, s *session, fault error) (Recording, error) {
	c.setState(s, StateStopping, nil)

	results, stopErr := c.stopAdapters(ctx, s)
	if stopErr != nil {
		c.log.Warnw("adapter stop", "session", s.id, "error", stopErr)
	}

	var inputs []string
	truncated := false
	for _, r := range results {
		truncated = truncated || r.Truncated
		if r.HasAudio() {
			inputs = append(inputs, r.Path)
		}
	}
	if len(inputs) == 0 {
		var err error = apperr.New(apperr.KindNoSignal, "recording captured no audible data; check source routing and permissions")
		switch {
		case fault != nil:
			err = fault
		case stopErr != nil:
			err = apperr.Wrap(apperr.KindAdapterRuntime, stopErr, "finalize capture")
		}
		return Recording{}, c.abandon(s, err)
	}

	mixCtx := context.WithoutCancel(ctx)
	dir := AudioDir(c.cfg.DataDir, s.entryID)
	final := filepath.Join(dir, "original.wav")
	take := final
	if s.existing != "" {
		final = s.existing
		take = filepath.Join(dir, fmt.Sprintf("segment-%d.wav", c.cfg.Now().Unix()))
	}

	if err := c.cfg.Mixer.Mix(mixCtx, inputs, take); err != nil {
		removeFile(c.log, take)
		return Recording{}, c.abandon(s, apperr.Wrap(apperr.KindAdapterRuntime, err, "combine sources"))
	}
	c.removeCaptures(s)

	if s.existing != "" {
		merged := filepath.Join(dir, fmt.Sprintf("merged-%d.wav", c.cfg.Now().Unix()))
		err := c.cfg.Mixer.Concat(mixCtx, s.existing, take, merged)
		if err == nil {
			err = os.Rename(merged, s.existing)
		}
		removeFile(c.log, take)
		if err != nil {
			removeFile(c.log, merged)
			return Recording{}, c.abandon(s, apperr.Wrap(apperr.KindAdapterRuntime, err, "append to existing recording"))
		}
	}

	var duration float64
	if info, err := wavfile.Probe(final); err != nil {
		c.log.Warnw("probe recording", "path", final, "error", err)
	} else {
		duration = info.Seconds()
	}

	if err := c.cfg.Store.FinalizeRecording(mixCtx, s.entryID, final, duration); err != nil {
		// A merged take already replaced the referenced recording in place.
		if s.existing == "" {
			removeFile(c.log, final)
		}
		return Recording{}, c.abandon(s, err)
	}

	rec := Recording{
		SessionID:   s.id,
		EntryID:     s.entryID,
		Path:        final,
		DurationSec: duration,
		Truncated:   truncated,
	}
	s.mu.Lock()
	s.outcome = &rec
	s.mu.Unlock()
	c.setState(s, StateFinalized, fault)
	c.log.Infow("session finalized", "session", s.id, "entry", s.entryID, "path", final, "duration", duration, "truncated", truncated, "fault", fault)
	return rec, nil
}

// abandon fails the session: new files are removed and the entry gets its
// pre-session status back.
func (c *Controller) abandon(s *session, cause error) error {
	c.removeCaptures(s)
	if err := c.cfg.Store.SetEntryStatus(context.Background(), s.entryID, s.prevStatus); err != nil {
		c.log.Errorw("restore entry status", "entry", s.entryID, "error", err)
	}
	c.setState(s, StateFailed, cause)
	return cause
}

// teardown undoes a partial start.
func (c *Controller) teardown(s *session) {
	c.stopAdapters(context.Background(), s)
	c.removeCaptures(s)
}

func (c *Controller) removeCaptures(s *session) {
	for _, a := range s.adapters {
		removeFile(c.log, a.Path())
	}
}

func removeFile(log *zap.SugaredLogger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnw("remove file", "path", path, "error", err)
	}
}

func (c *Controller) setState(s *session, state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
	c.notify(s, state, err)
}

func (c *Controller) notify(s *session, state State, err error) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(Event{SessionID: s.id, EntryID: s.entryID, State: state, Err: err})
	}
}

// retire frees the entry for a new session and keeps the finished session
// queryable until it ages out of the history.
func (c *Controller) retire(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byEntry[s.entryID] == s {
		delete(c.byEntry, s.entryID)
	}
	c.finished = append(c.finished, s.id)
	for len(c.finished) > c.cfg.History {
		delete(c.byID, c.finished[0])
		c.finished = c.finished[1:]
	}
}

func (c *Controller) lookup(sessionID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[sessionID]
	if !ok {
		return nil, apperr.New(apperr.KindSessionState, "no session %s", sessionID)
	}
	return s, nil
}

// Pause suspends writing on every adapter. Valid only while recording.
func (c *Controller) Pause(ctx context.Context, sessionID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, opPause)
	return err
}

// Resume continues writing into the same files. Valid only while paused.
func (c *Controller) Resume(ctx context.Context, sessionID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, opResume)
	return err
}

// Stop finalizes the session and updates the entry. Stopping a session that
// is already stopping or finalized returns the same recording.
func (c *Controller) Stop(ctx context.Context, sessionID string) (Recording, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return Recording{}, err
	}
	return s.call(ctx, opStop)
}

// Meter returns the aggregated telemetry without waiting on the session.
func (c *Controller) Meter(sessionID string) (telemetry.Reading, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return telemetry.Reading{}, err
	}
	switch state := s.currentState(); state {
	case StateRecording, StatePaused:
		return s.agg.Read(), nil
	default:
		return telemetry.Reading{}, apperr.New(apperr.KindSessionState, "no meter in state %s", state)
	}
}

// Status describes a live or recently finished session.
func (c *Controller) Status(sessionID string) (Status, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// ActiveFor returns the active session of entryID, if any.
func (c *Controller) ActiveFor(entryID string) (Status, bool) {
	c.mu.Lock()
	s, ok := c.byEntry[entryID]
	c.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

// Active lists every active session.
func (c *Controller) Active() []Status {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.byEntry))
	for _, s := range c.byEntry {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.status())
	}
	return out
}

// Shutdown stops every active session.
func (c *Controller) Shutdown(ctx context.Context) error {
	var errs []error
	for _, st := range c.Active() {
		if st.State == StateStarting {
			continue
		}
		if _, err := c.Stop(ctx, st.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", st.SessionID, err))
		}
	}
	return errors.Join(errs...)
}
