package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/recording"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
)

// DefaultMeterInterval paces meter events to subscribers.
const DefaultMeterInterval = 200 * time.Millisecond

// subscriberBuffer is how many events a slow subscriber may lag before
// events are dropped for it.
const subscriberBuffer = 64

// Recorder is the session surface the daemon exposes.
type Recorder interface {
	Start(ctx context.Context, entryID string, sources []capture.Source) (string, error)
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) (recording.Recording, error)
	Meter(sessionID string) (telemetry.Reading, error)
	Status(sessionID string) (recording.Status, error)
	ActiveFor(entryID string) (recording.Status, bool)
	Active() []recording.Status
}

type Transcriber interface {
	Transcribe(ctx context.Context, entryID, language string) (db.TranscriptRevision, error)
}

type Generator interface {
	Generate(ctx context.Context, entryID, artifactType string) (db.ArtifactRevision, error)
}

// Server answers NDJSON commands on a Unix socket. A connection that sends
// subscribe turns into a one-way event stream.
type Server struct {
	Recorder    Recorder
	Transcriber Transcriber
	Generator   Generator
	// Devices lists capture sources; nil asks ffmpeg on PATH.
	Devices       func(ctx context.Context) ([]capture.Source, error)
	MeterInterval time.Duration
	Logger        *zap.SugaredLogger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	events chan Event
	filter map[string]bool
}

func (s *subscriber) wants(name string) bool {
	return len(s.filter) == 0 || s.filter[name]
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return s.Logger
}

// Observe forwards session transitions to subscribers. It never blocks, so it
// can be installed as the controller's recording.Observer.
func (s *Server) Observe(ev recording.Event) {
	out := Event{Event: EventStatus, SessionID: ev.SessionID, EntryID: ev.EntryID, State: ev.State}
	if ev.Err != nil {
		out.Message = ev.Err.Error()
		out.ErrorKind = apperr.KindOf(ev.Err)
	}
	s.broadcast(out)
	if ev.Err != nil {
		out.Event = EventError
		s.broadcast(out)
	}
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if !sub.wants(ev.Event) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			s.log().Debugw("subscriber lagging, event dropped", "event", ev.Event, "session", ev.SessionID)
		}
	}
}

func (s *Server) subscribe(events []string) *subscriber {
	sub := &subscriber{events: make(chan Event, subscriberBuffer), filter: make(map[string]bool)}
	for _, e := range events {
		sub.filter[e] = true
	}
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[*subscriber]struct{})
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Server) wantsMeter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.wants(EventMeter) {
			return true
		}
	}
	return false
}

// Serve listens on socketPath until ctx is cancelled. A stale socket file
// from a previous run is replaced.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	s.log().Infow("daemon listening", "socket", socketPath)
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		s.meterLoop(ctx)
		return nil
	})
	g.Go(func() error {
		var conns sync.WaitGroup
		defer conns.Wait()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				s.handleConn(ctx, conn)
			}()
		}
	})
	return g.Wait()
}

func (s *Server) meterLoop(ctx context.Context) {
	interval := s.MeterInterval
	if interval <= 0 {
		interval = DefaultMeterInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.Recorder == nil || !s.wantsMeter() {
			continue
		}
		for _, st := range s.Recorder.Active() {
			if st.State != recording.StateRecording && st.State != recording.StatePaused {
				continue
			}
			reading, err := s.Recorder.Meter(st.SessionID)
			if err != nil {
				continue
			}
			s.broadcast(Event{Event: EventMeter, SessionID: st.SessionID, EntryID: st.EntryID, State: st.State, Meter: &reading})
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLine), maxLine)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			if enc.Encode(failure(apperr.Wrap(apperr.KindInvalidInput, err, "malformed command"))) != nil {
				return
			}
			continue
		}
		if cmd.Cmd == CmdSubscribe {
			s.stream(ctx, scanner, enc, cmd.Events)
			return
		}
		if err := enc.Encode(s.dispatch(ctx, cmd)); err != nil {
			s.log().Debugw("write response", "cmd", cmd.Cmd, "error", err)
			return
		}
	}
}

// stream writes events until the client hangs up or ctx ends.
func (s *Server) stream(ctx context.Context, scanner *bufio.Scanner, enc *json.Encoder, events []string) {
	sub := s.subscribe(events)
	defer s.unsubscribe(sub)

	if err := enc.Encode(Response{OK: true}); err != nil {
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for scanner.Scan() {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case ev := <-sub.events:
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

func failure(err error) Response {
	return Response{OK: false, Error: err.Error(), ErrorKind: apperr.KindOf(err)}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) Response {
	resp, err := s.execute(ctx, cmd)
	if err != nil {
		s.log().Warnw("command failed", "cmd", cmd.Cmd, "entry", cmd.EntryID, "session", cmd.SessionID, "error", err)
		return failure(err)
	}
	resp.OK = true
	return resp
}

func (s *Server) execute(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Cmd {
	case CmdStart:
		id, err := s.Recorder.Start(ctx, cmd.EntryID, cmd.Sources)
		return Response{SessionID: id}, err
	case CmdPause:
		return Response{SessionID: cmd.SessionID}, s.Recorder.Pause(ctx, cmd.SessionID)
	case CmdResume:
		return Response{SessionID: cmd.SessionID}, s.Recorder.Resume(ctx, cmd.SessionID)
	case CmdStop:
		rec, err := s.Recorder.Stop(ctx, cmd.SessionID)
		if err != nil {
			return Response{}, err
		}
		return Response{SessionID: cmd.SessionID, Recording: &rec}, nil
	case CmdMeter:
		reading, err := s.Recorder.Meter(cmd.SessionID)
		if err != nil {
			return Response{}, err
		}
		return Response{SessionID: cmd.SessionID, Meter: &reading}, nil
	case CmdStatus:
		return s.status(cmd)
	case CmdDevices:
		devices, err := s.devices(ctx)
		return Response{Devices: devices}, err
	case CmdTranscribe:
		if s.Transcriber == nil {
			return Response{}, apperr.New(apperr.KindTranscriptionTool, "transcription is not configured")
		}
		rev, err := s.Transcriber.Transcribe(ctx, cmd.EntryID, cmd.Language)
		if err != nil {
			return Response{}, err
		}
		return Response{Version: rev.Version, Language: rev.Language, Text: rev.Text}, nil
	case CmdGenerate:
		if s.Generator == nil {
			return Response{}, apperr.New(apperr.KindGenerationRuntime, "generation is not configured")
		}
		rev, err := s.Generator.Generate(ctx, cmd.EntryID, cmd.ArtifactType)
		if err != nil {
			return Response{}, err
		}
		return Response{Version: rev.Version, Text: rev.Text}, nil
	}
	return Response{}, apperr.New(apperr.KindInvalidInput, "unknown command %q", cmd.Cmd)
}

func (s *Server) status(cmd Command) (Response, error) {
	switch {
	case cmd.SessionID != "":
		st, err := s.Recorder.Status(cmd.SessionID)
		if err != nil {
			return Response{}, err
		}
		return Response{SessionID: st.SessionID, Session: &st}, nil
	case cmd.EntryID != "":
		st, ok := s.Recorder.ActiveFor(cmd.EntryID)
		if !ok {
			return Response{}, nil
		}
		return Response{SessionID: st.SessionID, Session: &st}, nil
	}
	return Response{Sessions: s.Recorder.Active()}, nil
}

func (s *Server) devices(ctx context.Context) ([]capture.Source, error) {
	if s.Devices != nil {
		return s.Devices(ctx)
	}
	return capture.ListDevices(ctx, "")
}
