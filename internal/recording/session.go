package recording

import (
	"context"
	"sync"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
)

// State is a session's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// Recording is the outcome of a finalized session.
type Recording struct {
	SessionID   string  `json:"sessionId"`
	EntryID     string  `json:"entryId"`
	Path        string  `json:"path"`
	DurationSec float64 `json:"durationSec"`
	Truncated   bool    `json:"truncated,omitempty"`
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID string           `json:"sessionId"`
	EntryID   string           `json:"entryId"`
	State     State            `json:"state"`
	Sources   []capture.Source `json:"sources"`
	StartedAt time.Time        `json:"startedAt"`
	Error     string           `json:"error,omitempty"`
	ErrorKind apperr.Kind      `json:"errorKind,omitempty"`
	Recording *Recording       `json:"recording,omitempty"`
}

// Event reports a state transition to an Observer.
type Event struct {
	SessionID string
	EntryID   string
	State     State
	Err       error
}

// Observer receives state transitions. It is called from the session's owner
// goroutine and must not block.
type Observer func(Event)

type op int

const (
	opPause op = iota
	opResume
	opStop
)

type command struct {
	op    op
	ctx   context.Context
	reply chan result
}

type result struct {
	rec Recording
	err error
}

// session is one recording. Adapter handles and entry bookkeeping are owned by
// the run goroutine; the mutex only guards what Status and Meter read.
type session struct {
	id        string
	entryID   string
	sources   []capture.Source
	startedAt time.Time

	cmds   chan command
	faults chan error
	done   chan struct{}
	agg    *telemetry.Aggregator

	adapters   []capture.Adapter
	prevStatus string
	existing   string

	mu      sync.Mutex
	state   State
	outcome *Recording
	err     error
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID: s.id,
		EntryID:   s.entryID,
		State:     s.state,
		Sources:   s.sources,
		StartedAt: s.startedAt,
		Recording: s.outcome,
	}
	if s.err != nil {
		st.Error = s.err.Error()
		st.ErrorKind = apperr.KindOf(s.err)
	}
	return st
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// call hands a command to the owner goroutine. Once the session is terminal
// the answer comes from its recorded outcome instead.
func (s *session) call(ctx context.Context, o op) (Recording, error) {
	reply := make(chan result, 1)
	select {
	case s.cmds <- command{op: o, ctx: ctx, reply: reply}:
	case <-s.done:
		return s.terminalResult(o)
	case <-ctx.Done():
		return Recording{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.rec, r.err
	case <-ctx.Done():
		return Recording{}, ctx.Err()
	}
}

func (s *session) terminalResult(o op) (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o != opStop {
		return Recording{}, apperr.New(apperr.KindSessionState, "session %s is %s", s.id, s.state)
	}
	if s.outcome != nil {
		return *s.outcome, nil
	}
	return Recording{}, s.err
}
