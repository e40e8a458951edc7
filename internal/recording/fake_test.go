package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
)

var mono16k = wavfile.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// fakeAdapter records calls and writes a silent WAV of the configured length
// when stopped.
type fakeAdapter struct {
	src      capture.Source
	path     string
	startErr error
	samples  int
	faults   chan error

	mu      sync.Mutex
	started bool
	paused  bool
	stops   int
	sample  telemetry.Sample
}

func (a *fakeAdapter) Source() capture.Source { return a.src }
func (a *fakeAdapter) Path() string { return a.path }
func (a *fakeAdapter) Faults() <-chan error { return a.faults }

func (a *fakeAdapter) Start(ctx context.Context) error {
	if a.startErr != nil {
		return a.startErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *fakeAdapter) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
	return nil
}

func (a *fakeAdapter) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
	return nil
}

func (a *fakeAdapter) Stop(ctx context.Context) (capture.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	res := capture.Result{Path: a.path}
	if !a.started || a.samples == 0 {
		return res, nil
	}
	if err := writeSilence(a.path, int64(a.samples)*2); err != nil {
		return res, err
	}
	res.Format = mono16k
	res.Bytes = wavfile.HeaderSize + int64(a.samples)*2
	return res, nil
}

func (a *fakeAdapter) Poll() (telemetry.Sample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return telemetry.Sample{}, errors.New("not started")
	}
	return a.sample, nil
}

func (a *fakeAdapter) set(s telemetry.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sample = s
}

func (a *fakeAdapter) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *fakeAdapter) stopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}

// fakeFactory hands out adapters built by plan, in order.
type fakeFactory struct {
	mu       sync.Mutex
	plan     func(i int, a *fakeAdapter)
	adapters []*fakeAdapter
}

func (f *fakeFactory) build(src capture.Source, path string) (capture.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAdapter{src: src, path: path, samples: 16000, faults: make(chan error, 1)}
	if f.plan != nil {
		f.plan(len(f.adapters), a)
	}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) get(i int) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[i]
}

// fakeMixer mixes to the longest input and concatenates by summing lengths.
type fakeMixer struct {
	mu      sync.Mutex
	mixes   [][]string
	concats int
}

func (m *fakeMixer) Mix(_ context.Context, inputs []string, out string) error {
	m.mu.Lock()
	m.mixes = append(m.mixes, append([]string(nil), inputs...))
	m.mu.Unlock()

	var longest int64
	for _, in := range inputs {
		info, err := wavfile.Probe(in)
		if err != nil {
			return err
		}
		if info.DataBytes > longest {
			longest = info.DataBytes
		}
	}
	return writeSilence(out, longest)
}

func (m *fakeMixer) Concat(_ context.Context, first, second, out string) error {
	m.mu.Lock()
	m.concats++
	m.mu.Unlock()

	a, err := wavfile.Probe(first)
	if err != nil {
		return err
	}
	b, err := wavfile.Probe(second)
	if err != nil {
		return err
	}
	return writeSilence(out, a.DataBytes+b.DataBytes)
}

func writeSilence(path string, dataBytes int64) error {
	w, err := wavfile.Create(path, mono16k)
	if err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, dataBytes)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// eventLog collects observer events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.events))
	for i, e := range l.events {
		out[i] = e.State
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}
	}
	return l.events[len(l.events)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
