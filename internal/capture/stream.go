package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
	"go.uber.org/zap"
)

var errNotStarted = errors.New("capture not started")

const (
	tailLines = 8
	// blockDuration is how much audio each pump read covers.
	blockDuration = 20 * time.Millisecond
)

// streamAdapter is the shared core of both adapter variants: the tool writes
// a WAV stream to stdout and key=value telemetry to stderr.
type streamAdapter struct {
	src     Source
	path    string
	program string
	args    []string
	opts    Options
	log     *zap.SugaredLogger

	proc     Process
	watchdog *time.Timer
	faults   chan error
	done     chan struct{}
	signal   chan struct{}

	signalOnce sync.Once
	started    atomic.Bool
	acked      atomic.Bool
	live       atomic.Bool
	stopping   atomic.Bool
	paused     atomic.Bool
	sample     atomic.Pointer[telemetry.Sample]

	mu          sync.Mutex
	writer      *wavfile.Writer
	initDone    bool
	writeFailed bool
	meter       telemetry.MeterState
	progress    telemetry.Progress
	tail        []string

	faultMu sync.Mutex
	latched map[apperr.Kind]bool

	stopOnce sync.Once
	result   Result
	stopErr  error
}

func newStreamAdapter(src Source, path, program string, args []string, opts Options) *streamAdapter {
	return &streamAdapter{
		src:     src,
		path:    path,
		program: program,
		args:    args,
		opts:    opts,
		log:     opts.Logger.With("source", src.String()),
		faults:  make(chan error, 8),
		done:    make(chan struct{}),
		signal:  make(chan struct{}),
		latched: make(map[apperr.Kind]bool),
	}
}

// Source returns the device this adapter captures.
func (a *streamAdapter) Source() Source { return a.src }

// Path returns the file the capture is written to.
func (a *streamAdapter) Path() string { return a.path }

// Faults delivers at most one error of each kind for the adapter's lifetime.
func (a *streamAdapter) Faults() <-chan error { return a.faults }

// Start launches the tool and waits out the start grace period. A tool that
// exits within the grace period is a start failure.
func (a *streamAdapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return apperr.New(apperr.KindAdapterStart, "%s: already started", a.src)
	}

	proc, err := a.opts.Launcher.Launch(ctx, a.program, a.args...)
	if err != nil {
		return apperr.Wrap(apperr.KindAdapterStart, err, "%s: launch %s", a.src, a.program)
	}
	a.proc = proc
	a.watchdog = time.AfterFunc(a.opts.NoSignalTimeout, a.noSignal)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readTelemetry(proc.Stderr())
	}()
	go func() {
		defer readers.Done()
		a.pump(proc.Stdout())
	}()
	go func() {
		readers.Wait()
		err := proc.Wait()
		close(a.done)
		if a.acked.Load() && !a.stopping.Load() {
			a.fault(apperr.Wrap(apperr.KindAdapterRuntime, err, "%s: capture process exited unexpectedly: %s", a.src, a.diagnostics()))
		}
	}()

	a.log.Debugw("capture launched", "program", a.program, "path", a.path)

	grace := time.NewTimer(a.opts.StartGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-a.done:
	case <-ctx.Done():
		a.abort()
		return apperr.Wrap(apperr.KindAdapterStart, ctx.Err(), "%s: start cancelled", a.src)
	}

	a.acked.Store(true)
	select {
	case <-a.done:
		a.abort()
		return apperr.New(apperr.KindAdapterStart, "%s: capture exited during startup: %s", a.src, a.diagnostics())
	default:
	}
	a.live.Store(true)
	return nil
}

// abort kills the tool and removes anything it wrote.
func (a *streamAdapter) abort() {
	a.stopping.Store(true)
	a.watchdog.Stop()
	a.proc.Kill()
	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer != nil {
		a.writer.Close()
		a.writer = nil
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		a.log.Warnw("remove aborted capture", "error", err)
	}
}

// Pause stops appending samples to the file. The tool keeps running, so
// resuming has no device start latency.
func (a *streamAdapter) Pause() error {
	if !a.live.Load() || a.stopping.Load() {
		return apperr.New(apperr.KindSessionState, "%s: not capturing", a.src)
	}
	a.paused.Store(true)
	a.mu.Lock()
	a.meter.Level = 0
	a.publish()
	a.mu.Unlock()
	return nil
}

// Resume appends samples again after Pause.
func (a *streamAdapter) Resume() error {
	if !a.live.Load() || a.stopping.Load() {
		return apperr.New(apperr.KindSessionState, "%s: not capturing", a.src)
	}
	a.paused.Store(false)
	return nil
}

// Poll returns the latest published level and byte count. It fails until
// Start has succeeded.
func (a *streamAdapter) Poll() (telemetry.Sample, error) {
	if !a.live.Load() {
		return telemetry.Sample{}, errNotStarted
	}
	if s := a.sample.Load(); s != nil {
		return *s, nil
	}
	return telemetry.Sample{}, nil
}

// Stop asks the tool to quit, waits for the stream to drain and finalizes the
// file. When ctx expires first the tool is killed and whatever was written is
// kept. Repeated calls return the first result.
func (a *streamAdapter) Stop(ctx context.Context) (Result, error) {
	a.stopOnce.Do(func() {
		a.result, a.stopErr = a.stop(ctx)
	})
	return a.result, a.stopErr
}

func (a *streamAdapter) stop(ctx context.Context) (Result, error) {
	res := Result{Path: a.path}
	if a.proc == nil {
		return res, nil
	}
	a.stopping.Store(true)
	a.watchdog.Stop()

	stdin := a.proc.Stdin()
	if _, err := io.WriteString(stdin, "q\n"); err != nil {
		a.log.Debugw("send quit", "error", err)
	}
	stdin.Close()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.log.Warnw("capture did not stop in time, killing")
		res.Truncated = true
		a.proc.Kill()
		<-a.done
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer != nil {
		res.Format = a.writer.Format()
		res.Bytes = a.writer.Size()
		if err := a.writer.Close(); err != nil {
			return res, apperr.Wrap(apperr.KindAdapterRuntime, err, "%s: finalize %s", a.src, a.path)
		}
	}
	a.publish()
	a.log.Infow("capture stopped", "bytes", res.Bytes, "truncated", res.Truncated)
	return res, nil
}

func (a *streamAdapter) pump(r io.Reader) {
	defer io.Copy(io.Discard, r)

	format, err := wavfile.ReadStreamHeader(r)
	if err != nil {
		if errors.Is(err, wavfile.ErrUnsupported) {
			a.fault(apperr.Wrap(apperr.KindAdapterStart, err, "%s: unsupported stream", a.src))
		}
		return
	}

	align := format.BlockAlign()
	frames := int(time.Duration(format.SampleRate) * blockDuration / time.Second)
	if frames < 1 {
		frames = 1
	}
	block := make([]byte, frames*align)
	for {
		n, err := io.ReadFull(r, block)
		if whole := n - n%align; whole > 0 {
			a.consume(format, block[:whole])
		}
		if err != nil {
			return
		}
	}
}

// consume handles one frame-aligned block. The writer is opened on the first
// block so the file takes the stream's own format.
func (a *streamAdapter) consume(f wavfile.Format, buf []byte) {
	a.signalOnce.Do(func() {
		close(a.signal)
		a.watchdog.Stop()
	})
	if a.paused.Load() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initDone {
		a.initDone = true
		w, err := wavfile.Create(a.path, f)
		if err != nil {
			a.fault(apperr.Wrap(apperr.KindAdapterStart, err, "%s: open writer", a.src))
			return
		}
		a.writer = w
		a.log.Debugw("writer opened", "rate", f.SampleRate, "channels", f.Channels, "bits", f.BitsPerSample, "float", f.Float)
	}
	if a.writer == nil || a.writeFailed {
		return
	}
	if _, err := a.writer.Write(buf); err != nil {
		a.writeFailed = true
		a.fault(apperr.Wrap(apperr.KindAdapterRuntime, err, "%s: write %s", a.src, a.path))
		return
	}

	next, emit := telemetry.Step(a.meter, telemetry.Normalize(rms(f, buf)), a.opts.Now(), a.opts.EmitInterval)
	a.meter = next
	if emit {
		a.publish()
	}
}

// publish stores the current meter for Poll. A level reported by the tool
// itself wins over the one computed from samples, and the tool's byte count
// stands in until the writer opens. Caller holds a.mu.
func (a *streamAdapter) publish() {
	s := telemetry.Sample{Level: a.meter.Level}
	if a.progress.HasLevel {
		s.Level = a.progress.Level
	}
	if a.paused.Load() {
		s.Level = 0
	}
	if a.writer != nil {
		s.BytesWritten = a.writer.Size()
	} else {
		s.BytesWritten = a.progress.Bytes
	}
	if prev := a.sample.Load(); prev != nil && prev.BytesWritten > s.BytesWritten {
		s.BytesWritten = prev.BytesWritten
	}
	a.sample.Store(&s)
}

func (a *streamAdapter) readTelemetry(r io.Reader) {
	defer io.Copy(io.Discard, r)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f, ok := telemetry.ParseLine(line)
		if !ok {
			if !strings.Contains(line, "=") {
				a.remember(line)
			}
			continue
		}

		a.mu.Lock()
		a.progress.Apply(f)
		if f.Key != telemetry.KeyFault && a.live.Load() {
			a.publish()
		}
		a.mu.Unlock()

		if f.Key == telemetry.KeyFault {
			a.remember(f.Text)
			kind := apperr.KindAdapterRuntime
			if !a.hasSignal() {
				kind = apperr.KindAdapterStart
			}
			a.fault(apperr.New(kind, "%s: %s", a.src, f.Text))
		}
	}
}

func (a *streamAdapter) remember(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tail = append(a.tail, line)
	if len(a.tail) > tailLines {
		a.tail = a.tail[len(a.tail)-tailLines:]
	}
}

// diagnostics summarizes the tool's last stderr lines, leading with the first
// fault it reported when that has scrolled out of the tail.
func (a *streamAdapter) diagnostics() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	lines := a.tail
	if f := a.progress.Fault; f != "" && !slices.Contains(lines, f) {
		lines = append([]string{f}, lines...)
	}
	if len(lines) == 0 {
		return "no additional details"
	}
	return strings.Join(lines, "; ")
}

func (a *streamAdapter) hasSignal() bool {
	select {
	case <-a.signal:
		return true
	default:
		return false
	}
}

func (a *streamAdapter) noSignal() {
	if a.hasSignal() || a.stopping.Load() {
		return
	}
	a.fault(apperr.New(apperr.KindNoSignal,
		"%s: no audio received within %s; check input permissions and device routing", a.src, a.opts.NoSignalTimeout))
}

// fault delivers err once per kind.
func (a *streamAdapter) fault(err *apperr.Error) {
	a.faultMu.Lock()
	if a.latched[err.Kind] {
		a.faultMu.Unlock()
		return
	}
	a.latched[err.Kind] = true
	a.faultMu.Unlock()

	a.log.Warnw("capture fault", "kind", err.Kind, "detail", err.Detail)
	select {
	case a.faults <- err:
	default:
	}
}
