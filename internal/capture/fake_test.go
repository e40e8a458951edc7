package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
)

// fakeProcess stands in for ffmpeg or the system helper. The test writes the
// WAV stream and telemetry lines; "q" on stdin ends the process unless
// ignoreQuit is set.
type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	ignoreQuit bool

	mu     sync.Mutex
	stdin  bytes.Buffer
	killed bool
	exited chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return fakeStdin{p} }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) stdinText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

type fakeStdin struct{ p *fakeProcess }

func (s fakeStdin) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	s.p.stdin.Write(b)
	quit := !s.p.ignoreQuit && strings.Contains(s.p.stdin.String(), "q")
	s.p.mu.Unlock()
	if quit {
		s.p.exit()
	}
	return len(b), nil
}

func (s fakeStdin) Close() error { return nil }

// writeStream writes the WAV stream header as ffmpeg would to a pipe.
func (p *fakeProcess) writeStream(t *testing.T, f wavfile.Format) {
	t.Helper()
	var buf bytes.Buffer
	tag := uint16(1)
	if f.Float {
		tag = 3
	}
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, tag)
	binary.Write(&buf, binary.LittleEndian, f.Channels)
	binary.Write(&buf, binary.LittleEndian, f.SampleRate)
	binary.Write(&buf, binary.LittleEndian, uint32(f.ByteRate()))
	binary.Write(&buf, binary.LittleEndian, uint16(f.BlockAlign()))
	binary.Write(&buf, binary.LittleEndian, f.BitsPerSample)
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	if _, err := p.stdoutW.Write(buf.Bytes()); err != nil {
		t.Fatalf("write stream header: %v", err)
	}
}

// writeBlocks writes n pump-sized blocks of a constant s16 sample value.
func (p *fakeProcess) writeBlocks(t *testing.T, f wavfile.Format, n int, value int16) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := p.stdoutW.Write(s16Block(f, value)); err != nil {
			t.Fatalf("write block %d: %v", i, err)
		}
	}
}

func (p *fakeProcess) writeTelemetry(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stderrW, line+"\n"); err != nil {
		t.Fatalf("write telemetry: %v", err)
	}
}

func blockBytes(f wavfile.Format) int {
	return int(f.SampleRate) / 50 * f.BlockAlign()
}

func s16Block(f wavfile.Format, value int16) []byte {
	b := make([]byte, blockBytes(f))
	for i := 0; i+2 <= len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(value))
	}
	return b
}

func f32Block(n int, value float32) []byte {
	b := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(value))
	}
	return b
}

type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	prepare func(*fakeProcess)
	err     error
	calls   [][]string
}

func (l *fakeLauncher) Launch(_ context.Context, name string, args ...string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]string{name}, args...))
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess()
	if l.prepare != nil {
		l.prepare(p)
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
