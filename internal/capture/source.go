// Package capture runs one external capture process per audio source and
// turns its WAV stream into a finalized file plus live telemetry.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
	"go.uber.org/zap"
)

// FormatSystemAudio selects the native system-audio helper instead of ffmpeg.
const FormatSystemAudio = "screencapturekit"

// Source identifies one device or channel to capture.
type Source struct {
	Label    string `json:"label"`
	Format   string `json:"format"`
	Locator  string `json:"locator"`
	Loopback bool   `json:"loopback"`
}

// IsSystemAudio reports whether the source uses the native helper.
func (s Source) IsSystemAudio() bool {
	return strings.EqualFold(s.Format, FormatSystemAudio)
}

func (s Source) String() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Format + ":" + s.Locator
}

// Result describes a finalized capture file.
type Result struct {
	Path   string
	Format wavfile.Format
	// Bytes is the file size including the header.
	Bytes int64
	// Truncated is set when the process had to be killed.
	Truncated bool
}

// noAudioThreshold is the size at or below which a file holds no audio.
const noAudioThreshold = 64

// HasAudio reports whether the file holds any audible data.
func (r Result) HasAudio() bool {
	return r.Bytes > noAudioThreshold
}

// Adapter drives one capture source. Poll never blocks on capture progress.
// Fatal conditions after Start are delivered on Faults.
type Adapter interface {
	Source() Source
	Path() string
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) (Result, error)
	Poll() (telemetry.Sample, error)
	Faults() <-chan error
}

// Options tune adapter behavior. Zero values take defaults.
type Options struct {
	FFmpegPath       string
	SystemHelperPath string
	EmitInterval     time.Duration
	NoSignalTimeout  time.Duration
	StartGrace       time.Duration
	Launcher         Launcher
	Now              func() time.Time
	Logger           *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.SystemHelperPath == "" {
		o.SystemHelperPath = "screen_capture_audio"
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = telemetry.EmitInterval
	}
	if o.NoSignalTimeout <= 0 {
		o.NoSignalTimeout = 2500 * time.Millisecond
	}
	if o.StartGrace <= 0 {
		o.StartGrace = 350 * time.Millisecond
	}
	if o.Launcher == nil {
		o.Launcher = ExecLauncher{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// NewAdapter builds the adapter variant that serves src, writing to path.
func NewAdapter(src Source, path string, opts Options) (Adapter, error) {
	if src.IsSystemAudio() {
		return NewSystemAudioAdapter(src, path, opts)
	}
	return NewFFmpegAdapter(src, path, opts)
}

// Factory builds adapters; the recording controller takes one so tests can
// substitute fakes.
type Factory func(src Source, path string) (Adapter, error)

// NewFactory returns a Factory bound to opts.
func NewFactory(opts Options) Factory {
	return func(src Source, path string) (Adapter, error) {
		return NewAdapter(src, path, opts)
	}
}

func validateSource(src Source) error {
	if strings.TrimSpace(src.Format) == "" || strings.TrimSpace(src.Locator) == "" {
		return fmt.Errorf("source %q needs both format and locator", src.String())
	}
	return nil
}
