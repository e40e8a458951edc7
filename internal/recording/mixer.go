package recording

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner runs a tool to completion and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Mixer combines per-source captures into one recording.
type Mixer interface {
	// Mix writes the mix of inputs to out. A single input is moved.
	Mix(ctx context.Context, inputs []string, out string) error
	// Concat writes first followed by second to out.
	Concat(ctx context.Context, first, second, out string) error
}

// FFmpegMixer mixes and concatenates with ffmpeg filter graphs. Output is
// always 16 kHz mono PCM.
type FFmpegMixer struct {
	FFmpegPath string
	Runner     Runner
}

// NewFFmpegMixer returns a mixer using the given ffmpeg binary.
func NewFFmpegMixer(ffmpegPath string) *FFmpegMixer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegMixer{FFmpegPath: ffmpegPath, Runner: ExecRunner{}}
}

func (m *FFmpegMixer) Mix(ctx context.Context, inputs []string, out string) error {
	switch len(inputs) {
	case 0:
		return fmt.Errorf("mix: no inputs")
	case 1:
		if err := os.Rename(inputs[0], out); err != nil {
			return fmt.Errorf("move capture: %w", err)
		}
		return nil
	}
	return m.run(ctx, "mix", mixArgs(inputs, out))
}

func (m *FFmpegMixer) Concat(ctx context.Context, first, second, out string) error {
	return m.run(ctx, "concat", concatArgs(first, second, out))
}

func (m *FFmpegMixer) run(ctx context.Context, what string, args []string) error {
	output, err := m.Runner.Run(ctx, m.FFmpegPath, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", what, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func mixArgs(inputs []string, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	filter := fmt.Sprintf("amix=inputs=%d:duration=longest:dropout_transition=2", len(inputs))
	return append(args, "-filter_complex", filter, "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le", out)
}

func concatArgs(first, second, out string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", first,
		"-i", second,
		"-filter_complex", "[0:a][1:a]concat=n=2:v=0:a=1[a]",
		"-map", "[a]",
		"-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		out,
	}
}
