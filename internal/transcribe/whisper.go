package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// Request is one speech-to-text job.
type Request struct {
	AudioPath string
	// Language is passed to the tool verbatim; empty means auto-detect.
	Language string
	// WorkDir receives the tool's temporary output.
	WorkDir string
}

// Result is the tool's transcript.
type Result struct {
	Text     string
	Language string
}

// Engine turns audio into text.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Runner runs a tool to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

const (
	whisperCLI    = "whisper-cli"
	whisperPython = "whisper"
)

// Whisper runs whisper.cpp's whisper-cli, falling back to the Python whisper
// command when whisper-cli is not installed.
type Whisper struct {
	// CLIPath and PythonPath override the executable lookup.
	CLIPath    string
	PythonPath string
	// ModelPath overrides model discovery for whisper-cli.
	ModelPath string
	DataDir   string

	Runner   Runner
	LookPath func(string) (string, error)
	Now      func() time.Time
}

// NewWhisper returns an engine that looks for models under dataDir.
func NewWhisper(dataDir, modelPath string) *Whisper {
	return &Whisper{DataDir: dataDir, ModelPath: modelPath}
}

func (w *Whisper) runner() Runner {
	if w.Runner == nil {
		return ExecRunner{}
	}
	return w.Runner
}

func (w *Whisper) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

// binary returns the executable to run and whether it is whisper-cli.
func (w *Whisper) binary() (string, bool, error) {
	if w.CLIPath != "" {
		return w.CLIPath, true, nil
	}
	if w.PythonPath != "" {
		return w.PythonPath, false, nil
	}
	look := w.LookPath
	if look == nil {
		look = exec.LookPath
	}
	if p, err := look(whisperCLI); err == nil {
		return p, true, nil
	}
	if p, err := look(whisperPython); err == nil {
		return p, false, nil
	}
	return "", false, apperr.New(apperr.KindTranscriptionTool, "no whisper executable found (%s or %s) in PATH", whisperCLI, whisperPython)
}

func (w *Whisper) Transcribe(ctx context.Context, req Request) (Result, error) {
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}

	bin, cli, err := w.binary()
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create transcript dir: %w", err)
	}

	var args []string
	var outPath string
	if cli {
		cwd, _ := os.Getwd()
		model, err := ResolveModel(w.ModelPath, w.DataDir, cwd)
		if err != nil {
			return Result{}, err
		}
		if lang == "auto" && englishOnly(model) {
			return Result{}, apperr.New(apperr.KindTranscriptionTool,
				"model %s is English-only and cannot auto-detect language; install ggml-base.bin or ggml-tiny.bin", filepath.Base(model))
		}
		base := filepath.Join(req.WorkDir, fmt.Sprintf("tmp_%d", w.now().UnixNano()))
		outPath = base + ".txt"
		args = []string{"-ng", "-m", model, "-f", req.AudioPath, "-otxt", "-of", base, "--language", lang}
	} else {
		outDir, err := os.MkdirTemp(req.WorkDir, "whisper-")
		if err != nil {
			return Result{}, fmt.Errorf("create whisper output dir: %w", err)
		}
		defer os.RemoveAll(outDir)
		stem := strings.TrimSuffix(filepath.Base(req.AudioPath), filepath.Ext(req.AudioPath))
		outPath = filepath.Join(outDir, stem+".txt")
		args = []string{req.AudioPath, "--output_format", "txt", "--output_dir", outDir}
		if lang != "auto" {
			args = append(args, "--language", lang)
		}
	}
	defer os.Remove(outPath)

	stdout, stderr, err := w.runner().Run(ctx, bin, args...)
	diag := strings.TrimSpace(string(stderr))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, apperr.Wrap(apperr.KindTranscriptionTool, ctxErr, "whisper did not finish: %s", diag)
	}
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindTranscriptionTool, err, "whisper failed: %s", diag)
	}

	text, err := os.ReadFile(outPath)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, apperr.New(apperr.KindTranscriptionTool, "whisper did not produce a transcript file: %s", diag)
	}
	if err != nil {
		return Result{}, fmt.Errorf("read transcript output: %w", err)
	}

	detected := lang
	if lang == "auto" {
		if d, ok := parseDetectedLanguage(string(stderr) + "\n" + string(stdout)); ok {
			detected = d
		}
	}
	return Result{Text: strings.TrimSpace(string(text)), Language: detected}, nil
}

// parseDetectedLanguage finds whisper's "auto-detected language: xx" line.
func parseDetectedLanguage(output string) (string, bool) {
	const marker = "auto-detected language:"
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		i := strings.Index(lower, marker)
		if i < 0 {
			continue
		}
		rest := strings.TrimSpace(lower[i+len(marker):])
		end := 0
		for end < len(rest) && (rest[end] >= 'a' && rest[end] <= 'z' || rest[end] == '-') {
			end++
		}
		if end >= 2 && end <= 8 {
			return rest[:end], true
		}
	}
	return "", false
}
