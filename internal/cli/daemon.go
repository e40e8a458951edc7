package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/daemon"
	"github.com/Dalmarthas/Beyond-Call/internal/entrylock"
	"github.com/Dalmarthas/Beyond-Call/internal/generate"
	"github.com/Dalmarthas/Beyond-Call/internal/recording"
	"github.com/Dalmarthas/Beyond-Call/internal/transcribe"
)

func init() {
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the capture daemon that owns recording sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Sessions do not survive a restart.
		n, err := e.store.ResetInterruptedRecordings(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			e.log.Warnw("reset interrupted recordings", "count", n)
		}

		transcriber, generator := pipeline(e, entrylock.New())
		srv := &daemon.Server{
			Transcriber: transcriber,
			Generator:   generator,
			Devices: func(ctx context.Context) ([]capture.Source, error) {
				return capture.ListDevices(ctx, e.cfg.Capture.FFmpegPath)
			},
			Logger: e.log.Named("daemon"),
		}

		ctrl, err := recording.NewController(recording.Config{
			DataDir:     e.cfg.DataDir,
			StopTimeout: e.cfg.Recording.StopTimeout,
			History:     e.cfg.Recording.History,
			Factory: capture.NewFactory(capture.Options{
				FFmpegPath:       e.cfg.Capture.FFmpegPath,
				SystemHelperPath: e.cfg.Capture.SystemHelperPath,
				EmitInterval:     e.cfg.Capture.EmitInterval,
				NoSignalTimeout:  e.cfg.Capture.NoSignalTimeout,
				StartGrace:       e.cfg.Capture.StartGrace,
				Logger:           e.log.Named("capture"),
			}),
			Mixer:    recording.NewFFmpegMixer(e.cfg.Capture.FFmpegPath),
			Store:    e.store,
			Observer: srv.Observe,
			Logger:   e.log,
		})
		if err != nil {
			return err
		}
		srv.Recorder = ctrl

		fmt.Fprintf(os.Stderr, "beyondcall daemon %s listening on %s\n", version, e.cfg.SocketPath)
		e.log.Infow("daemon starting", "version", version, "socket", e.cfg.SocketPath, "data_dir", e.cfg.DataDir)

		serveErr := srv.Serve(ctx, e.cfg.SocketPath)

		// Finalize whatever is still recording before the store closes.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Recording.StopTimeout+e.cfg.Recording.StopTimeout/2)
		defer cancel()
		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			e.log.Errorw("shutdown sessions", "error", err)
		}
		e.log.Infow("daemon stopped")
		return serveErr
	},
}

// pipeline builds the transcription and generation orchestrators. They share
// locks so an entry is never transcribed and generated at the same time.
func pipeline(e *env, locks *entrylock.Locker) (*transcribe.Orchestrator, *generate.Orchestrator) {
	whisper := transcribe.NewWhisper(e.cfg.DataDir, e.cfg.Whisper.ModelPath)
	whisper.CLIPath = e.cfg.Whisper.CLIPath
	whisper.PythonPath = e.cfg.Whisper.PythonPath

	t := &transcribe.Orchestrator{
		Store:           e.store,
		Engine:          whisper,
		Locks:           locks,
		DataDir:         e.cfg.DataDir,
		BaseTimeout:     e.cfg.Whisper.BaseTimeout,
		TimeoutPerAudio: e.cfg.Whisper.TimeoutPerAudioSecond,
		Logger:          e.log.Named("transcribe"),
	}
	g := &generate.Orchestrator{
		Store:   e.store,
		LLM:     generate.NewOllama(e.cfg.Generation.OllamaURL, e.cfg.Generation.Timeout),
		Locks:   locks,
		Timeout: e.cfg.Generation.Timeout,
		Logger:  e.log.Named("generate"),
	}
	return t, g
}
