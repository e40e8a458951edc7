// Package cli is the beyondcall command line: the capture daemon, the
// recorder TUI and one-shot commands over the entry store.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Dalmarthas/Beyond-Call/internal/config"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/logging"
)

var (
	cfgFile string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "beyondcall",
	Short: "Record calls locally, then transcribe and analyze them with local models",
	Long: `beyondcall records microphone and system audio into entries, transcribes
them with whisper, and generates summaries and critiques with a local Ollama
model. Every transcript and artifact edit is kept as a new revision.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: beyondcall.yaml in the data dir)")
}

// Execute runs the root command and exits non-zero on failure.
func Execute(v string) {
	version = v
	rootCmd.Version = v
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env bundles what most commands need.
type env struct {
	cfg   *config.AppConfig
	store *db.Store
	log   *zap.SugaredLogger
}

func (e *env) Close() {
	e.store.Close()
	_ = e.log.Sync()
}

func loadEnv() (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	store, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: store, log: log}, nil
}

// readText reads path, or stdin when path is "-".
func readText(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
