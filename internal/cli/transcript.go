package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/config"
	"github.com/Dalmarthas/Beyond-Call/internal/daemon"
	"github.com/Dalmarthas/Beyond-Call/internal/entrylock"
)

var (
	trLanguage    string
	trShowVersion int
	trEditFile    string
	trEditLang    string
)

func init() {
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(transcriptCmd)
	transcriptCmd.AddCommand(transcriptShowCmd, transcriptEditCmd, transcriptHistoryCmd)

	transcribeCmd.Flags().StringVar(&trLanguage, "language", "auto", "spoken language, or auto to detect")
	transcriptShowCmd.Flags().IntVar(&trShowVersion, "version", 0, "show this version instead of the current one")
	transcriptEditCmd.Flags().StringVar(&trEditFile, "file", "-", "read the edited transcript from this file (- for stdin)")
	transcriptEditCmd.Flags().StringVar(&trEditLang, "language", "", "language of the edit (default: keep the current one)")
}

// viaDaemon sends c to the daemon when one is running. ok is false when no
// daemon answered and the caller should do the work in-process.
func viaDaemon(cfg *config.AppConfig, c daemon.Command) (resp daemon.Response, ok bool, err error) {
	client, err := daemon.Connect(cfg.SocketPath)
	if err != nil {
		return daemon.Response{}, false, nil
	}
	defer client.Close()
	resp, err = client.Do(c)
	return resp, true, err
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <entry-id>",
	Short: "Transcribe an entry's recording into a new transcript version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		resp, ok, err := viaDaemon(e.cfg, daemon.Command{Cmd: daemon.CmdTranscribe, EntryID: args[0], Language: trLanguage})
		if err != nil {
			return err
		}
		if !ok {
			t, _ := pipeline(e, entrylock.New())
			rev, err := t.Transcribe(ctx, args[0], trLanguage)
			if err != nil {
				return err
			}
			resp = daemon.Response{Version: rev.Version, Language: rev.Language, Text: rev.Text}
		}
		fmt.Fprintf(os.Stderr, "Transcript v%d (language=%s)\n", resp.Version, resp.Language)
		fmt.Println(resp.Text)
		return nil
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Read and edit transcript revisions",
}

var transcriptShowCmd = &cobra.Command{
	Use:   "show <entry-id>",
	Short: "Print the current transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		revs, err := e.store.TranscriptRevisions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			return fmt.Errorf("entry %s has no transcript yet; run 'beyondcall transcribe %s'", args[0], args[0])
		}
		rev := revs[len(revs)-1]
		if trShowVersion != 0 {
			if trShowVersion < 1 || trShowVersion > len(revs) {
				return fmt.Errorf("entry %s has transcript versions 1 to %d", args[0], len(revs))
			}
			rev = revs[trShowVersion-1]
		}
		fmt.Println(rev.Text)
		return nil
	},
}

var transcriptEditCmd = &cobra.Command{
	Use:   "edit <entry-id>",
	Short: "Save an edited transcript as a new version",
	Long: `Save an edited transcript as a new version. Existing artifacts are kept and
marked stale until they are regenerated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readText(trEditFile)
		if err != nil {
			return err
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		t, _ := pipeline(e, entrylock.New())
		rev, err := t.Edit(cmd.Context(), args[0], text, trEditLang)
		if err != nil {
			return err
		}
		fmt.Printf("Saved transcript v%d\n", rev.Version)
		return nil
	},
}

var transcriptHistoryCmd = &cobra.Command{
	Use:   "history <entry-id>",
	Short: "List transcript versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		revs, err := e.store.TranscriptRevisions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%-8s %-20s %-8s %-8s %s\n", "VERSION", "CREATED", "LANG", "SOURCE", "CHARS")
		for _, r := range revs {
			source := "whisper"
			if r.IsManualEdit {
				source = "edit"
			}
			fmt.Printf("%-8d %-20s %-8s %-8s %d\n", r.Version, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Language, source, len(r.Text))
		}
		return nil
	},
}
