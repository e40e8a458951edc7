package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/daemon"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/entrylock"
)

var (
	genType     string
	genAll      bool
	artCopy     bool
	artEditFile string
	artHistType string
)

func init() {
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(artifactCmd)
	artifactCmd.AddCommand(artifactShowCmd, artifactEditCmd, artifactHistoryCmd)

	types := strings.Join(db.ArtifactTypes, ", ")
	generateCmd.Flags().StringVar(&genType, "type", db.ArtifactSummary, "artifact type ("+types+")")
	generateCmd.Flags().BoolVar(&genAll, "all", false, "generate every artifact type")
	artifactShowCmd.Flags().BoolVar(&artCopy, "copy", false, "copy the artifact to the clipboard")
	artifactEditCmd.Flags().StringVar(&artEditFile, "file", "-", "read the edited artifact from this file (- for stdin)")
	artifactHistoryCmd.Flags().StringVar(&artHistType, "type", "", "only list this artifact type")
}

var generateCmd = &cobra.Command{
	Use:   "generate <entry-id>",
	Short: "Generate artifacts from an entry's current transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types := []string{genType}
		if genAll {
			types = db.ArtifactTypes
		}

		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		_, g := pipeline(e, entrylock.New())
		for _, t := range types {
			resp, ok, err := viaDaemon(e.cfg, daemon.Command{Cmd: daemon.CmdGenerate, EntryID: args[0], ArtifactType: t})
			if err != nil {
				return err
			}
			if !ok {
				rev, err := g.Generate(ctx, args[0], t)
				if err != nil {
					return err
				}
				resp = daemon.Response{Version: rev.Version, Text: rev.Text}
			}
			fmt.Fprintf(os.Stderr, "%s v%d\n", t, resp.Version)
			if !genAll {
				fmt.Println(resp.Text)
			}
		}
		return nil
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Read and edit generated artifacts",
}

var artifactShowCmd = &cobra.Command{
	Use:   "show <entry-id> <type>",
	Short: "Print the current revision of an artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		a, err := e.store.LatestArtifact(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("no %s for entry %s; run 'beyondcall generate %s --type %s'", args[1], args[0], args[0], args[1])
		}
		if a.IsStale {
			fmt.Fprintf(os.Stderr, "Warning: %s v%d was built from transcript v%d, which has since changed\n",
				a.ArtifactType, a.Version, a.SourceTranscriptVersion)
		}

		if artCopy {
			if err := clipboard.WriteAll(a.Text); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not copy to clipboard: %v\n", err)
			} else {
				fmt.Println("Copied to clipboard!")
				return nil
			}
		}
		fmt.Println(a.Text)
		return nil
	},
}

var artifactEditCmd = &cobra.Command{
	Use:   "edit <entry-id> <type>",
	Short: "Save an edited artifact as a new revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readText(artEditFile)
		if err != nil {
			return err
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		_, g := pipeline(e, entrylock.New())
		rev, err := g.Edit(cmd.Context(), args[0], args[1], text)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s v%d\n", rev.ArtifactType, rev.Version)
		return nil
	},
}

var artifactHistoryCmd = &cobra.Command{
	Use:   "history <entry-id>",
	Short: "List artifact revisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		revs, err := e.store.ArtifactRevisions(cmd.Context(), args[0], artHistType)
		if err != nil {
			return err
		}
		fmt.Printf("%-22s %-8s %-20s %-11s %-8s %s\n", "TYPE", "VERSION", "CREATED", "TRANSCRIPT", "SOURCE", "STALE")
		for _, r := range revs {
			source := "model"
			if r.IsManualEdit {
				source = "edit"
			}
			stale := ""
			if r.IsStale {
				stale = "stale"
			}
			fmt.Printf("%-22s %-8d %-20s %-11s %-8s %s\n", r.ArtifactType, r.Version,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"), fmt.Sprintf("v%d", r.SourceTranscriptVersion), source, stale)
		}
		return nil
	},
}
