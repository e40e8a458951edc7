package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/app"
)

var (
	recTitle  string
	recFolder string
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().StringVar(&recTitle, "title", "", "create a new entry with this title and record into it")
	recordCmd.Flags().StringVar(&recFolder, "folder", "", "folder for the new entry")
}

var recordCmd = &cobra.Command{
	Use:   "record [entry-id]",
	Short: "Open the recorder for an entry",
	Long: `Open the recorder for an existing entry, or pass --title to create one.
Recording again into an entry that already has audio appends the new take.
The daemon must be running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		var entryID, title string
		switch {
		case len(args) == 1:
			entry, err := e.store.Entry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entryID, title = entry.ID, entry.Title
		case recTitle != "":
			entry, err := createEntry(cmd.Context(), e.store, recFolder, recTitle)
			if err != nil {
				return err
			}
			fmt.Printf("Created entry %s\n", entry.ID)
			entryID, title = entry.ID, entry.Title
		default:
			return fmt.Errorf("pass an entry id or --title")
		}

		p := tea.NewProgram(app.New(e.cfg.SocketPath, entryID, title), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}
