package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/daemon"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
	"github.com/Dalmarthas/Beyond-Call/internal/ui"
)

// inboxFolder holds entries created without an explicit folder.
const inboxFolder = "Inbox"

var (
	entriesFolder string
	createFolder  string
	folderParent  string
)

func init() {
	rootCmd.AddCommand(entriesCmd)
	entriesCmd.AddCommand(entryCreateCmd, entryDeleteCmd)
	rootCmd.AddCommand(foldersCmd)
	foldersCmd.AddCommand(folderCreateCmd)

	entriesCmd.Flags().StringVar(&entriesFolder, "folder", "", "only list entries in this folder")
	entryCreateCmd.Flags().StringVar(&createFolder, "folder", "", "folder for the new entry")
	folderCreateCmd.Flags().StringVar(&folderParent, "parent", "", "parent folder")
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := e.store.Entries(cmd.Context(), entriesFolder)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No entries yet. Create one with 'beyondcall record --title <title>'")
			return nil
		}

		fmt.Printf("%-36s %-17s %-12s %-8s %s\n", "ID", "CREATED", "STATUS", "LENGTH", "TITLE")
		fmt.Println("──────────────────────────────────────────────────────────────────────────────────────")
		for _, en := range entries {
			fmt.Printf("%-36s %-17s %-12s %-8s %s\n",
				en.ID,
				en.CreatedAt.Local().Format("2006-01-02 15:04"),
				en.Status,
				ui.FormatDuration(en.DurationSec),
				en.Title,
			)
		}
		return nil
	},
}

var entryCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an empty entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		entry, err := createEntry(cmd.Context(), e.store, createFolder, args[0])
		if err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	},
}

var entryDeleteCmd = &cobra.Command{
	Use:   "delete <entry-id>",
	Short: "Delete an entry, its revisions and its audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		resp, ok, err := viaDaemon(e.cfg, daemon.Command{Cmd: daemon.CmdStatus, EntryID: args[0]})
		if err != nil {
			return err
		}
		if ok && resp.Session != nil && !resp.Session.State.Terminal() {
			return apperr.New(apperr.KindSessionState, "entry %s is being recorded by session %s; stop it first", args[0], resp.Session.SessionID)
		}

		if err := e.store.PurgeEntry(cmd.Context(), args[0]); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(e.cfg.DataDir, "entries", args[0])); err != nil {
			return fmt.Errorf("remove entry files: %w", err)
		}
		e.log.Infow("entry deleted", "entry_id", args[0])
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		folders, err := e.store.Folders(cmd.Context())
		if err != nil {
			return err
		}
		if len(folders) == 0 {
			fmt.Println("No folders yet")
			return nil
		}
		fmt.Printf("%-36s %-36s %s\n", "ID", "PARENT", "NAME")
		for _, f := range folders {
			fmt.Printf("%-36s %-36s %s\n", f.ID, f.ParentID, f.Name)
		}
		return nil
	},
}

var folderCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		f, err := e.store.CreateFolder(cmd.Context(), args[0], folderParent)
		if err != nil {
			return err
		}
		fmt.Println(f.ID)
		return nil
	},
}

// createEntry creates an entry in folderID, or in the top-level Inbox folder
// when folderID is empty.
func createEntry(ctx context.Context, store *db.Store, folderID, title string) (db.Entry, error) {
	if folderID == "" {
		folders, err := store.Folders(ctx)
		if err != nil {
			return db.Entry{}, err
		}
		for _, f := range folders {
			if f.Name == inboxFolder && f.ParentID == "" {
				folderID = f.ID
				break
			}
		}
		if folderID == "" {
			f, err := store.CreateFolder(ctx, inboxFolder, "")
			if err != nil {
				return db.Entry{}, err
			}
			folderID = f.ID
		}
	}
	return store.CreateEntry(ctx, folderID, title)
}
