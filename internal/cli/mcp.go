package cli

import (
	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/mcpserver"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve entries, transcripts and artifacts to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		e.log.Infow("mcp server starting", "version", version)
		return mcpserver.Serve(version, &mcpserver.Tools{Store: e.store, Logger: e.log.Named("mcp")})
	},
}
