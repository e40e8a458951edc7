package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dalmarthas/Beyond-Call/internal/db"
)

var promptFile string

func init() {
	rootCmd.AddCommand(promptsCmd)
	promptsCmd.AddCommand(promptSetCmd)
	rootCmd.AddCommand(modelCmd)

	promptSetCmd.Flags().StringVar(&promptFile, "file", "-", "read the template from this file (- for stdin)")
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Show the prompt template for every artifact type",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		prompts, err := e.store.PromptTemplates(cmd.Context())
		if err != nil {
			return err
		}
		for _, role := range db.ArtifactTypes {
			fmt.Printf("## %s\n%s\n\n", role, prompts[role])
		}
		return nil
	},
}

var promptSetCmd = &cobra.Command{
	Use:   "set <type>",
	Short: "Replace the prompt template for an artifact type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readText(promptFile)
		if err != nil {
			return err
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.store.SetPromptTemplate(cmd.Context(), args[0], strings.TrimSpace(text)); err != nil {
			return err
		}
		fmt.Printf("Updated %s prompt\n", args[0])
		return nil
	},
}

var modelCmd = &cobra.Command{
	Use:   "model [name]",
	Short: "Show or set the Ollama model used for generation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		if len(args) == 1 {
			if err := e.store.SetModelName(cmd.Context(), args[0]); err != nil {
				return err
			}
		}
		name, err := e.store.ModelName(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	},
}
