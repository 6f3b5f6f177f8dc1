package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import [input-file]",
	Short: "Import identities from a JSON export, replacing the current store",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}

	if n := application.store.Count(); n > 0 && !mustGetBool(cmd, "yes") {
		fmt.Printf("This will replace %d existing identities. Continue? [y/N] ", n)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := application.store.Import(args[0]); err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	application.rec.RefreshCache()
	fmt.Printf("Imported %d identities from %s\n", application.store.Count(), args[0])
	return nil
}
