package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export [output-file]",
	Short: "Export the identity store to a portable JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}

	if err := application.store.Export(args[0]); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Printf("Exported %d identities to %s\n", application.store.Count(), args[0])
	return nil
}
