package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove [identity-id]",
	Short: "Remove an enrolled identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	id := args[0]

	application, err := buildApp()
	if err != nil {
		return err
	}

	removed, err := application.svc.Remove(id)
	if err != nil {
		return fmt.Errorf("failed to remove identity: %w", err)
	}
	if !removed {
		fmt.Printf("Identity %s was not enrolled\n", id)
		return nil
	}
	fmt.Printf("Removed %s\n", id)
	return nil
}
