package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [identity-id] [image-file]",
	Short: "Verify that an image shows a specific enrolled identity",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	id, path := args[0], args[1]

	application, err := buildApp()
	if err != nil {
		return err
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	res := application.svc.Verify(cmd.Context(), id, image)
	if !res.OK {
		return fmt.Errorf("verification failed (%s): %s", res.Reason, res.Detail)
	}

	if res.IsMatch {
		fmt.Printf("MATCH: %s (similarity %.3f)\n", id, res.Similarity)
	} else {
		fmt.Printf("NO MATCH: similarity %.3f below threshold %.2f\n",
			res.Similarity, application.matcher.Threshold())
	}
	return nil
}
