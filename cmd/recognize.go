package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize [image-file]",
	Short: "Recognize all faces in an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecognize,
}

func init() {
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(recognizeCmd)
}

func runRecognize(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	outcome, err := application.svc.Recognize(cmd.Context(), image)
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	switch outcome.Status {
	case recognizer.StatusNoFace:
		fmt.Println("No faces detected")
	case recognizer.StatusEmptyDatabase:
		fmt.Println("No identities enrolled")
	case recognizer.StatusError:
		fmt.Printf("Recognition error: %s\n", outcome.Reason)
	default:
		fmt.Printf("Found %d face(s):\n", len(outcome.Faces))
		for i, face := range outcome.Faces {
			name := face.DisplayName
			if name == "" {
				name = face.IdentityID
			}
			fmt.Printf("  %d. %s (similarity %.3f, %s confidence)\n",
				i+1, name, face.Similarity, face.Bucket)
		}
	}
	return nil
}
