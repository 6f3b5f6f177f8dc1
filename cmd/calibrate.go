package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate [pairs-file]",
	Short: "Calibrate the match threshold from labeled image pairs",
	Long: `Reads a JSON file of labeled pairs and searches for the threshold that
best separates same-person from different-person scores. The file format is:

  {"positive": [["a1.jpg","a2.jpg"], ...], "negative": [["a1.jpg","b1.jpg"], ...]}

Each entry names two image files, each containing exactly one face.`,
	Args: cobra.ExactArgs(1),
	RunE: runCalibrate,
}

func init() {
	calibrateCmd.Flags().Bool("apply", false, "Print the MATCHER_THRESHOLD line to persist the result")
	rootCmd.AddCommand(calibrateCmd)
}

type pairsFile struct {
	Positive [][2]string `json:"positive"`
	Negative [][2]string `json:"negative"`
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read pairs file: %w", err)
	}
	var pf pairsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse pairs file: %w", err)
	}
	if len(pf.Positive) == 0 || len(pf.Negative) == 0 {
		return fmt.Errorf("pairs file needs at least one positive and one negative pair")
	}

	bar := progressbar.NewOptions(2*(len(pf.Positive)+len(pf.Negative)),
		progressbar.OptionSetDescription("Extracting embeddings"),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
	)

	// Cache embeddings per file so shared images are only encoded once.
	cache := map[string][]float32{}
	embed := func(path string) ([]float32, error) {
		defer bar.Add(1)
		if emb, ok := cache[path]; ok {
			return emb, nil
		}
		image, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		emb, _, err := application.rec.ExtractEmbedding(cmd.Context(), image)
		if err != nil {
			return nil, fmt.Errorf("failed to embed %s: %w", path, err)
		}
		cache[path] = emb
		return emb, nil
	}

	buildPairs := func(entries [][2]string) ([]matcher.Pair, error) {
		pairs := make([]matcher.Pair, 0, len(entries))
		for _, e := range entries {
			a, err := embed(e[0])
			if err != nil {
				return nil, err
			}
			b, err := embed(e[1])
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, matcher.Pair{A: a, B: b})
		}
		return pairs, nil
	}

	positive, err := buildPairs(pf.Positive)
	if err != nil {
		return err
	}
	negative, err := buildPairs(pf.Negative)
	if err != nil {
		return err
	}
	fmt.Println()

	cal, err := application.matcher.Calibrate(positive, negative)
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}

	fmt.Printf("Threshold: %.4f\n", cal.Threshold)
	fmt.Printf("  Accuracy: %.3f\n", cal.Accuracy)
	fmt.Printf("  TPR:      %.3f\n", cal.TPR)
	fmt.Printf("  FPR:      %.3f\n", cal.FPR)
	fmt.Printf("  AUC:      %.3f\n", cal.AUC)

	if mustGetBool(cmd, "apply") {
		fmt.Printf("\nAdd to your .env:\n  MATCHER_THRESHOLD=%.4f\n", cal.Threshold)
	}
	return nil
}
