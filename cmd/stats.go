package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and pipeline statistics",
	RunE:  runStats,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available camera devices",
	Run: func(cmd *cobra.Command, args []string) {
		devices := camera.ListDevices(10)
		if len(devices) == 0 {
			fmt.Println("No camera devices found")
			return
		}
		for _, d := range devices {
			fmt.Println(d)
		}
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(devicesCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}

	stats := application.svc.Stats()

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Store:\n")
	fmt.Printf("  Identities:  %d\n", stats.Store.Count)
	fmt.Printf("  Dimension:   %d\n", stats.Store.Dimension)
	fmt.Printf("  Size:        %d bytes\n", stats.Store.SizeBytes)
	fmt.Printf("  Created:     %s\n", stats.Store.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("  Updated:     %s\n", stats.Store.LastUpdated.Format("2006-01-02 15:04"))
	fmt.Printf("Matcher:\n")
	fmt.Printf("  Threshold:   %.2f\n", stats.Threshold)
	return nil
}
