package cmd

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/enroll"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [identity-id]",
	Short: "Enroll a new identity from camera or image files",
	Long: `Collects face samples for a person, averages their embeddings into one
reference vector and stores the identity. Samples come from the configured
camera by default, or from image files passed with --image.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().String("name", "", "Display name for the identity (defaults to the id)")
	enrollCmd.Flags().StringSlice("image", nil, "Image files to use as samples instead of the camera")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, args []string) error {
	id := args[0]
	name := mustGetString(cmd, "name")
	if name == "" {
		name = id
	}
	name = enroll.NormalizeDisplayName(name)
	images := mustGetStringSlice(cmd, "image")

	application, err := buildApp()
	if err != nil {
		return err
	}

	if len(images) > 0 {
		samples := make([][]byte, 0, len(images))
		for _, path := range images {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read sample %s: %w", path, err)
			}
			samples = append(samples, data)
		}
		res := application.svc.EnrollImages(cmd.Context(), id, name, samples)
		if !res.OK {
			return fmt.Errorf("enrollment failed (%s): %s", res.Reason, res.Detail)
		}
		fmt.Printf("Enrolled %s (%s) from %d samples\n", res.Identity.ID, res.Identity.DisplayName, res.Identity.SampleCount)
		return nil
	}

	src, err := camera.OpenDevice(application.cfg.Camera.Device, camera.DeviceConfig{
		Width:  application.cfg.Camera.Width,
		Height: application.cfg.Camera.Height,
		FPS:    application.cfg.Camera.FPS,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer src.Close()

	required := application.cfg.Enroll.RequiredSamples
	bar := progressbar.NewOptions(required,
		progressbar.OptionSetDescription("Collecting samples"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	ident, err := application.enroller.CaptureFromSource(cmd.Context(), src, id, name, func(done, total int) {
		_ = bar.Set(done)
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}
	application.rec.RefreshCache()
	fmt.Printf("Enrolled %s (%s) from %d samples\n", ident.ID, ident.DisplayName, ident.SampleCount)
	return nil
}
