package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/pool"
	"github.com/Grd45bisa/neural-face-attendance/internal/tracker"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Run the live tracking loop on the configured camera",
	Long: `Continuously captures frames, recognizes enrolled identities and prints
live results. Interactive commands on stdin:

  p          pause            r          resume
  f          force recognize  s          save snapshot
  +          raise threshold  -          lower threshold
  e ID NAME  enroll identity  q          quit`,
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().Int("workers", 0, "Worker count (0 uses the tracking profile)")
	trackCmd.Flags().Bool("inline", false, "Run recognition on the capture goroutine instead of a pool")
	trackCmd.Flags().String("follow", "", "Follow one identity instead of general tracking")
	trackCmd.Flags().Duration("for", time.Minute, "How long to follow with --follow")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}
	profile := application.cfg.TrackingProfile()

	src, err := camera.OpenDevice(application.cfg.Camera.Device, camera.DeviceConfig{
		Width:  application.cfg.Camera.Width,
		Height: application.cfg.Camera.Height,
		FPS:    application.cfg.Camera.FPS,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer src.Close()

	opt := camera.NewOptimizer(profile.FrameSkip, profile.AdaptiveSkip, profile.TargetFPS, nil)

	var workers *pool.Pool
	if !mustGetBool(cmd, "inline") {
		n := mustGetInt(cmd, "workers")
		if n <= 0 {
			n = profile.Workers
		}
		workers = pool.New(application.rec, n, profile.FrameQueue, profile.ResultQueue, nil)
		defer workers.Stop()
	}

	var lastLine string
	t := tracker.New(src, opt, application.rec, workers, application.matcher, application.enroller, nil, tracker.Config{
		RecognitionInterval: time.Duration(profile.RecognitionIntervalMs) * time.Millisecond,
		HistoryLimit:        profile.HistoryLimit,
		SnapshotDir:         application.cfg.Tracking.SnapshotDir,
		Render: func(v tracker.View) {
			line := formatView(v)
			if line != lastLine {
				fmt.Printf("\r\033[K%s", line)
				lastLine = line
			}
		},
	})
	if err := t.EnsureSnapshotDir(); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if id := mustGetString(cmd, "follow"); id != "" {
		if application.store.Get(id) == nil {
			return fmt.Errorf("identity %q is not enrolled", id)
		}
		report, err := t.TrackPerson(ctx, id, mustGetDuration(cmd, "for"))
		if err != nil && ctx.Err() == nil {
			return err
		}
		printPersonReport(report)
		return nil
	}

	go readCommands(t.Commands())

	summary, err := t.Run(ctx)
	fmt.Println()
	printSummary(summary)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// readCommands translates stdin lines into tracker commands. It exits when
// stdin closes; the tracker just stops receiving input.
func readCommands(cmds chan<- tracker.Command) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "q", "quit":
			cmds <- tracker.Command{Kind: tracker.CmdQuit}
			return
		case "p", "pause":
			cmds <- tracker.Command{Kind: tracker.CmdPause}
		case "r", "resume":
			cmds <- tracker.Command{Kind: tracker.CmdResume}
		case "f", "force":
			cmds <- tracker.Command{Kind: tracker.CmdForceRecognize}
		case "s", "snapshot":
			cmds <- tracker.Command{Kind: tracker.CmdSnapshot}
		case "+":
			cmds <- tracker.Command{Kind: tracker.CmdThresholdUp}
		case "-":
			cmds <- tracker.Command{Kind: tracker.CmdThresholdDown}
		case "e", "enroll":
			if len(fields) < 2 {
				fmt.Println("usage: e ID [NAME]")
				continue
			}
			c := tracker.Command{Kind: tracker.CmdEnroll, EnrollID: fields[1]}
			if len(fields) > 2 {
				c.EnrollName = strings.Join(fields[2:], " ")
			} else {
				c.EnrollName = fields[1]
			}
			cmds <- c
		}
	}
}

func formatView(v tracker.View) string {
	if v.Paused {
		return "[PAUSED]"
	}
	if len(v.Results) == 0 {
		return fmt.Sprintf("%.1f fps | no faces", v.FPS)
	}
	names := make([]string, 0, len(v.Results))
	for _, face := range v.Results {
		name := face.DisplayName
		if name == "" {
			name = face.IdentityID
		}
		names = append(names, fmt.Sprintf("%s %.0f%%", name, face.Similarity*100))
	}
	return fmt.Sprintf("%.1f fps | %s", v.FPS, strings.Join(names, ", "))
}

func printSummary(s tracker.Summary) {
	fmt.Printf("Session %s\n", s.SessionID)
	fmt.Printf("  Uptime:        %s\n", s.Uptime.Round(time.Second))
	fmt.Printf("  Frames:        %d captured, %d processed\n", s.TotalFrames, s.ProcessedFrames)
	fmt.Printf("  Recognitions:  %d (%d unique identities)\n", s.TotalRecognitions, s.UniqueIdentities)
	fmt.Printf("  Average FPS:   %.1f\n", s.AvgFPS)
	for _, ev := range s.Events {
		fmt.Printf("  [%s] %s: %s\n", ev.Time.Format("15:04:05"), ev.Kind, ev.Detail)
	}
}

func printPersonReport(r tracker.PersonReport) {
	fmt.Printf("Followed %s for %s\n", r.IdentityID, r.Duration.Round(time.Second))
	fmt.Printf("  Frames checked: %d\n", r.FramesChecked)
	fmt.Printf("  Detections:     %d (%.0f%%)\n", r.Detections, r.DetectionRate*100)
	if r.LastSeen != nil {
		fmt.Printf("  Last seen:      %s\n", r.LastSeen.Format("15:04:05"))
	}
}
