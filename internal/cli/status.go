package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/kirogate/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the kirogate daemon is running, with its PID, uptime and memory use.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	status, err := daemon.Inspect(daemon.PIDFilePath(cfg.DataDir))
	if errors.Is(err, daemon.ErrNotRunning) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", status.PID)
	if !status.StartTime.IsZero() {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(status.Uptime))
	}
	if status.RSSBytes > 0 {
		fmt.Fprintf(out, "Memory: %.1f MiB\n", float64(status.RSSBytes)/(1<<20))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
