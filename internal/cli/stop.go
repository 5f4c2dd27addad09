package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/kirogate/internal/daemon"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the kirogate daemon service",
	Long: `Stop the kirogate daemon service gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, then kills it if
the timeout passes.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	stopped, err := stopProcess(pid, time.Duration(stopTimeout)*time.Second)
	if err != nil {
		return err
	}
	if !stopped {
		fmt.Fprintln(out, "Timeout reached, daemon killed")
		_ = os.Remove(pidFile)
		return nil
	}

	fmt.Fprintln(out, "Daemon stopped successfully")
	return nil
}

// stopProcess terminates pid and waits up to timeout before killing it. It
// reports whether the process exited on its own.
func stopProcess(pid int, timeout time.Duration) (bool, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, fmt.Errorf("failed to find process: %w", err)
	}

	if err := proc.Terminate(); err != nil {
		return false, fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running, err := proc.IsRunning(); err != nil || !running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Kill(); err != nil {
		return false, fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	return false, nil
}
