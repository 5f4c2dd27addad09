package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/internal/daemon"
	"github.com/harun/kirogate/internal/logger"
	"github.com/spf13/cobra"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kirogate daemon service",
	Long: `Start the kirogate daemon service.
By default the daemon is started in the background and this command returns
once it has written its PID file. Use --foreground to run it attached to the
terminal until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("%w (PID file: %s)", daemon.ErrAlreadyRunning, pidFile)
	}

	if foreground {
		return runForeground(cmd.Context(), cfg)
	}
	return startBackground(cmd, cfg, pidFile)
}

func runForeground(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	configPath := config.NewLoader(cfgFile).GetConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Wait(ctx)
}

// startBackground re-executes this binary with --foreground in a new session
// and waits for the child to write its PID file.
func startBackground(cmd *cobra.Command, cfg *config.Config, pidFile string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	childArgs := []string{"start", "--foreground"}
	if cfgFile != "" {
		childArgs = append(childArgs, "--config", cfgFile)
	}
	if logLevel != "" {
		childArgs = append(childArgs, "--log-level", logLevel)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(cfg.DataDir, "daemon.out"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open daemon output file: %w", err)
	}
	defer out.Close()

	child := exec.Command(exe, childArgs...)
	child.Stdout = out
	child.Stderr = out
	child.SysProcAttr = detachedProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	if err := waitForPIDFile(pidFile, pid, 10*time.Second); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "kirogate started (PID %d)\n", pid)
	return nil
}

func waitForPIDFile(pidFile string, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got, err := daemon.ReadPID(pidFile); err == nil && got == pid {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon did not start in time; see daemon.out in the data directory")
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   []string{cfg.Telegram.BotToken, cfg.Gateway.SharedSecret},
	}
}
