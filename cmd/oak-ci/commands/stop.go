package commands

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oak-dev/ci-daemon/internal/config"
	"github.com/oak-dev/ci-daemon/internal/daemonlife"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the codebase intelligence daemon running for this project",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	projectRoot, err := resolveWorkDir()
	if err != nil {
		return err
	}

	pidPath := config.PIDFilePath(projectRoot)
	pid, ok := daemonlife.ReadPIDFile(pidPath)
	if !ok || !daemonlife.ProcessAlive(pid) {
		os.Remove(pidPath)
		fmt.Println("daemon is not running")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	for i := 0; i < 50; i++ {
		if !daemonlife.ProcessAlive(pid) {
			fmt.Println("daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("force kill process %d: %w", pid, err)
	}
	os.Remove(pidPath)
	fmt.Println("daemon did not exit cleanly, force killed")
	return nil
}
