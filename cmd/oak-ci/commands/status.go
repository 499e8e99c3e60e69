package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/oak-dev/ci-daemon/internal/config"
	"github.com/oak-dev/ci-daemon/internal/daemonlife"
	"github.com/oak-dev/ci-daemon/internal/project"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the codebase intelligence daemon is running for this project",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	projectRoot, err := resolveWorkDir()
	if err != nil {
		return err
	}

	pidPath := config.PIDFilePath(projectRoot)
	port := project.DerivePort(projectRoot, config.LocalPortFile(projectRoot), config.TeamSharedPortFile(projectRoot))
	healthURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	if !daemonlife.IsAlive(pidPath, healthURL) {
		fmt.Println("daemon is not running")
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL + "/api/health")
	if err != nil {
		fmt.Println("daemon process is alive but did not respond to a health check")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}

	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		fmt.Println("daemon is running")
		return nil
	}

	fmt.Printf("daemon is running on port %d\n", port)
	for _, key := range []string{"status", "uptime_seconds", "project_root"} {
		if v, ok := health[key]; ok {
			fmt.Printf("  %s: %v\n", key, v)
		}
	}
	return nil
}
