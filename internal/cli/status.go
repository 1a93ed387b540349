package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/harun/toolengine/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the toolengine daemon. When the gateway is
enabled its health endpoint is queried as well.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type gatewayHealth struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Streams int    `json:"streams"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := filepath.Join(cfg.DataDir, daemon.PIDFileName)

	pid, err := readPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if cfg.Gateway.Enabled {
		addr := net.JoinHostPort(gatewayHost(cfg.Gateway.Host), strconv.Itoa(cfg.Gateway.Port))
		health, err := fetchHealth("http://" + addr)
		if err != nil {
			fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "Gateway: %s (%s, %d clients, %d streams)\n", addr, health.Status, health.Clients, health.Streams)
		}
	}

	return nil
}

func fetchHealth(baseURL string) (*gatewayHealth, error) {
	var health gatewayHealth
	resp, err := resty.New().
		SetTimeout(3 * time.Second).
		R().
		Get(baseURL + "/healthz")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body(), &health); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &health, nil
}

// gatewayHost maps a wildcard bind address to one a client can dial.
func gatewayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
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
