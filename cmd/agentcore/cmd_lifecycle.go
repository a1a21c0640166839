package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const pidFileName = "agentcore.pid"

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// readPID returns the serving process recorded in the data dir, checking
// that it is still alive with signal 0.
func readPID(dataDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running server (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running server (process %d not found)", pid)
	}
	return pid, nil
}

func signalServer(sig syscall.Signal) (int, error) {
	cfg := loadConfig()
	pid, err := readPID(cfg.DataDir)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %v: %w", sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalServer(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to server (PID %d).\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalServer(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to server (PID %d) for restart.\n", pid)
		return nil
	},
}
