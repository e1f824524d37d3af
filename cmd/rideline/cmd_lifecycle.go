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

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, reloadCmd)
}

// readPID reads the PID written by serve and checks the process is alive
// with signal 0.
func readPID() (int, error) {
	cfg := loadConfig()
	pidPath := filepath.Join(cfg.DataDir, "rideline.pid")

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running daemon (PID file not found)")
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
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return pid, nil
}

// signalDaemon sends sig to the running serve process and returns its PID.
func signalDaemon(sig syscall.Signal) (int, error) {
	pid, err := readPID()
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %s: %w", sig, err)
	}
	return pid, nil
}

// daemonSignalCmd builds a command that only signals the daemon; serve
// decides what each signal means.
func daemonSignalCmd(use, short string, sig syscall.Signal, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := signalDaemon(sig)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Sent %s to daemon (PID %d): %s.\n", sig, pid, done)
			return nil
		},
	}
}

var (
	stopCmd = daemonSignalCmd("stop",
		"Stop the running daemon, saving its relay list",
		syscall.SIGTERM, "relay list saved, shutting down")
	restartCmd = daemonSignalCmd("restart",
		"Restart the running daemon in place (re-exec)",
		syscall.SIGHUP, "relay list saved, re-executing")
	reloadCmd = daemonSignalCmd("reload",
		"Re-read the config: add new relays and reschedule jobs",
		syscall.SIGUSR1, "reloading configuration")
)
