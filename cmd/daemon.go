package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func pidFilePath() string {
	return config.ExpandHome("~/.flowgate/flowgate.pid")
}

// readPID returns the PID from the pid file, or 0 when there is none or
// the recorded process is gone (stale file).
func readPID() int {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	// Signal 0 only checks existence.
	if err := syscall.Kill(pid, 0); err != nil {
		return 0
	}
	return pid
}

func writePIDFile(pid int) error {
	path := pidFilePath()
	if err := os.MkdirAll(config.ExpandHome("~/.flowgate"), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

// startGatewayDaemon re-executes this binary as `gateway run` in its own
// session and records the child's PID.
func startGatewayDaemon() error {
	if pid := readPID(); pid != 0 {
		return fmt.Errorf("gateway already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"gateway", "run"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(exe, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn gateway: %w", err)
	}
	if err := writePIDFile(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	fmt.Printf("gateway started (pid %d)\n", child.Process.Pid)
	return child.Process.Release()
}

// stopGatewayDaemon sends SIGTERM to the recorded process and waits
// briefly for it to exit.
func stopGatewayDaemon() error {
	pid := readPID()
	if pid == 0 {
		os.Remove(pidFilePath())
		return fmt.Errorf("gateway is not running")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			os.Remove(pidFilePath())
			fmt.Println("gateway stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("gateway (pid %d) did not exit within 10s", pid)
}
