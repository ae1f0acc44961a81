package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// writePidFile records the daemon's process id at path.
func writePidFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID: %d", pid)
	}
	return pid, nil
}

// removePidFile deletes path unless another process has rewritten it.
func removePidFile(path string) error {
	if pid, err := readPidFile(path); err == nil && pid != os.Getpid() {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// wakeDaemon sends SIGHUP to the daemon named in the pid file so it
// re-evaluates its schedule.
func wakeDaemon(path string) (int, error) {
	pid, err := readPidFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("daemon not running (no %s)", path)
		}
		return 0, err
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := p.Signal(syscall.SIGHUP); err != nil {
		return pid, fmt.Errorf("signal daemon (PID %d): %w", pid, err)
	}
	return pid, nil
}
