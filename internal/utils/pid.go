package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned by ReadPID when there is no PID file
var ErrNotRunning = errors.New("PID file does not exist - compute client is not running")

// PIDManager owns the PID file of the daemon serving one compute client directory
type PIDManager struct {
	path        string
	gracePeriod time.Duration
}

// NewPIDManager places the PID file inside dir, the directory holding compute-client.yaml, so
// clients registered in different directories can run side by side
func NewPIDManager(cm *ConfigManager, dir string) *PIDManager {
	name := cm.GetConfigWithDefault("pid_path", "compute-client.pid")
	if runtime.GOOS == "windows" {
		name = filepath.FromSlash(name)
	}
	if dir == "" {
		dir = "."
	}

	return &PIDManager{
		path:        filepath.Join(dir, name),
		gracePeriod: cm.GetConfigDuration("stop_grace_period", 10*time.Second),
	}
}

func (p *PIDManager) Path() string {
	return p.path
}

// Acquire writes pid unless a live process already owns the file. A stale file is replaced.
func (p *PIDManager) Acquire(pid int) error {
	if existing, err := p.ReadPID(); err == nil && existing != pid && IsProcessAlive(existing) {
		return fmt.Errorf("another instance is already running with PID %d", existing)
	}
	return p.WritePID(pid)
}

func (p *PIDManager) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %v", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %v", err)
	}
	return pid, nil
}

// StopProcess sends SIGTERM and escalates to SIGKILL once the grace period passes
func (p *PIDManager) StopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}

	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %v", pid, err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(p.gracePeriod)

	for {
		select {
		case <-timeout:
			fmt.Printf("Grace period expired, force killing process %d\n", pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			if !IsProcessAlive(pid) {
				return nil
			}
		}
	}
}

func (p *PIDManager) RemovePIDFile() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %v", err)
	}
	return nil
}

// IsProcessAlive checks whether pid exists using signal 0. Job monitors call it with their
// parent's pid to decide when to exit.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// FindProcess only succeeds for live processes on Windows
	if runtime.GOOS == "windows" {
		return true
	}

	return process.Signal(syscall.Signal(0)) == nil
}
