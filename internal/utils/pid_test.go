package utils

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestPIDManagerLifecycle(t *testing.T) {
	dir := t.TempDir()
	pm := NewPIDManager(NewConfigManagerFromValues(Config{}), dir)

	if pm.Path() != filepath.Join(dir, "compute-client.pid") {
		t.Fatalf("unexpected PID path %s", pm.Path())
	}
	if _, err := pm.ReadPID(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if err := pm.Acquire(os.Getpid()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pid, err := pm.ReadPID()
	if err != nil || pid != os.Getpid() {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}

	if err := pm.RemovePIDFile(); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := pm.RemovePIDFile(); err != nil {
		t.Errorf("removing a missing PID file should succeed: %v", err)
	}
}

func TestPIDManagerAcquire(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal 0 probing is unix only")
	}
	dir := t.TempDir()
	pm := NewPIDManager(NewConfigManagerFromValues(Config{}), dir)

	// Our own parent is alive and owns the file
	if err := pm.WritePID(os.Getppid()); err != nil {
		t.Fatal(err)
	}
	if err := pm.Acquire(os.Getpid()); err == nil {
		t.Error("Acquire should fail while the recorded process is alive")
	}

	// Stale file from a process that has exited
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	if err := pm.WritePID(cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}
	if err := pm.Acquire(os.Getpid()); err != nil {
		t.Errorf("Acquire should replace a stale PID file: %v", err)
	}
}

func TestPIDManagerInvalidContent(t *testing.T) {
	dir := t.TempDir()
	pm := NewPIDManager(NewConfigManagerFromValues(Config{}), dir)
	if err := os.WriteFile(pm.Path(), []byte("not-a-pid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := pm.ReadPID(); err == nil || errors.Is(err, ErrNotRunning) {
		t.Errorf("expected format error, got %v", err)
	}
}

func TestStopProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM handling is unix only")
	}
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	pm := NewPIDManager(NewConfigManagerFromValues(Config{"stop_grace_period": "5s"}), t.TempDir())
	if err := pm.StopProcess(cmd.Process.Pid); err != nil {
		t.Fatalf("StopProcess: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
