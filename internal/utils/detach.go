package utils

import (
	"fmt"
	"os/exec"
)

// StartDetached starts cmd in its own session with no stdin. The process is reaped in the
// background; callers never wait on it.
func StartDetached(cmd *exec.Cmd) (int, error) {
	cmd.SysProcAttr = DetachedProcessAttr()
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return cmd.Process.Pid, nil
}
