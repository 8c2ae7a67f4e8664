package workers

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// ChildProcess is the processor started by the supervisor
type ChildProcess interface {
	// Poll reports whether the process has exited and, if so, its exit code. It never blocks.
	Poll() (bool, int)
	Kill() error
}

// ChildSpec describes how to start the processor
type ChildSpec struct {
	Argv   []string
	Dir    string
	Env    []string
	Output io.Writer
}

// ProcessStarter starts a processor child
type ProcessStarter func(spec ChildSpec) (ChildProcess, error)

// MonitorStarter starts a detached monitor of the given kind with extra environment, writing its
// output to outPath
type MonitorStarter func(kind string, env map[string]string, outPath string) error

// ProcessorArgv splits the processor executable into argv. Python scripts are run through the
// interpreter.
func ProcessorArgv(executable string) ([]string, error) {
	argv, err := shlex.Split(executable)
	if err != nil {
		return nil, fmt.Errorf("parsing processor executable %q: %w", executable, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("processor executable is empty")
	}
	if strings.HasSuffix(argv[0], ".py") {
		argv = append([]string{"python"}, argv...)
	}
	return argv, nil
}

type execChild struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	code int
}

// StartExecChild starts the processor as a regular (non-detached) child
func StartExecChild(spec ChildSpec) (ChildProcess, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting processor: %w", err)
	}

	c := &execChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.done)
	}()

	return c, nil
}

func (c *execChild) Poll() (bool, int) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return true, c.code
	default:
		return false, 0
	}
}

func (c *execChild) Kill() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// DetachedMonitorStarter launches "<binary> internal-job-monitor <kind> --parent-pid <pid>" in its
// own session so it keeps running if the supervisor is killed
func DetachedMonitorStarter(binary string, parentPID int) MonitorStarter {
	return func(kind string, env map[string]string, outPath string) error {
		out, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating monitor output file: %w", err)
		}
		defer out.Close()

		cmd := exec.Command(binary, "internal-job-monitor", kind, "--parent-pid", strconv.Itoa(parentPID))
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stdout = out
		cmd.Stderr = out

		_, err = utils.StartDetached(cmd)
		return err
	}
}
