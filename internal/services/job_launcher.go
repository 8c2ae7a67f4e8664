package services

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

var hostOS = runtime.GOOS

// ErrMissingJobPrivateKey is returned for jobs handed out without their private key
var ErrMissingJobPrivateKey = errors.New("unexpected: job private key is empty")

// LauncherAPI is the part of the job-queue API the launcher calls
type LauncherAPI interface {
	SetJobStatus(ctx context.Context, jobID, jobPrivateKey, computeClientID string, status types.JobStatus, errMsg string) error
	GetServiceApp(ctx context.Context, serviceName, appName string) (*types.ServiceApp, error)
}

// JobLauncher starts jobs as detached container processes
type JobLauncher struct {
	api             LauncherAPI
	runtime         ContainerRuntime
	logger          *utils.LogsManager
	clock           utils.Clock
	computeClientID string
	apiURL          string
	jobsDir         string
	selfExe         string
	selfConfigured  bool
	goos            string
	fastFailWindow  time.Duration
	fastFailPoll    time.Duration
	start           func(cmd *exec.Cmd) (int, error)
}

func NewJobLauncher(api LauncherAPI, runtime ContainerRuntime, computeClientID, apiURL string, cm *utils.ConfigManager, logger *utils.LogsManager) *JobLauncher {
	jobsDir := cm.GetConfigWithDefault("jobs_dir", "jobs")
	if abs, err := filepath.Abs(jobsDir); err == nil {
		jobsDir = abs
	}
	// supervisor_binary points at a static linux build when this binary cannot run in a container
	selfExe := cm.GetConfigWithDefault("supervisor_binary", "")
	selfConfigured := selfExe != ""
	if !selfConfigured {
		var err error
		if selfExe, err = os.Executable(); err != nil {
			logger.Warn(fmt.Sprintf("Could not resolve own executable: %v", err), "launcher")
		}
	}

	return &JobLauncher{
		api:             api,
		runtime:         runtime,
		logger:          logger,
		clock:           utils.NewRealClock(),
		computeClientID: computeClientID,
		apiURL:          apiURL,
		jobsDir:         jobsDir,
		selfExe:         selfExe,
		selfConfigured:  selfConfigured,
		goos:            hostOS,
		fastFailWindow:  cm.GetConfigDuration("fast_fail_window", 2*time.Second),
		fastFailPoll:    cm.GetConfigDuration("fast_fail_poll", 100*time.Millisecond),
		start:           utils.StartDetached,
	}
}

// CheckSupervisor verifies that the binary staged into job containers is a linux executable.
// Called once at startup; a dynamically linked binary only gets a warning since it runs on
// images whose libc matches the host.
func (l *JobLauncher) CheckSupervisor() error {
	if l.selfExe == "" {
		return errors.New("own executable path unknown; set supervisor_binary")
	}
	if !l.selfConfigured && l.goos != "linux" {
		return fmt.Errorf("jobs run this binary inside linux containers, which a %s build cannot do; set supervisor_binary to a static linux build (CGO_ENABLED=0 GOOS=linux)", l.goos)
	}

	f, err := elf.Open(l.selfExe)
	if err != nil {
		return fmt.Errorf("supervisor binary %s is not a linux executable: %w", l.selfExe, err)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			l.logger.Warn(fmt.Sprintf("Supervisor binary %s is dynamically linked; jobs on images with a different libc will fail. Build with CGO_ENABLED=0 or set supervisor_binary", l.selfExe), "launcher")
			break
		}
	}
	return nil
}

// JobsDir is the host directory holding one folder per launched job
func (l *JobLauncher) JobsDir() string {
	return l.jobsDir
}

// StartJob launches job in a detached container. It returns an error if anything fails before
// the process is started, or if the wrapper script reports a failure within the fast-fail window.
func (l *JobLauncher) StartJob(ctx context.Context, job *types.DendroJob) error {
	if job.JobPrivateKey == "" {
		return ErrMissingJobPrivateKey
	}

	if err := l.api.SetJobStatus(ctx, job.JobID, job.JobPrivateKey, l.computeClientID, types.JobStatusStarting, ""); err != nil {
		return fmt.Errorf("setting job status to starting: %w", err)
	}

	app, err := l.api.GetServiceApp(ctx, job.ServiceName, job.JobDefinition.AppName)
	if err != nil {
		return fmt.Errorf("getting service app: %w", err)
	}
	processor, err := app.FindProcessor(job.JobDefinition.ProcessorName)
	if err != nil {
		return fmt.Errorf("unexpected: %w in %s", err, job.JobDefinition.AppName)
	}

	// The job directory is deleted by the old-job cleanup, so it must never be shared
	paths := utils.BuildJobPaths(l.jobsDir, job.JobID)
	if err := os.MkdirAll(paths.WorkingDir, 0755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	if err := l.stageSupervisor(paths); err != nil {
		return err
	}
	if err := os.WriteFile(paths.RunScriptPath(), []byte(runScript()), 0755); err != nil {
		return fmt.Errorf("writing run script: %w", err)
	}
	if err := clearSentinels(paths); err != nil {
		return err
	}

	spec := RunSpec{
		Image:      processor.Image,
		HostTmpDir: paths.TmpDir,
		Env:        l.jobEnv(job, processor),
		NumCpus:    job.RequiredResources.NumCpus,
		NumGpus:    job.RequiredResources.NumGpus,
		APIURL:     l.apiURL,
	}

	if err := l.runtime.Prepare(ctx, processor.Image); err != nil {
		l.logger.Warn(fmt.Sprintf("Preparing image %s failed, starting anyway: %v", processor.Image, err), l.runtime.Name())
	}

	args := l.runtime.Args(spec)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = paths.JobDir
	cmd.Env = os.Environ()

	l.logger.Info(fmt.Sprintf("Starting job %s with %s (image %s)", job.JobID, l.runtime.Name(), processor.Image), "launcher")
	pid, err := l.start(cmd)
	if err != nil {
		return err
	}
	l.logger.Debug(fmt.Sprintf("Job %s container process started with PID %d", job.JobID, pid), "launcher")

	return l.waitForFastFail(ctx, paths)
}

// jobEnv lists the container environment in a stable order
func (l *JobLauncher) jobEnv(job *types.DendroJob, processor *types.AppProcessor) []EnvVar {
	env := []EnvVar{
		{Key: "PYTHONUNBUFFERED", Value: "1"},
		{Key: types.EnvJobID, Value: job.JobID},
		{Key: types.EnvJobPrivateKey, Value: job.JobPrivateKey},
		{Key: types.EnvComputeClientID, Value: l.computeClientID},
		{Key: types.EnvProcessorExecutable, Value: processor.Executable},
		{Key: types.EnvAPIURL, Value: l.apiURL},
		{Key: types.EnvJobCleanupDir, Value: types.ContainerTmpDir},
		{Key: types.EnvJobWorkingDir, Value: types.ContainerWorkingDir},
		{Key: types.EnvComputeClientBin, Value: types.ContainerTmpDir + "/" + types.SupervisorBinaryFile},
	}
	if job.RequiredResources.TimeSec != nil {
		env = append(env, EnvVar{Key: types.EnvJobTimeoutSec, Value: strconv.Itoa(job.TimeoutSec())})
	}
	return env
}

// stageSupervisor copies this binary into the job scratch dir; the container runs it as its
// entrypoint through run.sh
func (l *JobLauncher) stageSupervisor(paths utils.JobPaths) error {
	if l.selfExe == "" {
		return errors.New("cannot stage supervisor: own executable path unknown")
	}
	dst := paths.SupervisorBinaryPath()
	if err := utils.CopyFile(l.selfExe, dst); err != nil {
		return fmt.Errorf("staging supervisor binary: %w", err)
	}
	if err := utils.SetExecutablePermissions(dst); err != nil {
		return fmt.Errorf("staging supervisor binary: %w", err)
	}
	return utils.ValidateExecutable(dst)
}

// clearSentinels removes what an earlier launch in the same job dir left behind
func clearSentinels(paths utils.JobPaths) error {
	for _, path := range []string{paths.SucceededPath(), paths.FailedPath(), paths.OutputPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// runScript runs the supervisor and leaves a sentinel recording how it exited, so a failure right
// after start is visible to the launcher even though the process is detached
func runScript() string {
	tmp := types.ContainerTmpDir
	output := tmp + "/" + types.ParentProcessOutputFile
	return fmt.Sprintf(`#!/bin/bash
%s/%s internal-run-job > %s 2>&1
exit_code=$?
if [ $exit_code -eq 0 ]; then
    echo "Parent process completed successfully" >> %s
    echo "Parent process completed successfully" >> %s/%s
else
    echo "Parent process failed with exit code $exit_code" >> %s
    echo "Parent process failed" >> %s/%s
fi
`, tmp, types.SupervisorBinaryFile, output,
		output, tmp, types.ParentProcessSucceededFile,
		output, tmp, types.ParentProcessFailedFile)
}

// waitForFastFail polls the sentinels for the fast-fail window. A failed sentinel becomes an
// error carrying the captured output; a succeeded sentinel ends the wait early.
func (l *JobLauncher) waitForFastFail(ctx context.Context, paths utils.JobPaths) error {
	started := l.clock.Now()
	for l.clock.Now().Sub(started) < l.fastFailWindow {
		if _, err := os.Stat(paths.FailedPath()); err == nil {
			output, _ := os.ReadFile(paths.OutputPath())
			return fmt.Errorf("Parent process error: %s", string(output))
		}
		if _, err := os.Stat(paths.SucceededPath()); err == nil {
			return nil
		}
		if err := l.clock.Sleep(ctx, l.fastFailPoll); err != nil {
			return err
		}
	}
	return nil
}
