package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/compute-client/internal/services"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// SupervisorAPI is the part of the job-queue API used from inside the container
type SupervisorAPI interface {
	services.UploadAPI
	SetJobStatus(ctx context.Context, jobID, jobPrivateKey, computeClientID string, status types.JobStatus, errMsg string) error
	GetJob(ctx context.Context, jobID string) (*types.DendroJob, error)
}

// JobEnv is the job description passed to the supervisor through its environment
type JobEnv struct {
	JobID               string
	JobPrivateKey       string
	ComputeClientID     string
	ProcessorExecutable string
	TimeoutSec          int // 0 means no limit
	CleanupDir          string
	WorkingDir          string
}

// JobEnvFromEnviron reads the supervisor environment
func JobEnvFromEnviron(getenv func(string) string) (*JobEnv, error) {
	env := &JobEnv{
		JobID:               getenv(types.EnvJobID),
		JobPrivateKey:       getenv(types.EnvJobPrivateKey),
		ComputeClientID:     getenv(types.EnvComputeClientID),
		ProcessorExecutable: getenv(types.EnvProcessorExecutable),
		CleanupDir:          getenv(types.EnvJobCleanupDir),
		WorkingDir:          getenv(types.EnvJobWorkingDir),
	}

	var missing []string
	if env.JobID == "" {
		missing = append(missing, types.EnvJobID)
	}
	if env.JobPrivateKey == "" {
		missing = append(missing, types.EnvJobPrivateKey)
	}
	if env.ProcessorExecutable == "" {
		missing = append(missing, types.EnvProcessorExecutable)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}

	if v := getenv(types.EnvJobTimeoutSec); v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", types.EnvJobTimeoutSec, v, err)
		}
		env.TimeoutSec = timeout
	}
	if env.WorkingDir == "" {
		env.WorkingDir = "."
	}
	return env, nil
}

// Outcome is the terminal result the supervisor reported
type Outcome struct {
	Succeeded bool
	Error     string
}

// JobSupervisor runs a job's processor inside the container and owns its lifecycle from
// "running" to the terminal status
type JobSupervisor struct {
	api      SupervisorAPI
	env      *JobEnv
	cm       *utils.ConfigManager
	logLevel string
	stdout   io.Writer
	clock    utils.Clock
	logger   *utils.LogsManager
	paths    utils.InternalPaths

	startChild   ProcessStarter
	startMonitor MonitorStarter
	waitWindow   time.Duration
	tick         time.Duration
	reportEvery  time.Duration
	consoleTail  int64
	checkOutputs bool
}

func NewJobSupervisor(api SupervisorAPI, env *JobEnv, selfBinary string, cm *utils.ConfigManager) *JobSupervisor {
	return &JobSupervisor{
		api:          api,
		env:          env,
		cm:           cm,
		logLevel:     cm.GetConfigWithDefault("log_level", "info"),
		stdout:       os.Stdout,
		clock:        utils.NewRealClock(),
		paths:        utils.BuildInternalPaths(env.WorkingDir),
		startChild:   StartExecChild,
		startMonitor: DetachedMonitorStarter(selfBinary, os.Getpid()),
		waitWindow:   cm.GetConfigDuration("supervisor_wait_window", time.Second),
		tick:         cm.GetConfigDuration("supervisor_tick", 3*time.Second),
		reportEvery:  cm.GetConfigDuration("supervisor_report_interval", 120*time.Second),
		consoleTail:  cm.GetConfigBytes("console_tail_bytes", 1000),
		checkOutputs: cm.GetConfigBool("check_declared_outputs", true),
	}
}

// Run supervises the job to completion. The returned error covers only failures before the job
// was marked running; everything after that ends in a terminal status report.
func (s *JobSupervisor) Run(ctx context.Context) (*Outcome, error) {
	if err := s.prepareInternalDir(); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(s.paths.JobLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening job log: %w", err)
	}
	defer logFile.Close()
	s.logger = utils.NewLogsManagerWithOutput(s.logLevel, io.MultiWriter(s.stdout, logFile))

	runID := uuid.New().String()
	s.logger.Info(fmt.Sprintf("Supervisor run %s for job %s", runID, s.env.JobID), "supervisor")

	if err := s.api.SetJobStatus(ctx, s.env.JobID, s.env.JobPrivateKey, s.env.ComputeClientID, types.JobStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("setting job status to running: %w", err)
	}

	// Fetched before the processor can change anything; only needed for the output check
	var job *types.DendroJob
	if s.checkOutputs {
		job, err = s.api.GetJob(ctx, s.env.JobID)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("Could not fetch job definition, skipping output check: %v", err), "supervisor")
		}
	}

	runErr := s.supervise(ctx)
	if runErr == nil {
		runErr = s.checkDeclaredOutputs(job)
	}

	outcome := &Outcome{Succeeded: runErr == nil}
	if runErr != nil {
		outcome.Error = runErr.Error()
		s.logger.Error(fmt.Sprintf("Error running job: %s", outcome.Error), "supervisor")
	}

	s.finalize(outcome)
	s.logger.Info("Exiting", "supervisor")
	return outcome, nil
}

func (s *JobSupervisor) prepareInternalDir() error {
	if err := os.RemoveAll(s.paths.Dir); err != nil {
		return fmt.Errorf("removing internal folder: %w", err)
	}
	if err := os.MkdirAll(s.paths.Dir, 0755); err != nil {
		return fmt.Errorf("creating internal folder: %w", err)
	}
	return nil
}

// supervise starts the monitors and the processor and polls until the processor exits, the job
// is canceled or the time limit is exceeded. The child is always stopped and the scratch dir
// cleaned before it returns.
func (s *JobSupervisor) supervise(ctx context.Context) (err error) {
	console, err := os.Create(s.paths.ConsoleOutput)
	if err != nil {
		return fmt.Errorf("creating console output file: %w", err)
	}

	var child ChildProcess
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor panic: %v", r)
		}
		if child != nil {
			s.logger.Debug("Closing subprocess", "supervisor")
			if kerr := child.Kill(); kerr != nil {
				s.logger.Warn(fmt.Sprintf("Problem stopping processor: %v", kerr), "supervisor")
			}
		}
		console.Close()
		s.cleanup()
	}()

	s.startMonitors()

	argv, err := ProcessorArgv(s.env.ProcessorExecutable)
	if err != nil {
		return err
	}
	childTmp := filepath.Join(s.env.WorkingDir, "tmp")
	if err := os.MkdirAll(childTmp, 0755); err != nil {
		return fmt.Errorf("creating processor tmp dir: %w", err)
	}

	s.logger.Info(fmt.Sprintf("Running %s (job %s)", s.env.ProcessorExecutable, s.env.JobID), "supervisor")
	child, err = s.startChild(ChildSpec{
		Argv:   argv,
		Dir:    s.env.WorkingDir,
		Env:    s.childEnv(childTmp),
		Output: console,
	})
	if err != nil {
		return err
	}

	started := s.clock.Now()
	var lastReport time.Time
	for {
		exited, code, err := s.waitChild(ctx, child)
		if err != nil {
			return err
		}
		if exited {
			if code != 0 {
				return s.exitError(code)
			}
			return nil
		}

		if content, err := os.ReadFile(s.paths.Cancel); err == nil {
			s.logger.Info(fmt.Sprintf("Job canceled: %s", string(content)), "supervisor")
			return fmt.Errorf("Job canceled: %s", string(content))
		}

		elapsed := s.clock.Now().Sub(started)
		if s.env.TimeoutSec > 0 && elapsed.Seconds() > float64(s.env.TimeoutSec) {
			return fmt.Errorf("Job timed out: %.1f > %d seconds", elapsed.Seconds(), s.env.TimeoutSec)
		}

		if lastReport.IsZero() || s.clock.Now().Sub(lastReport) >= s.reportEvery {
			lastReport = s.clock.Now()
			s.logger.Info("Job still running", "supervisor")
		}

		if err := s.clock.Sleep(ctx, s.tick); err != nil {
			return err
		}
	}
}

// waitChild polls the child for up to the wait window
func (s *JobSupervisor) waitChild(ctx context.Context, child ChildProcess) (bool, int, error) {
	if exited, code := child.Poll(); exited {
		return true, code, nil
	}
	if err := s.clock.Sleep(ctx, s.waitWindow); err != nil {
		return false, 0, err
	}
	exited, code := child.Poll()
	return exited, code, nil
}

func (s *JobSupervisor) exitError(code int) error {
	msg := fmt.Sprintf("Error running job: return code %d", code)
	if tail := ConsoleTail(s.paths.ConsoleOutput, s.consoleTail); tail != "" {
		msg += "\n" + tail
	}
	return errors.New(msg)
}

func (s *JobSupervisor) childEnv(tmpDir string) []string {
	env := os.Environ()
	env = append(env,
		types.EnvJobID+"="+s.env.JobID,
		types.EnvJobPrivateKey+"="+s.env.JobPrivateKey,
		types.EnvJobInternal+"=1",
		"PYTHONUNBUFFERED=1",
		"TMPDIR="+tmpDir,
	)
	return env
}

func (s *JobSupervisor) startMonitors() {
	base := map[string]string{
		types.EnvJobID:         s.env.JobID,
		types.EnvJobPrivateKey: s.env.JobPrivateKey,
	}
	with := func(extra map[string]string) map[string]string {
		env := make(map[string]string, len(base)+len(extra))
		for k, v := range base {
			env[k] = v
		}
		for k, v := range extra {
			env[k] = v
		}
		return env
	}

	monitors := []struct {
		kind string
		env  map[string]string
		out  string
	}{
		{types.MonitorConsoleOutput, with(map[string]string{types.EnvConsoleOutFile: absPath(s.paths.ConsoleOutput)}), s.paths.ConsoleMonitorLog},
		{types.MonitorResourceUtilization, with(map[string]string{types.EnvResourceLogFile: absPath(s.paths.ResourceUtilization)}), s.paths.ResourceMonitorLog},
		{types.MonitorJobStatus, with(map[string]string{types.EnvCancelOutFile: absPath(s.paths.Cancel)}), s.paths.JobStatusMonitorLog},
	}
	for _, m := range monitors {
		s.logger.Debug(fmt.Sprintf("Launching %s monitor", m.kind), "supervisor")
		if err := s.startMonitor(m.kind, m.env, m.out); err != nil {
			s.logger.Warn(fmt.Sprintf("Could not start %s monitor: %v", m.kind, err), "supervisor")
		}
	}
}

// checkDeclaredOutputs fails a successful run that left a declared output undelivered. It only
// applies once the processor has recorded at least one delivery through this binary.
func (s *JobSupervisor) checkDeclaredOutputs(job *types.DendroJob) error {
	if job == nil {
		return nil
	}
	if _, err := os.Stat(s.paths.Outputs); err != nil {
		return nil
	}
	delivered, err := services.DeliveredOutputs(s.paths.Outputs)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("Could not read output records: %v", err), "supervisor")
		return nil
	}
	for _, out := range job.JobDefinition.OutputFiles {
		rec, ok := delivered[out.Name]
		if !ok {
			return fmt.Errorf("Output was not uploaded: %s", out.Name)
		}
		if rec.Size != nil {
			s.logger.Info(fmt.Sprintf("Output %s: %d bytes", out.Name, *rec.Size), "supervisor")
		}
	}
	return nil
}

func (s *JobSupervisor) cleanup() {
	if s.env.CleanupDir == "" {
		s.logger.Debug("No cleanup dir set, not cleaning up", "supervisor")
		return
	}
	s.logger.Info(fmt.Sprintf("Cleaning up %s", s.env.CleanupDir), "supervisor")
	if err := CleanupScratch(s.env.CleanupDir, s.logger); err != nil {
		s.logger.Warn(fmt.Sprintf("Problem cleaning up %s: %v", s.env.CleanupDir, err), "supervisor")
	}
}

// finalize uploads the console one last time and reports the terminal status. Neither failure
// changes the outcome.
func (s *JobSupervisor) finalize(outcome *Outcome) {
	// Background context: the terminal report must go out even if the run was interrupted
	ctx := context.Background()

	s.logger.Info("Uploading final console output", "supervisor")
	uploader := services.NewUploader(s.api, s.env.JobID, s.env.JobPrivateKey, s.cm, s.logger)
	if _, err := uploader.UploadFile(ctx, services.UploadRequest{UploadType: types.UploadTypeConsoleOutput}, s.paths.ConsoleOutput); err != nil {
		s.logger.Warn(fmt.Sprintf("Problem uploading final console output: %v", err), "supervisor")
	}

	status := types.JobStatusCompleted
	if !outcome.Succeeded {
		status = types.JobStatusFailed
	}
	s.logger.Info(fmt.Sprintf("Setting job status to %s", status), "supervisor")
	if err := s.api.SetJobStatus(ctx, s.env.JobID, s.env.JobPrivateKey, s.env.ComputeClientID, status, outcome.Error); err != nil {
		s.logger.Error(fmt.Sprintf("Problem setting final job status: %v", err), "supervisor")
	}
}

var removeFile = os.Remove

// CleanupScratch deletes every file under dir, leaving directories in place. The internal folder
// and files prefixed with the internal prefix are kept. A file that cannot be deleted is logged
// and skipped; the failures are returned together.
func CleanupScratch(dir string, logger *utils.LogsManager) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if e.Name() == types.InternalDirName {
				continue
			}
			if err := CleanupScratch(path, logger); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if strings.HasPrefix(e.Name(), types.InternalFilePrefix) {
			continue
		}
		logger.Debug(fmt.Sprintf("Deleting %s", path), "supervisor")
		if err := removeFile(path); err != nil && !os.IsNotExist(err) {
			logger.Warn(fmt.Sprintf("Could not delete %s: %v", path, err), "supervisor")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConsoleTail returns up to n trailing bytes of the console file
func ConsoleTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return ""
	}
	return string(buf)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
