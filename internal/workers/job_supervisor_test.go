package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

type statusUpdate struct {
	Status types.JobStatus
	Error  string
}

type fakeSupervisorAPI struct {
	mu           sync.Mutex
	statuses     []statusUpdate
	statusErr    error
	job          *types.DendroJob
	jobs         []*types.DendroJob
	jobErrs      []error
	jobCalls     int
	jobCallTimes []time.Time
	clock        utils.Clock
	signedURL    string
	uploads      []types.GetSignedUploadURLRequest
}

func (f *fakeSupervisorAPI) SetJobStatus(ctx context.Context, jobID, jobPrivateKey, computeClientID string, status types.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusUpdate{Status: status, Error: errMsg})
	if status == types.JobStatusRunning && f.statusErr != nil {
		return f.statusErr
	}
	return nil
}

// GetJob serves jobs/jobErrs in sequence, then falls back to job
func (f *fakeSupervisorAPI) GetJob(ctx context.Context, jobID string) (*types.DendroJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.jobCalls
	f.jobCalls++
	if f.clock != nil {
		f.jobCallTimes = append(f.jobCallTimes, f.clock.Now())
	}
	if i < len(f.jobErrs) && f.jobErrs[i] != nil {
		return nil, f.jobErrs[i]
	}
	if i < len(f.jobs) {
		return f.jobs[i], nil
	}
	return f.job, nil
}

func (f *fakeSupervisorAPI) GetSignedUploadURL(ctx context.Context, key string, req types.GetSignedUploadURLRequest) (*types.GetSignedUploadURLResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, req)
	if f.signedURL == "" {
		return nil, errors.New("no bucket configured")
	}
	return &types.GetSignedUploadURLResponse{SignedURL: f.signedURL, DownloadURL: "https://download/x"}, nil
}

func (f *fakeSupervisorAPI) FinalizeMultipartUpload(ctx context.Context, key string, req types.FinalizeMultipartUploadRequest) error {
	return nil
}

func (f *fakeSupervisorAPI) CancelMultipartUpload(ctx context.Context, key string, req types.CancelMultipartUploadRequest) error {
	return nil
}

func (f *fakeSupervisorAPI) SetOutputFileURL(ctx context.Context, jobID, key, outputName, url string) error {
	return nil
}

// fakeChild exits with code on the exitOnPoll-th Poll; a negative exitOnPoll never exits
type fakeChild struct {
	mu         sync.Mutex
	exitOnPoll int
	code       int
	polls      int
	killed     bool
}

func (c *fakeChild) Poll() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.exitOnPoll >= 0 && c.polls >= c.exitOnPoll {
		return true, c.code
	}
	return false, 0
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = true
	return nil
}

type monitorLaunch struct {
	Kind string
	Env  map[string]string
	Out  string
}

type supervisorHarness struct {
	sup      *JobSupervisor
	clock    *utils.FakeClock
	env      *JobEnv
	child    *fakeChild
	spec     ChildSpec
	monitors []monitorLaunch
}

// newSupervisorHarness lays out <tmp>/tmp/working like a container scratch dir. onStart runs when the
// processor "starts" and may write files or output.
func newSupervisorHarness(t *testing.T, api *fakeSupervisorAPI, child *fakeChild, onStart func(h *supervisorHarness)) *supervisorHarness {
	t.Helper()
	cleanupDir := filepath.Join(t.TempDir(), "tmp")
	env := &JobEnv{
		JobID:               "job-1",
		JobPrivateKey:       "job-secret",
		ComputeClientID:     "cc-1",
		ProcessorExecutable: "/app/main.py --verbose",
		CleanupDir:          cleanupDir,
		WorkingDir:          filepath.Join(cleanupDir, "working"),
	}
	require.NoError(t, os.MkdirAll(env.WorkingDir, 0755))

	h := &supervisorHarness{env: env, child: child, clock: utils.NewFakeClock(time.Unix(1_700_000_000, 0))}
	cm := utils.NewConfigManagerFromValues(utils.Config{"log_level": "debug"})
	h.sup = NewJobSupervisor(api, env, "/tmp/_internal_compute-client", cm)
	h.sup.stdout = io.Discard
	h.sup.clock = h.clock
	h.sup.startMonitor = func(kind string, env map[string]string, outPath string) error {
		h.monitors = append(h.monitors, monitorLaunch{Kind: kind, Env: env, Out: outPath})
		return nil
	}
	h.sup.startChild = func(spec ChildSpec) (ChildProcess, error) {
		h.spec = spec
		if onStart != nil {
			onStart(h)
		}
		return child, nil
	}
	return h
}

func TestJobSupervisor_SuccessfulRun(t *testing.T) {
	api := &fakeSupervisorAPI{}
	child := &fakeChild{exitOnPoll: 4, code: 0}
	h := newSupervisorHarness(t, api, child, func(h *supervisorHarness) {
		fmt.Fprint(h.spec.Output, "processing...\n")
		os.WriteFile(filepath.Join(h.env.WorkingDir, "scratch.dat"), []byte("x"), 0644)
		os.WriteFile(filepath.Join(h.env.CleanupDir, "run.sh"), []byte("#!/bin/bash"), 0644)
		os.WriteFile(filepath.Join(h.env.CleanupDir, types.SupervisorBinaryFile), []byte("bin"), 0755)
	})

	outcome, err := h.sup.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
	assert.Empty(t, outcome.Error)

	require.Len(t, api.statuses, 2)
	assert.Equal(t, types.JobStatusRunning, api.statuses[0].Status)
	assert.Equal(t, statusUpdate{Status: types.JobStatusCompleted}, api.statuses[1])
	assert.True(t, child.killed, "child is always stopped")

	// processor invocation
	assert.Equal(t, []string{"python", "/app/main.py", "--verbose"}, h.spec.Argv)
	assert.Equal(t, h.env.WorkingDir, h.spec.Dir)
	assert.Contains(t, h.spec.Env, "JOB_INTERNAL=1")
	assert.Contains(t, h.spec.Env, "PYTHONUNBUFFERED=1")
	assert.Contains(t, h.spec.Env, "TMPDIR="+filepath.Join(h.env.WorkingDir, "tmp"))

	// monitors
	require.Len(t, h.monitors, 3)
	kinds := []string{h.monitors[0].Kind, h.monitors[1].Kind, h.monitors[2].Kind}
	assert.ElementsMatch(t, []string{types.MonitorConsoleOutput, types.MonitorResourceUtilization, types.MonitorJobStatus}, kinds)
	for _, m := range h.monitors {
		assert.Equal(t, "job-1", m.Env[types.EnvJobID])
		assert.Equal(t, "job-secret", m.Env[types.EnvJobPrivateKey])
		if m.Kind == types.MonitorJobStatus {
			assert.Equal(t, h.sup.paths.Cancel, m.Env[types.EnvCancelOutFile])
		}
	}

	// scratch cleaned, internal files kept
	assert.NoFileExists(t, filepath.Join(h.env.WorkingDir, "scratch.dat"))
	assert.NoFileExists(t, filepath.Join(h.env.CleanupDir, "run.sh"))
	assert.FileExists(t, filepath.Join(h.env.CleanupDir, types.SupervisorBinaryFile))
	assert.FileExists(t, h.sup.paths.ConsoleOutput)
	assert.FileExists(t, h.sup.paths.JobLog)

	// final console upload attempted even though it fails
	require.Len(t, api.uploads, 1)
	assert.Equal(t, types.UploadTypeConsoleOutput, api.uploads[0].UploadType)
}

func TestJobSupervisor_NonZeroExitIncludesConsoleTail(t *testing.T) {
	api := &fakeSupervisorAPI{}
	child := &fakeChild{exitOnPoll: 1, code: 2}
	h := newSupervisorHarness(t, api, child, func(h *supervisorHarness) {
		fmt.Fprint(h.spec.Output, strings.Repeat("a", 2000)+"Traceback: boom")
	})
	h.sup.consoleTail = 100

	outcome, err := h.sup.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded)
	assert.True(t, strings.HasPrefix(outcome.Error, "Error running job: return code 2\n"))
	assert.True(t, strings.HasSuffix(outcome.Error, "Traceback: boom"))
	assert.Len(t, strings.TrimPrefix(outcome.Error, "Error running job: return code 2\n"), 100)

	last := api.statuses[len(api.statuses)-1]
	assert.Equal(t, types.JobStatusFailed, last.Status)
	assert.Equal(t, outcome.Error, last.Error)
}

func TestJobSupervisor_CancelFileStopsJob(t *testing.T) {
	api := &fakeSupervisorAPI{}
	child := &fakeChild{exitOnPoll: -1}
	h := newSupervisorHarness(t, api, child, func(h *supervisorHarness) {
		os.WriteFile(h.sup.paths.Cancel, []byte("failed"), 0644)
	})

	outcome, err := h.sup.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "Job canceled: failed", outcome.Error)
	assert.True(t, child.killed)
	assert.Equal(t, types.JobStatusFailed, api.statuses[len(api.statuses)-1].Status)
}

func TestJobSupervisor_StatusMonitorFlipStopsJob(t *testing.T) {
	running := &types.DendroJob{JobID: "job-1", Status: types.JobStatusRunning}
	api := &fakeSupervisorAPI{
		// the supervisor's own definition fetch, then the monitor's checks
		jobs: []*types.DendroJob{running, running, running},
		job:  &types.DendroJob{JobID: "job-1", Status: types.JobStatusFailed},
	}
	child := &fakeChild{exitOnPoll: -1}
	h := newSupervisorHarness(t, api, child, nil)

	supervisorDone := make(chan struct{})
	var wg sync.WaitGroup
	var monitorErr error
	monitorClock := utils.NewFakeClock(time.Unix(1_700_000_000, 0))
	h.sup.startMonitor = func(kind string, env map[string]string, outPath string) error {
		h.monitors = append(h.monitors, monitorLaunch{Kind: kind, Env: env, Out: outPath})
		if kind != types.MonitorJobStatus {
			return nil
		}
		menv := MonitorEnvFromEnviron(func(k string) string { return env[k] })
		m, err := NewMonitor(kind, 4242, menv, api, utils.NewConfigManagerFromValues(utils.Config{}), utils.NewLogsManagerWithOutput("debug", io.Discard))
		if err != nil {
			return err
		}
		m.clock = monitorClock
		m.parentAlive = func(int) bool {
			select {
			case <-supervisorDone:
				return false
			default:
				return true
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitorErr = m.Run(context.Background())
		}()
		return nil
	}

	outcome, err := h.sup.Run(context.Background())
	close(supervisorDone)
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, monitorErr)

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "Job canceled: failed", outcome.Error)
	assert.True(t, child.killed)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 4, api.jobCalls)
	require.Len(t, api.statuses, 2)
	assert.Equal(t, types.JobStatusRunning, api.statuses[0].Status)
	assert.Equal(t, statusUpdate{Status: types.JobStatusFailed, Error: "Job canceled: failed"}, api.statuses[1])
}

func TestJobSupervisor_Timeout(t *testing.T) {
	api := &fakeSupervisorAPI{}
	child := &fakeChild{exitOnPoll: -1}
	h := newSupervisorHarness(t, api, child, nil)
	h.env.TimeoutSec = 10

	outcome, err := h.sup.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded)
	// each tick waits 1s on the child then sleeps 3s: checks happen at 1, 5, 9 and 13 seconds
	assert.Equal(t, "Job timed out: 13.0 > 10 seconds", outcome.Error)
	assert.True(t, child.killed)

	for i, d := range h.clock.Sleeps() {
		if i%2 == 0 {
			assert.Equal(t, time.Second, d)
		} else {
			assert.Equal(t, 3*time.Second, d)
		}
	}
}

func TestJobSupervisor_MissingDeclaredOutputFailsJob(t *testing.T) {
	api := &fakeSupervisorAPI{job: &types.DendroJob{
		JobID: "job-1",
		JobDefinition: types.JobDefinition{
			OutputFiles: []types.OutputFile{{Name: "output"}, {Name: "report"}},
		},
	}}
	child := &fakeChild{exitOnPoll: 1}
	h := newSupervisorHarness(t, api, child, func(h *supervisorHarness) {
		require.NoError(t, os.MkdirAll(h.sup.paths.Outputs, 0755))
		os.WriteFile(filepath.Join(h.sup.paths.Outputs, "output.json"), []byte(`{"name":"output","downloadUrl":"https://x","size":3}`), 0644)
	})

	outcome, err := h.sup.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "Output was not uploaded: report", outcome.Error)
}

func TestJobSupervisor_NoRecordsSkipsOutputCheck(t *testing.T) {
	api := &fakeSupervisorAPI{job: &types.DendroJob{
		JobID:         "job-1",
		JobDefinition: types.JobDefinition{OutputFiles: []types.OutputFile{{Name: "output"}}},
	}}
	h := newSupervisorHarness(t, api, &fakeChild{exitOnPoll: 1}, nil)

	outcome, err := h.sup.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
}

func TestJobSupervisor_RunningStatusFailureAborts(t *testing.T) {
	api := &fakeSupervisorAPI{statusErr: errors.New("api down")}
	child := &fakeChild{exitOnPoll: 1}
	h := newSupervisorHarness(t, api, child, nil)

	outcome, err := h.sup.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Nil(t, h.spec.Argv, "processor must not start")
	assert.Empty(t, h.monitors)
}

func TestJobEnvFromEnviron(t *testing.T) {
	vars := map[string]string{
		types.EnvJobID:               "job-1",
		types.EnvJobPrivateKey:       "key",
		types.EnvProcessorExecutable: "/app/run",
		types.EnvJobTimeoutSec:       "3600",
	}
	env, err := JobEnvFromEnviron(func(k string) string { return vars[k] })
	require.NoError(t, err)
	assert.Equal(t, 3600, env.TimeoutSec)
	assert.Equal(t, ".", env.WorkingDir)

	vars[types.EnvJobTimeoutSec] = "soon"
	_, err = JobEnvFromEnviron(func(k string) string { return vars[k] })
	assert.Error(t, err)

	_, err = JobEnvFromEnviron(func(string) string { return "" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), types.EnvJobID)
	assert.Contains(t, err.Error(), types.EnvProcessorExecutable)
}

func TestProcessorArgv(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: "/app/main.py", want: []string{"python", "/app/main.py"}},
		{in: "/app/main.py --mode 'a b'", want: []string{"python", "/app/main.py", "--mode", "a b"}},
		{in: "/usr/bin/processor", want: []string{"/usr/bin/processor"}},
		{in: "", wantErr: true},
		{in: `"/app/unterminated`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ProcessorArgv(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanupScratch(t *testing.T) {
	dir := t.TempDir()
	files := map[string]bool{ // path -> should survive
		"run.sh":                      false,
		"_parent_process_output.txt":  false,
		"_internal_compute-client":    true,
		"working/data.bin":            false,
		"working/nested/deep.txt":     false,
		"working/_internal/job.log":   true,
		"working/_internal_keep.txt":  true,
		"working/_internal/outputs/a": true,
	}
	for p := range files {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0644))
	}

	logger := utils.NewLogsManagerWithOutput("debug", io.Discard)
	require.NoError(t, CleanupScratch(dir, logger))

	for p, survive := range files {
		if survive {
			assert.FileExists(t, filepath.Join(dir, p))
		} else {
			assert.NoFileExists(t, filepath.Join(dir, p))
		}
	}
	assert.DirExists(t, filepath.Join(dir, "working", "nested"), "directories are left in place")
}

func TestCleanupScratch_ContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a.txt", "b.txt", "working/c.txt"} {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0644))
	}

	stuck := filepath.Join(dir, "a.txt")
	orig := removeFile
	removeFile = func(path string) error {
		if path == stuck {
			return os.ErrPermission
		}
		return orig(path)
	}
	defer func() { removeFile = orig }()

	var logs bytes.Buffer
	err := CleanupScratch(dir, utils.NewLogsManagerWithOutput("info", &logs))
	require.ErrorIs(t, err, os.ErrPermission)

	assert.FileExists(t, stuck)
	assert.NoFileExists(t, filepath.Join(dir, "b.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "working", "c.txt"))
	assert.Contains(t, logs.String(), "Could not delete")
}

func TestConsoleTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	assert.Equal(t, "789", ConsoleTail(path, 3))
	assert.Equal(t, "0123456789", ConsoleTail(path, 1000))
	assert.Equal(t, "", ConsoleTail(filepath.Join(t.TempDir(), "missing"), 10))
}

func TestStartExecChild_ReportsExitCode(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	var out bytes.Buffer
	child, err := StartExecChild(ChildSpec{
		Argv:   []string{"/bin/sh", "-c", "echo hello; exit 3"},
		Dir:    t.TempDir(),
		Output: &out,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exited, _ := child.Poll()
		return exited
	}, 5*time.Second, 10*time.Millisecond)

	_, code := child.Poll()
	assert.Equal(t, 3, code)
	assert.Equal(t, "hello\n", out.String())
	assert.NoError(t, child.Kill())
}
