package workers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/compute-client/internal/system"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

func newTestMonitor(t *testing.T, kind string, api *fakeSupervisorAPI, env MonitorEnv, aliveFor int, onAlive func(call int)) (*Monitor, *utils.FakeClock) {
	t.Helper()
	env.JobID = "job-1"
	env.JobPrivateKey = "job-secret"

	cm := utils.NewConfigManagerFromValues(utils.Config{})
	m, err := NewMonitor(kind, 4242, env, api, cm, utils.NewLogsManagerWithOutput("debug", io.Discard))
	require.NoError(t, err)

	clock := utils.NewFakeClock(time.Unix(1_700_000_000, 0))
	m.clock = clock
	api.clock = clock

	calls := 0
	m.parentAlive = func(pid int) bool {
		assert.Equal(t, 4242, pid)
		calls++
		if onAlive != nil {
			onAlive(calls)
		}
		return aliveFor < 0 || calls <= aliveFor
	}
	return m, clock
}

func okBucket(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestJobStatusCheckInterval(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{59 * time.Second, 10 * time.Second},
		{60 * time.Second, 30 * time.Second},
		{4*time.Minute + 59*time.Second, 30 * time.Second},
		{5 * time.Minute, 60 * time.Second},
		{19 * time.Minute, 60 * time.Second},
		{20 * time.Minute, 120 * time.Second},
		{3 * time.Hour, 120 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, JobStatusCheckInterval(tt.elapsed), "elapsed %v", tt.elapsed)
	}
}

func TestJobStatusMonitor_WritesCancelFileWhenNotRunning(t *testing.T) {
	running := &types.DendroJob{JobID: "job-1", Status: types.JobStatusRunning}
	api := &fakeSupervisorAPI{
		jobs: []*types.DendroJob{running, running},
		job:  &types.DendroJob{JobID: "job-1", Status: types.JobStatusFailed},
	}
	cancelFile := filepath.Join(t.TempDir(), "cancel.txt")
	m, clock := newTestMonitor(t, types.MonitorJobStatus, api, MonitorEnv{CancelOutFile: cancelFile}, -1, nil)
	start := clock.Now()

	require.NoError(t, m.Run(context.Background()))

	content, err := os.ReadFile(cancelFile)
	require.NoError(t, err)
	assert.Equal(t, "failed", string(content))
	assert.Equal(t, 3, api.jobCalls)
	assert.Equal(t, 20*time.Second, clock.Now().Sub(start))
}

func TestJobStatusMonitor_BacksOffAndIgnoresErrors(t *testing.T) {
	netErr := errors.New("connection reset")
	running := &types.DendroJob{Status: types.JobStatusRunning}
	api := &fakeSupervisorAPI{
		jobs:    []*types.DendroJob{running, nil, running, nil, running, running, running},
		jobErrs: []error{nil, netErr, nil, netErr, nil, nil, nil},
		job:     nil, // eventually the job disappears
	}
	cancelFile := filepath.Join(t.TempDir(), "cancel.txt")
	m, clock := newTestMonitor(t, types.MonitorJobStatus, api, MonitorEnv{CancelOutFile: cancelFile}, -1, nil)
	start := clock.Now()

	require.NoError(t, m.Run(context.Background()))

	var offsets []time.Duration
	for _, at := range api.jobCallTimes {
		offsets = append(offsets, at.Sub(start))
	}
	assert.Equal(t, []time.Duration{
		0, 10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second, 50 * time.Second,
		80 * time.Second, 110 * time.Second,
	}, offsets)

	content, err := os.ReadFile(cancelFile)
	require.NoError(t, err)
	assert.Equal(t, "job not found", string(content))
}

func TestMonitor_ExitsWhenParentGone(t *testing.T) {
	api := &fakeSupervisorAPI{job: &types.DendroJob{Status: types.JobStatusRunning}}
	cancelFile := filepath.Join(t.TempDir(), "cancel.txt")
	m, _ := newTestMonitor(t, types.MonitorJobStatus, api, MonitorEnv{CancelOutFile: cancelFile}, 0, nil)

	require.NoError(t, m.Run(context.Background()))
	assert.Zero(t, api.jobCalls)
	assert.NoFileExists(t, cancelFile)
}

func TestConsoleOutputMonitor_UploadsOnlyChanges(t *testing.T) {
	api := &fakeSupervisorAPI{signedURL: okBucket(t).URL + "/console"}
	console := filepath.Join(t.TempDir(), "console_output.txt")
	require.NoError(t, os.WriteFile(console, []byte("line 1\n"), 0644))

	// one iteration per second: uploads are considered at 0s, 30s and 60s
	m, _ := newTestMonitor(t, types.MonitorConsoleOutput, api, MonitorEnv{ConsoleOutFile: console}, 65, func(call int) {
		if call == 10 {
			f, _ := os.OpenFile(console, os.O_APPEND|os.O_WRONLY, 0644)
			f.WriteString("line 2\n")
			f.Close()
		}
	})

	require.NoError(t, m.Run(context.Background()))

	require.Len(t, api.uploads, 2, "unchanged content at 60s is skipped")
	for _, u := range api.uploads {
		assert.Equal(t, types.UploadTypeConsoleOutput, u.UploadType)
		assert.Equal(t, "job-1", u.JobID)
	}
	assert.Equal(t, int64(14), api.uploads[1].Size)
}

func TestConsoleOutputMonitor_RetriesAfterFailedUpload(t *testing.T) {
	api := &fakeSupervisorAPI{} // every signed url request fails
	console := filepath.Join(t.TempDir(), "console_output.txt")
	require.NoError(t, os.WriteFile(console, []byte("same"), 0644))

	m, _ := newTestMonitor(t, types.MonitorConsoleOutput, api, MonitorEnv{ConsoleOutFile: console}, 35, nil)
	require.NoError(t, m.Run(context.Background()))

	assert.Len(t, api.uploads, 2)
}

func TestResourceUtilizationMonitor_SamplesAndUploads(t *testing.T) {
	api := &fakeSupervisorAPI{signedURL: okBucket(t).URL + "/resources"}
	logFile := filepath.Join(t.TempDir(), "resource_utilization_log.jsonl")

	m, _ := newTestMonitor(t, types.MonitorResourceUtilization, api, MonitorEnv{ResourceLogFile: logFile}, 25, nil)
	m.sample = func(now time.Time) system.ResourceSample {
		return system.ResourceSample{
			Timestamp: float64(now.Unix()),
			CPU:       system.CPUSample{Percent: 42, Cores: 4},
		}
	}

	require.NoError(t, m.Run(context.Background()))

	f, err := os.Open(logFile)
	require.NoError(t, err)
	defer f.Close()

	var stamps []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var s system.ResourceSample
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		assert.Equal(t, 42.0, s.CPU.Percent)
		stamps = append(stamps, s.Timestamp)
	}
	assert.Equal(t, []float64{1_700_000_000, 1_700_000_010, 1_700_000_020}, stamps)

	require.Len(t, api.uploads, 1)
	assert.Equal(t, types.UploadTypeResourceUtilizationLog, api.uploads[0].UploadType)
}

func TestNewMonitor_Validation(t *testing.T) {
	cm := utils.NewConfigManagerFromValues(utils.Config{})
	logger := utils.NewLogsManagerWithOutput("info", io.Discard)
	api := &fakeSupervisorAPI{}
	base := MonitorEnv{JobID: "job-1", JobPrivateKey: "k"}

	_, err := NewMonitor("bogus", 1, base, api, cm, logger)
	assert.ErrorContains(t, err, "unexpected monitor type: bogus")

	_, err = NewMonitor(types.MonitorConsoleOutput, 1, base, api, cm, logger)
	assert.ErrorContains(t, err, types.EnvConsoleOutFile)

	_, err = NewMonitor(types.MonitorJobStatus, 1, MonitorEnv{JobID: "job-1"}, api, cm, logger)
	assert.ErrorContains(t, err, types.EnvJobPrivateKey)

	env := MonitorEnvFromEnviron(func(k string) string {
		return map[string]string{types.EnvJobID: "j", types.EnvCancelOutFile: "/c"}[k]
	})
	assert.Equal(t, MonitorEnv{JobID: "j", CancelOutFile: "/c"}, env)
}
