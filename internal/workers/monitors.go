package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/services"
	"github.com/Trustflow-Network-Labs/compute-client/internal/system"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// MonitorEnv is what a monitor reads from its environment
type MonitorEnv struct {
	JobID           string
	JobPrivateKey   string
	ConsoleOutFile  string
	CancelOutFile   string
	ResourceLogFile string
}

func MonitorEnvFromEnviron(getenv func(string) string) MonitorEnv {
	return MonitorEnv{
		JobID:           getenv(types.EnvJobID),
		JobPrivateKey:   getenv(types.EnvJobPrivateKey),
		ConsoleOutFile:  getenv(types.EnvConsoleOutFile),
		CancelOutFile:   getenv(types.EnvCancelOutFile),
		ResourceLogFile: getenv(types.EnvResourceLogFile),
	}
}

// Monitor is one of the detached helpers running beside the supervisor. Every kind exits once the
// supervisor process is gone.
type Monitor struct {
	kind        string
	parentPID   int
	env         MonitorEnv
	api         SupervisorAPI
	uploader    *services.Uploader
	clock       utils.Clock
	logger      *utils.LogsManager
	parentAlive func(pid int) bool
	sample      func(now time.Time) system.ResourceSample

	checkEvery      time.Duration
	consoleEvery    time.Duration
	sampleEvery     time.Duration
	resourceUpEvery time.Duration
}

func NewMonitor(kind string, parentPID int, env MonitorEnv, api SupervisorAPI, cm *utils.ConfigManager, logger *utils.LogsManager) (*Monitor, error) {
	if env.JobID == "" {
		return nil, fmt.Errorf("%s is not set", types.EnvJobID)
	}
	if env.JobPrivateKey == "" {
		return nil, fmt.Errorf("%s is not set", types.EnvJobPrivateKey)
	}
	switch kind {
	case types.MonitorConsoleOutput:
		if env.ConsoleOutFile == "" {
			return nil, fmt.Errorf("%s is not set", types.EnvConsoleOutFile)
		}
	case types.MonitorJobStatus:
		if env.CancelOutFile == "" {
			return nil, fmt.Errorf("%s is not set", types.EnvCancelOutFile)
		}
	case types.MonitorResourceUtilization:
		if env.ResourceLogFile == "" {
			return nil, fmt.Errorf("%s is not set", types.EnvResourceLogFile)
		}
	default:
		return nil, fmt.Errorf("unexpected monitor type: %s", kind)
	}

	sampler := system.NewUtilizationSampler()
	return &Monitor{
		kind:            kind,
		parentPID:       parentPID,
		env:             env,
		api:             api,
		uploader:        services.NewUploader(api, env.JobID, env.JobPrivateKey, cm, logger),
		clock:           utils.NewRealClock(),
		logger:          logger,
		parentAlive:     utils.IsProcessAlive,
		sample:          sampler.Sample,
		checkEvery:      cm.GetConfigDuration("monitor_check_interval", time.Second),
		consoleEvery:    cm.GetConfigDuration("console_upload_interval", 30*time.Second),
		sampleEvery:     cm.GetConfigDuration("resource_sample_interval", 10*time.Second),
		resourceUpEvery: cm.GetConfigDuration("resource_upload_interval", 60*time.Second),
	}, nil
}

// Run loops until the parent exits, the context ends or, for the job-status monitor, the job is
// no longer running
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(fmt.Sprintf("%s monitor panic recovered: %v", m.kind, r), "monitor")
		}
	}()

	switch m.kind {
	case types.MonitorJobStatus:
		return m.runJobStatus(ctx)
	case types.MonitorConsoleOutput:
		return m.runConsoleOutput(ctx)
	case types.MonitorResourceUtilization:
		return m.runResourceUtilization(ctx)
	}
	return fmt.Errorf("unexpected monitor type: %s", m.kind)
}

func (m *Monitor) parentGone() bool {
	if m.parentAlive(m.parentPID) {
		return false
	}
	m.logger.Info(fmt.Sprintf("Parent process %d is no longer alive. Exiting.", m.parentPID), "monitor")
	return true
}

// JobStatusCheckInterval backs the status checks off as the job ages
func JobStatusCheckInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < time.Minute:
		return 10 * time.Second
	case elapsed < 5*time.Minute:
		return 30 * time.Second
	case elapsed < 20*time.Minute:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

// runJobStatus writes the job's status into the cancel file as soon as the job-queue service no
// longer reports it as running. Lookup errors are ignored.
func (m *Monitor) runJobStatus(ctx context.Context) error {
	started := m.clock.Now()
	var lastCheck time.Time

	for {
		if m.parentGone() {
			return nil
		}

		now := m.clock.Now()
		if lastCheck.IsZero() || now.Sub(lastCheck) >= JobStatusCheckInterval(now.Sub(started)) {
			lastCheck = now
			job, err := m.api.GetJob(ctx, m.env.JobID)
			switch {
			case err != nil:
				m.logger.Warn(fmt.Sprintf("Error getting job status: %v", err), "monitor")
			case job == nil:
				m.logger.Info("Job not found. Canceling.", "monitor")
				return m.writeCancel("job not found")
			case job.Status != types.JobStatusRunning:
				m.logger.Info(fmt.Sprintf("Job status is %s. Canceling.", job.Status), "monitor")
				return m.writeCancel(string(job.Status))
			default:
				m.logger.Debug("Job status is running", "monitor")
			}
		}

		if err := m.clock.Sleep(ctx, m.checkEvery); err != nil {
			return nil
		}
	}
}

func (m *Monitor) writeCancel(content string) error {
	if content == "" {
		content = "0"
	}
	return os.WriteFile(m.env.CancelOutFile, []byte(content), 0644)
}

// runConsoleOutput uploads the console file whenever its content changed since the last upload
func (m *Monitor) runConsoleOutput(ctx context.Context) error {
	tracker := utils.NewFileChangeTracker(m.env.ConsoleOutFile)
	var lastUpload time.Time

	for {
		if m.parentGone() {
			return nil
		}

		now := m.clock.Now()
		if lastUpload.IsZero() || now.Sub(lastUpload) >= m.consoleEvery {
			lastUpload = now
			m.uploadIfChanged(ctx, tracker, types.UploadTypeConsoleOutput)
		}

		if err := m.clock.Sleep(ctx, m.checkEvery); err != nil {
			return nil
		}
	}
}

// runResourceUtilization appends a sample to the utilization log on every sample tick and uploads
// the log on the slower upload tick
func (m *Monitor) runResourceUtilization(ctx context.Context) error {
	tracker := utils.NewFileChangeTracker(m.env.ResourceLogFile)
	var lastSample, lastUpload time.Time

	for {
		if m.parentGone() {
			return nil
		}

		now := m.clock.Now()
		if lastSample.IsZero() || now.Sub(lastSample) >= m.sampleEvery {
			lastSample = now
			if err := m.appendSample(now); err != nil {
				m.logger.Warn(fmt.Sprintf("Problem writing resource utilization: %v", err), "monitor")
			}
		}
		if lastUpload.IsZero() || now.Sub(lastUpload) >= m.resourceUpEvery {
			lastUpload = now
			m.uploadIfChanged(ctx, tracker, types.UploadTypeResourceUtilizationLog)
		}

		if err := m.clock.Sleep(ctx, m.checkEvery); err != nil {
			return nil
		}
	}
}

func (m *Monitor) appendSample(now time.Time) error {
	line, err := json.Marshal(m.sample(now))
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.env.ResourceLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (m *Monitor) uploadIfChanged(ctx context.Context, tracker *utils.FileChangeTracker, uploadType string) {
	changed, err := tracker.Changed()
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Problem hashing %s: %v", uploadType, err), "monitor")
		return
	}
	if !changed {
		return
	}
	path := m.env.ConsoleOutFile
	if uploadType == types.UploadTypeResourceUtilizationLog {
		path = m.env.ResourceLogFile
	}
	if _, err := m.uploader.UploadFile(ctx, services.UploadRequest{UploadType: uploadType}, path); err != nil {
		m.logger.Warn(fmt.Sprintf("Problem uploading %s: %v", uploadType, err), "monitor")
		tracker.Forget()
		return
	}
	m.logger.Debug(fmt.Sprintf("Uploaded %s", uploadType), "monitor")
}
