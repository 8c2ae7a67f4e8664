package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/Trustflow-Network-Labs/compute-client/internal/database"
	"github.com/Trustflow-Network-Labs/compute-client/internal/system"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// DispatcherAPI is the part of the job-queue API the dispatcher calls
type DispatcherAPI interface {
	GetRunnableJobsForComputeClient(ctx context.Context, computeClientID, computeClientPrivateKey, jobID string, singleJob bool) ([]types.DendroJob, []types.DendroJob, error)
	SetJobStatus(ctx context.Context, jobID, jobPrivateKey, computeClientID string, status types.JobStatus, errMsg string) error
}

// ContainerLauncher starts a job as an independent process tree
type ContainerLauncher interface {
	StartJob(ctx context.Context, job *types.DendroJob) error
}

// LaunchLedger records launch attempts locally
type LaunchLedger interface {
	RecordJobLaunch(launch *database.JobLaunch) error
}

// JobManager decides which runnable jobs to launch. The attempt sets live only as long as the
// process; the job-queue service holds the state of record.
type JobManager struct {
	api      DispatcherAPI
	launcher ContainerLauncher
	ledger   LaunchLedger
	logger   *utils.LogsManager
	identity ClientIdentity
	caps     *system.SystemCapabilities

	mu               sync.Mutex
	attemptedToStart map[string]bool
	attemptedToFail  map[string]bool
	polled           bool
	lastRunnable     int
	lastRunning      int
}

// NewJobManager creates a dispatcher. ledger may be nil.
func NewJobManager(api DispatcherAPI, launcher ContainerLauncher, ledger LaunchLedger, identity ClientIdentity, logger *utils.LogsManager) *JobManager {
	return &JobManager{
		api:              api,
		launcher:         launcher,
		ledger:           ledger,
		logger:           logger,
		identity:         identity,
		attemptedToStart: make(map[string]bool),
		attemptedToFail:  make(map[string]bool),
	}
}

// SetCapabilities lets the dispatcher warn about jobs that ask for more than this host has
func (jm *JobManager) SetCapabilities(caps *system.SystemCapabilities) {
	jm.caps = caps
}

// DoWork polls the API for runnable jobs and starts the ones not yet attempted
func (jm *JobManager) DoWork(ctx context.Context) error {
	jm.logger.Debug("Checking for new jobs", "dispatcher")
	runnable, running, err := jm.api.GetRunnableJobsForComputeClient(ctx, jm.identity.ID, jm.identity.PrivateKey, "", false)
	if err != nil {
		return fmt.Errorf("getting runnable jobs: %w", err)
	}

	jm.mu.Lock()
	jm.polled = true
	jm.lastRunnable = len(runnable)
	jm.lastRunning = len(running)
	jm.mu.Unlock()

	if len(runnable) > 0 {
		jm.HandleJobs(ctx, runnable)
	}
	return nil
}

// HandleJobs starts each job at most once per process lifetime
func (jm *JobManager) HandleJobs(ctx context.Context, jobs []types.DendroJob) {
	for i := range jobs {
		jm.StartJob(ctx, &jobs[i])
	}
}

// StartJob launches job unless a start or fail was already attempted for it. The job id is
// recorded before launching so a launch that crashes half way is not retried in a loop.
func (jm *JobManager) StartJob(ctx context.Context, job *types.DendroJob) {
	jm.mu.Lock()
	if jm.attemptedToStart[job.JobID] || jm.attemptedToFail[job.JobID] {
		jm.mu.Unlock()
		return
	}
	jm.attemptedToStart[job.JobID] = true
	jm.mu.Unlock()

	jm.logger.Info(fmt.Sprintf("Starting job %s %s:%s", job.JobID, job.JobDefinition.AppName, job.JobDefinition.ProcessorName), "dispatcher")
	jm.warnIfOversized(job)

	err := jm.launch(ctx, job)
	if err == nil {
		jm.record(job, database.LaunchActionStart, string(types.JobStatusStarting), "")
		return
	}

	msg := fmt.Sprintf("Failed to start job: %v", err)
	jm.logger.Error(msg, "dispatcher")
	jm.FailJob(ctx, job, msg)
}

// launch runs the launcher, converting a panic into an error
func (jm *JobManager) launch(ctx context.Context, job *types.DendroJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while launching: %v", r)
		}
	}()
	return jm.launcher.StartJob(ctx, job)
}

// FailJob reports job as failed, at most once per process lifetime
func (jm *JobManager) FailJob(ctx context.Context, job *types.DendroJob, msg string) {
	jm.mu.Lock()
	if jm.attemptedToFail[job.JobID] {
		jm.mu.Unlock()
		return
	}
	jm.attemptedToFail[job.JobID] = true
	jm.mu.Unlock()

	jm.logger.Warn(fmt.Sprintf("Failing job %s: %s", job.JobID, msg), "dispatcher")
	jm.record(job, database.LaunchActionFail, string(types.JobStatusFailed), msg)

	if err := jm.api.SetJobStatus(ctx, job.JobID, job.JobPrivateKey, jm.identity.ID, types.JobStatusFailed, msg); err != nil {
		jm.logger.Error(fmt.Sprintf("Failed to set status of job %s to failed: %v", job.JobID, err), "dispatcher")
	}
}

// IsIdle reports whether the last poll returned no runnable and no running jobs
func (jm *JobManager) IsIdle() bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.polled && jm.lastRunnable == 0 && jm.lastRunning == 0
}

// RunPendingJob launches a single job by id, bypassing the attempt sets. Launch errors are
// returned to the caller rather than reported to the server.
func (jm *JobManager) RunPendingJob(ctx context.Context, jobID string) error {
	runnable, _, err := jm.api.GetRunnableJobsForComputeClient(ctx, jm.identity.ID, jm.identity.PrivateKey, jobID, true)
	if err != nil {
		return fmt.Errorf("getting runnable job: %w", err)
	}
	if len(runnable) == 0 {
		return fmt.Errorf("No runnable job with ID %s that is assignable to this compute client", jobID)
	}
	if len(runnable) > 1 {
		return fmt.Errorf("More than one runnable job with ID %s found", jobID)
	}

	job := &runnable[0]
	jm.warnIfOversized(job)
	if err := jm.launch(ctx, job); err != nil {
		jm.record(job, database.LaunchActionFail, string(types.JobStatusFailed), err.Error())
		return err
	}
	jm.record(job, database.LaunchActionStart, string(types.JobStatusStarting), "")
	return nil
}

func (jm *JobManager) warnIfOversized(job *types.DendroJob) {
	if jm.caps == nil {
		return
	}
	if ok, reason := system.CanRunJob(jm.caps, job.RequiredResources); !ok {
		jm.logger.Warn(fmt.Sprintf("Job %s may not fit on this host: %s", job.JobID, reason), "dispatcher")
	}
}

func (jm *JobManager) record(job *types.DendroJob, action, status, errMsg string) {
	if jm.ledger == nil {
		return
	}
	err := jm.ledger.RecordJobLaunch(&database.JobLaunch{
		JobID:       job.JobID,
		ServiceName: job.ServiceName,
		Action:      action,
		Status:      status,
		Error:       errMsg,
	})
	if err != nil {
		jm.logger.Warn(fmt.Sprintf("Failed to record %s of job %s: %v", action, job.JobID, err), "dispatcher")
	}
}
