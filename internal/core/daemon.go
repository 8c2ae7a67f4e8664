package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// MessageSource delivers pubsub hints that jobs may have changed
type MessageSource interface {
	Start(ctx context.Context) error
	TakeMessages() []types.PubsubMessage
	Err() error
	Close()
}

// Maintainer prunes local records older than maxAge
type Maintainer interface {
	PerformMaintenance(maxAge time.Duration) error
}

// DaemonOptions are the per-run switches of the start command
type DaemonOptions struct {
	ExitWhenIdle bool
	// Timeout stops the loop after this long; zero runs forever
	Timeout time.Duration
	// JobsDir is swept for job folders older than the retention period; empty disables the sweep
	JobsDir string
}

// Daemon is the main loop of a compute client
type Daemon struct {
	jm          *JobManager
	listener    MessageSource
	maintainer  Maintainer
	logger      *utils.LogsManager
	clock       utils.Clock
	identity    ClientIdentity
	opts        DaemonOptions
	configURL   string
	pollEvery   time.Duration
	reportEvery time.Duration
	fastPhase   time.Duration
	fastSleep   time.Duration
	slowSleep   time.Duration
	retention   time.Duration
	sweepEvery  time.Duration
	wg          sync.WaitGroup
}

// NewDaemon wires the loop. listener and maintainer may be nil.
func NewDaemon(jm *JobManager, listener MessageSource, maintainer Maintainer, identity ClientIdentity, opts DaemonOptions, cm *utils.ConfigManager, logger *utils.LogsManager) *Daemon {
	pollEvery := cm.GetConfigDuration("poll_interval", 10*time.Minute)
	if opts.ExitWhenIdle {
		pollEvery = cm.GetConfigDuration("poll_interval_exit_when_idle", 2*time.Minute)
	}

	return &Daemon{
		jm:          jm,
		listener:    listener,
		maintainer:  maintainer,
		logger:      logger,
		clock:       utils.NewRealClock(),
		identity:    identity,
		opts:        opts,
		configURL:   ConfigureURL(cm.GetConfigWithDefault("web_app_url", "https://dendro.vercel.app"), identity.ID),
		pollEvery:   pollEvery,
		reportEvery: cm.GetConfigDuration("running_report_interval", 5*time.Minute),
		fastPhase:   cm.GetConfigDuration("loop_fast_phase", 5*time.Second),
		fastSleep:   cm.GetConfigDuration("loop_fast_sleep", 200*time.Millisecond),
		slowSleep:   cm.GetConfigDuration("loop_slow_sleep", 2*time.Second),
		retention:   cm.GetConfigDuration("job_dir_retention", 24*time.Hour),
		sweepEvery:  cm.GetConfigDuration("job_dir_cleanup_interval", 60*time.Second),
	}
}

// Run loops until ctx is canceled, the timeout elapses, or the client goes idle with
// ExitWhenIdle set
func (d *Daemon) Run(ctx context.Context) error {
	if d.listener != nil {
		if err := d.listener.Start(ctx); err != nil {
			return fmt.Errorf("starting pubsub listener: %w", err)
		}
		defer d.listener.Close()
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer func() {
		stopSweep()
		d.wg.Wait()
	}()
	if d.opts.JobsDir != "" {
		d.wg.Add(1)
		go d.cleanupOldJobs(sweepCtx)
	}

	d.logger.Info(fmt.Sprintf("Starting compute client %s (%s)", d.identity.Name, d.identity.ID), "daemon")

	started := d.clock.Now()
	var lastPoll, lastReport time.Time
	firstIteration := true
	listenerFailed := false

	for {
		changed := false
		if d.listener != nil {
			for _, msg := range d.listener.TakeMessages() {
				switch msg.Type {
				case types.PubsubMessageNewPendingJob, types.PubsubMessageJobStatusChanged, types.PubsubMessagePingComputeClients:
					changed = true
				}
			}
			if err := d.listener.Err(); err != nil && !listenerFailed {
				listenerFailed = true
				d.logger.Error(fmt.Sprintf("Pubsub listener stopped, relying on polling: %v", err), "daemon")
			}
		}

		now := d.clock.Now()
		if firstIteration || changed || now.Sub(lastPoll) > d.pollEvery {
			lastPoll = now
			if err := d.jm.DoWork(ctx); err != nil {
				d.logger.Error(fmt.Sprintf("Unexpected error handling jobs: %v", err), "daemon")
			}
		}
		firstIteration = false

		if d.opts.ExitWhenIdle && d.jm.IsIdle() {
			d.logger.Info("No more jobs to run. Exiting because --exit-when-idle is set.", "daemon")
			return nil
		}

		now = d.clock.Now()
		if lastReport.IsZero() || now.Sub(lastReport) > d.reportEvery {
			d.logger.Info(fmt.Sprintf("Compute client is running: %s", d.identity.Name), "daemon")
			d.logger.Info(fmt.Sprintf("Compute client ID: %s", d.identity.ID), "daemon")
			d.logger.Info(fmt.Sprintf("Configure it here: %s", d.configURL), "daemon")
			lastReport = now
		}

		elapsed := now.Sub(started)
		if d.opts.Timeout > 0 && elapsed > d.opts.Timeout {
			d.logger.Info(fmt.Sprintf("Compute client timed out after %v", d.opts.Timeout), "daemon")
			return nil
		}

		sleep := d.slowSleep
		if elapsed < d.fastPhase {
			sleep = d.fastSleep
		}
		if err := d.clock.Sleep(ctx, sleep); err != nil {
			return nil
		}
	}
}

// cleanupOldJobs periodically removes job folders past the retention period
func (d *Daemon) cleanupOldJobs(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(fmt.Sprintf("Job directory cleanup panicked: %v", r), "daemon")
		}
	}()

	for {
		removed, err := CleanupOldJobDirs(d.opts.JobsDir, d.retention, d.clock.Now(), d.logger)
		if err != nil {
			d.logger.Warn(fmt.Sprintf("Failed to clean up old job directories: %v", err), "daemon")
		} else if removed > 0 {
			d.logger.Info(fmt.Sprintf("Removed %d old job directories", removed), "daemon")
		}
		if d.maintainer != nil {
			if err := d.maintainer.PerformMaintenance(d.retention); err != nil {
				d.logger.Warn(fmt.Sprintf("Database maintenance failed: %v", err), "daemon")
			}
		}

		if err := d.clock.Sleep(ctx, d.sweepEvery); err != nil {
			return
		}
	}
}

// CleanupOldJobDirs deletes the directories in jobsDir last modified more than maxAge before now.
// A missing jobsDir is not an error.
func CleanupOldJobDirs(jobsDir string, maxAge time.Duration, now time.Time, logger *utils.LogsManager) (int, error) {
	entries, err := os.ReadDir(jobsDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		dir := filepath.Join(jobsDir, entry.Name())
		logger.Info(fmt.Sprintf("Removing old working dir %s", dir), "daemon")
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn(fmt.Sprintf("Failed to remove %s: %v", dir, err), "daemon")
			continue
		}
		removed++
	}
	return removed, nil
}
