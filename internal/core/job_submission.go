package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// SubmitAPI is the part of the job-queue API used when submitting jobs
type SubmitAPI interface {
	CreateJob(ctx context.Context, userAPIKey string, req types.CreateJobRequest) (*types.DendroJob, error)
	GetJob(ctx context.Context, jobID string) (*types.DendroJob, error)
}

// SubmitParams is one job submission
type SubmitParams struct {
	ServiceName            string
	JobDefinition          types.JobDefinition
	RequiredResources      types.RequiredResources
	TargetComputeClientIDs []string
	Tags                   []string
	SkipCache              bool
	RerunFailing           bool
	DeleteFailing          bool
}

// ResolveInputs replaces every input that references another job's output with that output's
// URL and returns deps extended with the referenced job ids, deduplicated in first-seen order
func ResolveInputs(def *types.JobDefinition, deps []string) ([]string, error) {
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		seen[d] = true
	}

	for i := range def.InputFiles {
		in := &def.InputFiles[i]
		ref := in.SpecialJobOutput
		if ref == nil {
			continue
		}
		if ref.URL == "" {
			return nil, fmt.Errorf("URL not set for input file %s. If this is a job output file, you must submit the associated job first.", in.Name)
		}
		in.URL = ref.URL
		in.SpecialJobOutput = nil
		if !seen[ref.JobID] {
			seen[ref.JobID] = true
			deps = append(deps, ref.JobID)
		}
	}
	return deps, nil
}

// SubmitJob resolves job-output inputs and creates the job. Without explicit targets any
// compute client may run it.
func SubmitJob(ctx context.Context, api SubmitAPI, userAPIKey string, params SubmitParams) (*types.DendroJob, error) {
	if userAPIKey == "" {
		return nil, fmt.Errorf("%s environment variable must be set", types.EnvUserAPIKey)
	}

	def := params.JobDefinition
	def.InputFiles = append([]types.InputFile(nil), params.JobDefinition.InputFiles...)
	deps, err := ResolveInputs(&def, nil)
	if err != nil {
		return nil, err
	}

	targets := params.TargetComputeClientIDs
	if len(targets) == 0 {
		targets = []string{"*"}
	}

	req := types.CreateJobRequest{
		ServiceName:            params.ServiceName,
		Tags:                   params.Tags,
		JobDefinition:          def,
		RequiredResources:      params.RequiredResources,
		TargetComputeClientIDs: targets,
		Secrets:                []types.JobSecret{},
		JobDependencies:        deps,
		SkipCache:              params.SkipCache,
		RerunFailing:           params.RerunFailing,
		DeleteFailing:          params.DeleteFailing,
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}
	if req.JobDependencies == nil {
		req.JobDependencies = []string{}
	}

	return api.CreateJob(ctx, userAPIKey, req)
}

// WaitPollInterval is how long to sleep between status checks after waiting for elapsed
func WaitPollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 10*time.Second:
		return 2 * time.Second
	case elapsed < 30*time.Second:
		return 4 * time.Second
	case elapsed < time.Minute:
		return 5 * time.Second
	case elapsed < 5*time.Minute:
		return 20 * time.Second
	case elapsed < 30*time.Minute:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// JobWaiter follows a submitted job until it finishes
type JobWaiter struct {
	api    SubmitAPI
	clock  utils.Clock
	logger *utils.LogsManager
}

func NewJobWaiter(api SubmitAPI, logger *utils.LogsManager) *JobWaiter {
	return &JobWaiter{api: api, clock: utils.NewRealClock(), logger: logger}
}

// WaitUntilDone polls job until it is completed or failed. onChange sees every status change.
// A positive maxWait returns the latest state once exceeded.
func (w *JobWaiter) WaitUntilDone(ctx context.Context, job *types.DendroJob, maxWait time.Duration, onChange func(*types.DendroJob)) (*types.DendroJob, error) {
	if job.Status.IsTerminal() {
		if onChange != nil {
			onChange(job)
		}
		return job, nil
	}

	started := w.clock.Now()
	var lastStatus types.JobStatus
	current := job
	for {
		latest, err := w.api.GetJob(ctx, job.JobID)
		if err != nil {
			return current, fmt.Errorf("getting job %s: %w", job.JobID, err)
		}
		if latest == nil {
			return current, fmt.Errorf("Job not found: %s", job.JobID)
		}
		current = latest

		if current.Status != lastStatus {
			if lastStatus != "" && !lastStatus.CanTransitionTo(current.Status) {
				w.logger.Warn(fmt.Sprintf("Job %s moved backwards from %s to %s", current.JobID, lastStatus, current.Status), "submit")
			}
			w.logger.Debug(fmt.Sprintf("Job %s is %s", current.JobID, current.Status), "submit")
			if onChange != nil {
				onChange(current)
			}
			lastStatus = current.Status
		}
		if current.Status.IsTerminal() {
			return current, nil
		}

		elapsed := w.clock.Now().Sub(started)
		if maxWait > 0 && elapsed > maxWait {
			return current, nil
		}
		if err := w.clock.Sleep(ctx, WaitPollInterval(elapsed)); err != nil {
			return current, err
		}
	}
}

// SubmissionFile lists jobs to submit in order. Inputs may reference the outputs of jobs
// submitted earlier in the same file or of existing jobs.
type SubmissionFile struct {
	Jobs []SubmissionJob `json:"jobs" yaml:"jobs"`
}

type SubmissionJob struct {
	ServiceName            string                  `json:"serviceName" yaml:"serviceName"`
	AppName                string                  `json:"appName" yaml:"appName"`
	ProcessorName          string                  `json:"processorName" yaml:"processorName"`
	Inputs                 []SubmissionInput       `json:"inputFiles" yaml:"inputFiles"`
	Outputs                []types.OutputFile      `json:"outputFiles" yaml:"outputFiles"`
	Parameters             []types.JobParameter    `json:"parameters" yaml:"parameters"`
	CacheBust              string                  `json:"cacheBust,omitempty" yaml:"cacheBust,omitempty"`
	RequiredResources      types.RequiredResources `json:"requiredResources" yaml:"requiredResources"`
	TargetComputeClientIDs []string                `json:"targetComputeClientIds,omitempty" yaml:"targetComputeClientIds,omitempty"`
	Tags                   []string                `json:"tags,omitempty" yaml:"tags,omitempty"`
	SkipCache              bool                    `json:"skipCache,omitempty" yaml:"skipCache,omitempty"`
	RerunFailing           bool                    `json:"rerunFailing,omitempty" yaml:"rerunFailing,omitempty"`
	DeleteFailing          bool                    `json:"deleteFailing,omitempty" yaml:"deleteFailing,omitempty"`
}

// SubmissionInput is either a plain URL or a reference to a job output
type SubmissionInput struct {
	Name         string        `json:"name" yaml:"name"`
	FileBaseName string        `json:"fileBaseName" yaml:"fileBaseName"`
	URL          string        `json:"url,omitempty" yaml:"url,omitempty"`
	JobOutput    *JobOutputRef `json:"jobOutput,omitempty" yaml:"jobOutput,omitempty"`
}

// JobOutputRef names an output of an existing job (JobID) or of an earlier job in the file (Job)
type JobOutputRef struct {
	JobID string `json:"jobId,omitempty" yaml:"jobId,omitempty"`
	Job   *int   `json:"job,omitempty" yaml:"job,omitempty"`
	Name  string `json:"name" yaml:"name"`
}

// LoadSubmissionFile reads a JSON or YAML submission file, chosen by extension. A file holding
// a single job object is accepted too.
func LoadSubmissionFile(path string) (*SubmissionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file SubmissionFile
	var single SubmissionJob
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(file.Jobs) == 0 {
			if err := yaml.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(file.Jobs) == 0 {
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if len(file.Jobs) == 0 {
		if single.AppName == "" {
			return nil, errors.New("submission file contains no jobs")
		}
		file.Jobs = []SubmissionJob{single}
	}
	return &file, nil
}

// SubmitAll submits the jobs of file in order, resolving output references against the jobs
// already submitted or fetched from the API
func SubmitAll(ctx context.Context, api SubmitAPI, userAPIKey string, file *SubmissionFile, defaultTargets []string) ([]*types.DendroJob, error) {
	submitted := make([]*types.DendroJob, 0, len(file.Jobs))
	for i, sj := range file.Jobs {
		def := types.JobDefinition{
			AppName:       sj.AppName,
			ProcessorName: sj.ProcessorName,
			InputFiles:    []types.InputFile{},
			OutputFiles:   sj.Outputs,
			Parameters:    sj.Parameters,
			CacheBust:     sj.CacheBust,
		}
		if def.OutputFiles == nil {
			def.OutputFiles = []types.OutputFile{}
		}
		if def.Parameters == nil {
			def.Parameters = []types.JobParameter{}
		}

		for _, in := range sj.Inputs {
			input := types.InputFile{Name: in.Name, FileBaseName: in.FileBaseName, URL: in.URL}
			if in.JobOutput != nil {
				ref, err := resolveOutputRef(ctx, api, *in.JobOutput, submitted)
				if err != nil {
					return submitted, fmt.Errorf("job %d input %s: %w", i, in.Name, err)
				}
				input.SpecialJobOutput = ref
			}
			def.InputFiles = append(def.InputFiles, input)
		}

		targets := sj.TargetComputeClientIDs
		if len(targets) == 0 {
			targets = defaultTargets
		}

		job, err := SubmitJob(ctx, api, userAPIKey, SubmitParams{
			ServiceName:            sj.ServiceName,
			JobDefinition:          def,
			RequiredResources:      sj.RequiredResources,
			TargetComputeClientIDs: targets,
			Tags:                   sj.Tags,
			SkipCache:              sj.SkipCache,
			RerunFailing:           sj.RerunFailing,
			DeleteFailing:          sj.DeleteFailing,
		})
		if err != nil {
			return submitted, fmt.Errorf("submitting job %d: %w", i, err)
		}
		submitted = append(submitted, job)
	}
	return submitted, nil
}

func resolveOutputRef(ctx context.Context, api SubmitAPI, ref JobOutputRef, submitted []*types.DendroJob) (*types.SpecialJobOutput, error) {
	var producer *types.DendroJob
	switch {
	case ref.Job != nil:
		if *ref.Job < 0 || *ref.Job >= len(submitted) {
			return nil, fmt.Errorf("job output reference %d does not point at an earlier job", *ref.Job)
		}
		producer = submitted[*ref.Job]
	case ref.JobID != "":
		job, err := api.GetJob(ctx, ref.JobID)
		if err != nil {
			return nil, fmt.Errorf("getting job %s: %w", ref.JobID, err)
		}
		if job == nil {
			return nil, fmt.Errorf("Job not found: %s", ref.JobID)
		}
		producer = job
	default:
		return nil, errors.New("job output reference needs job or jobId")
	}
	return producer.GetOutput(ref.Name)
}
