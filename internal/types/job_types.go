package types

import "fmt"

// JobStatus is the lifecycle state of a job as recorded by the job-queue service
type JobStatus string

// Job status constants
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusStarting  JobStatus = "starting"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusStarting:
		return 1
	case JobStatusRunning:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle strictly forward.
// Terminal states are immutable.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s.Rank() < 0 || next.Rank() < 0 {
		return false
	}
	return next.Rank() > s.Rank()
}

// Container method constants
const (
	ContainerMethodDocker      = "docker"
	ContainerMethodApptainer   = "apptainer"
	ContainerMethodSingularity = "singularity"
)

// Upload type constants used when requesting signed upload URLs
const (
	UploadTypeOutput                 = "output"
	UploadTypeConsoleOutput          = "consoleOutput"
	UploadTypeResourceUtilizationLog = "resourceUtilizationLog"
	UploadTypeOther                  = "other"
)

type ComputeClientComputeSlot struct {
	NumCpus      int     `json:"numCpus"`
	NumGpus      int     `json:"numGpus"`
	MemoryGb     float64 `json:"memoryGb"`
	TimeSec      float64 `json:"timeSec"`
	MinNumCpus   int     `json:"minNumCpus"`
	MinNumGpus   int     `json:"minNumGpus"`
	MinMemoryGb  float64 `json:"minMemoryGb"`
	MinTimeSec   float64 `json:"minTimeSec"`
	Multiplicity int     `json:"multiplicity"`
}

// InputFile is a named input of a job definition. SpecialJobOutput is never serialized; it holds a
// forward reference to another job's output until the definition is resolved for submission.
type InputFile struct {
	Name             string            `json:"name"`
	FileBaseName     string            `json:"fileBaseName"`
	URL              string            `json:"url"`
	SpecialJobOutput *SpecialJobOutput `json:"-"`
}

type OutputFile struct {
	Name         string `json:"name" yaml:"name"`
	FileBaseName string `json:"fileBaseName" yaml:"fileBaseName"`
}

type JobParameter struct {
	Name  string      `json:"name" yaml:"name"`
	Value interface{} `json:"value" yaml:"value"`
}

type RequiredResources struct {
	NumCpus  int      `json:"numCpus" yaml:"numCpus"`
	NumGpus  int      `json:"numGpus" yaml:"numGpus"`
	MemoryGb float64  `json:"memoryGb" yaml:"memoryGb"`
	TimeSec  *float64 `json:"timeSec" yaml:"timeSec"`
}

type JobSecret struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// JobDefinition describes what a job runs. CacheBust must be omitted, not null, when unset.
type JobDefinition struct {
	AppName       string         `json:"appName"`
	ProcessorName string         `json:"processorName"`
	InputFiles    []InputFile    `json:"inputFiles"`
	OutputFiles   []OutputFile   `json:"outputFiles"`
	Parameters    []JobParameter `json:"parameters"`
	CacheBust     string         `json:"cacheBust,omitempty"`
}

type OutputFileResult struct {
	Name         string `json:"name"`
	FileBaseName string `json:"fileBaseName"`
	URL          string `json:"url"`
	Size         *int64 `json:"size"`
}

// SpecialJobOutput points one job's input at another job's declared output
type SpecialJobOutput struct {
	JobID        string `json:"jobId"`
	Name         string `json:"name"`
	FileBaseName string `json:"fileBaseName"`
	URL          string `json:"url"`
	Size         *int64 `json:"size"`
}

// DendroJob is a job record as returned by the job-queue service
type DendroJob struct {
	JobID                     string             `json:"jobId"`
	JobPrivateKey             string             `json:"jobPrivateKey,omitempty"`
	ServiceName               string             `json:"serviceName"`
	UserID                    string             `json:"userId"`
	BatchID                   string             `json:"batchId"`
	Tags                      []string           `json:"tags"`
	JobDefinition             JobDefinition      `json:"jobDefinition"`
	JobDefinitionHash         string             `json:"jobDefinitionHash"`
	JobDependencies           []string           `json:"jobDependencies"`
	RequiredResources         RequiredResources  `json:"requiredResources"`
	TargetComputeClientIDs    []string           `json:"targetComputeClientIds,omitempty"`
	Secrets                   []JobSecret        `json:"secrets,omitempty"`
	InputFileURLList          []string           `json:"inputFileUrlList"`
	OutputFileURLList         []string           `json:"outputFileUrlList"`
	OutputFileResults         []OutputFileResult `json:"outputFileResults"`
	ConsoleOutputURL          string             `json:"consoleOutputUrl"`
	ResourceUtilizationLogURL string             `json:"resourceUtilizationLogUrl"`
	TimestampCreatedSec       float64            `json:"timestampCreatedSec"`
	TimestampStartingSec      *float64           `json:"timestampStartingSec,omitempty"`
	TimestampStartedSec       *float64           `json:"timestampStartedSec,omitempty"`
	TimestampFinishedSec      *float64           `json:"timestampFinishedSec,omitempty"`
	Canceled                  bool               `json:"canceled"`
	Status                    JobStatus          `json:"status"`
	IsRunnable                bool               `json:"isRunnable"`
	Error                     string             `json:"error,omitempty"`
	ComputeClientID           string             `json:"computeClientId,omitempty"`
	ComputeClientName         string             `json:"computeClientName,omitempty"`
	ComputeClientUserID       string             `json:"computeClientUserId,omitempty"`
	ImageURI                  string             `json:"imageUri,omitempty"`
}

// GetOutput returns a reference to the named output of this job, suitable as another job's input
func (j *DendroJob) GetOutput(name string) (*SpecialJobOutput, error) {
	for _, o := range j.OutputFileResults {
		if o.Name == name {
			return &SpecialJobOutput{
				JobID:        j.JobID,
				Name:         o.Name,
				FileBaseName: o.FileBaseName,
				URL:          o.URL,
				Size:         o.Size,
			}, nil
		}
	}
	return nil, fmt.Errorf("output not found: %s", name)
}

// TimeoutSec returns the job time limit in whole seconds, or 0 when none is set
func (j *DendroJob) TimeoutSec() int {
	if j.RequiredResources.TimeSec == nil {
		return 0
	}
	return int(*j.RequiredResources.TimeSec)
}

type AppProcessorInputFile struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	List        bool   `json:"list,omitempty"`
}

type AppProcessorOutputFile struct {
	Name                   string `json:"name"`
	Description            string `json:"description"`
	URLDeterminedAtRuntime bool   `json:"urlDeterminedAtRuntime,omitempty"`
}

type AppProcessorParameter struct {
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Description  string        `json:"description"`
	DefaultValue interface{}   `json:"defaultValue,omitempty"`
	Options      []interface{} `json:"options,omitempty"`
}

type AppProcessorAttribute struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

type AppProcessor struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Label       string                   `json:"label"`
	Image       string                   `json:"image"`
	Executable  string                   `json:"executable"`
	Inputs      []AppProcessorInputFile  `json:"inputs"`
	Outputs     []AppProcessorOutputFile `json:"outputs"`
	Parameters  []AppProcessorParameter  `json:"parameters"`
	Attributes  []AppProcessorAttribute  `json:"attributes"`
}

type AppSpecification struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Processors  []AppProcessor `json:"processors"`
}

// ServiceApp is an app registered under a service, carrying the processor metadata used to launch jobs
type ServiceApp struct {
	ServiceName            string           `json:"serviceName"`
	AppName                string           `json:"appName"`
	AppSpecificationURI    string           `json:"appSpecificationUri"`
	AppSpecificationCommit string           `json:"appSpecificationCommit"`
	AppSpecification       AppSpecification `json:"appSpecification"`
}

// FindProcessor looks up a processor of the app by name
func (a *ServiceApp) FindProcessor(name string) (*AppProcessor, error) {
	for i := range a.AppSpecification.Processors {
		if a.AppSpecification.Processors[i].Name == name {
			return &a.AppSpecification.Processors[i], nil
		}
	}
	return nil, fmt.Errorf("processor not found: %s", name)
}
