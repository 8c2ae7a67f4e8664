package utils

import (
	"path/filepath"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
)

// JobPaths holds the host-side layout of a launched job.
// Pattern: <jobs_dir>/<job_id>/tmp/working
type JobPaths struct {
	JobDir     string // <jobs_dir>/<job_id>
	TmpDir     string // mounted at /tmp inside the container
	WorkingDir string // /tmp/working inside the container
}

// BuildJobPaths constructs the host paths for a job under jobsDir
func BuildJobPaths(jobsDir string, jobID string) JobPaths {
	jobDir := filepath.Join(jobsDir, jobID)
	tmpDir := filepath.Join(jobDir, "tmp")
	return JobPaths{
		JobDir:     jobDir,
		TmpDir:     tmpDir,
		WorkingDir: filepath.Join(tmpDir, "working"),
	}
}

// RunScriptPath is the wrapper script the container executes
func (p JobPaths) RunScriptPath() string {
	return filepath.Join(p.TmpDir, types.RunScriptFile)
}

// OutputPath is the combined stdout/stderr capture written by the wrapper script
func (p JobPaths) OutputPath() string {
	return filepath.Join(p.TmpDir, types.ParentProcessOutputFile)
}

// SucceededPath is the sentinel written by the wrapper script on a zero exit
func (p JobPaths) SucceededPath() string {
	return filepath.Join(p.TmpDir, types.ParentProcessSucceededFile)
}

// SupervisorBinaryPath is where the launcher stages its own executable for the container
func (p JobPaths) SupervisorBinaryPath() string {
	return filepath.Join(p.TmpDir, types.SupervisorBinaryFile)
}

// FailedPath is the sentinel written by the wrapper script on a non-zero exit
func (p JobPaths) FailedPath() string {
	return filepath.Join(p.TmpDir, types.ParentProcessFailedFile)
}

// InternalPaths is the supervisor's own folder inside the job working directory
type InternalPaths struct {
	Dir                 string
	ConsoleOutput       string
	Cancel              string
	JobLog              string
	ConsoleMonitorLog   string
	ResourceMonitorLog  string
	JobStatusMonitorLog string
	ResourceUtilization string
	Outputs             string
}

// BuildInternalPaths constructs the supervisor's internal file layout under workingDir
func BuildInternalPaths(workingDir string) InternalPaths {
	dir := filepath.Join(workingDir, types.InternalDirName)
	return InternalPaths{
		Dir:                 dir,
		ConsoleOutput:       filepath.Join(dir, types.ConsoleOutputFile),
		Cancel:              filepath.Join(dir, types.CancelFile),
		JobLog:              filepath.Join(dir, types.JobLogFile),
		ConsoleMonitorLog:   filepath.Join(dir, types.ConsoleMonitorOutputFile),
		ResourceMonitorLog:  filepath.Join(dir, types.ResourceMonitorOutputFile),
		JobStatusMonitorLog: filepath.Join(dir, types.JobStatusMonitorOutputFile),
		ResourceUtilization: filepath.Join(dir, types.ResourceUtilizationLogFile),
		Outputs:             filepath.Join(dir, types.OutputRecordsDirName),
	}
}
