package types

// Files exchanged between the launcher, the run.sh wrapper and the in-container supervisor.
// They live in the job scratch directory mounted at ContainerTmpDir.
const (
	ContainerTmpDir     = "/tmp"
	ContainerWorkingDir = "/tmp/working"

	RunScriptFile              = "run.sh"
	SupervisorBinaryFile       = "_internal_compute-client"
	ParentProcessOutputFile    = "_parent_process_output.txt"
	ParentProcessSucceededFile = "_parent_process_succeeded.txt"
	ParentProcessFailedFile    = "_parent_process_failed.txt"
)

// Supervisor internal folder, created under the job working directory
const (
	InternalDirName            = "_internal"
	InternalFilePrefix         = "_internal"
	ConsoleOutputFile          = "console_output.txt"
	CancelFile                 = "cancel.txt"
	JobLogFile                 = "job.log"
	ConsoleMonitorOutputFile   = "console_output_monitor_output.txt"
	ResourceMonitorOutputFile  = "resource_utilization_monitor_output.txt"
	JobStatusMonitorOutputFile = "job_status_monitor_output.txt"
	ResourceUtilizationLogFile = "resource_utilization_log.jsonl"
	OutputRecordsDirName       = "outputs"
)

// Environment variables passed into the container and on to the supervisor, monitors and processor
const (
	EnvJobID               = "JOB_ID"
	EnvJobPrivateKey       = "JOB_PRIVATE_KEY"
	EnvComputeClientID     = "COMPUTE_CLIENT_ID"
	EnvProcessorExecutable = "PROCESSOR_EXECUTABLE"
	EnvJobTimeoutSec       = "JOB_TIMEOUT_SEC"
	EnvAPIURL              = "COMPUTE_CLIENT_API_URL"
	EnvJobCleanupDir       = "JOB_CLEANUP_DIR"
	EnvJobWorkingDir       = "JOB_WORKING_DIR"
	EnvJobInternal         = "JOB_INTERNAL"
	EnvConsoleOutFile      = "CONSOLE_OUT_FILE"
	EnvCancelOutFile       = "CANCEL_OUT_FILE"
	EnvResourceLogFile     = "RESOURCE_UTILIZATION_LOG_FILE"
	EnvComputeClientBin    = "COMPUTE_CLIENT_BIN"
)

// Environment variables read by the daemon and the submission commands on the host
const (
	EnvComputeClientPrivateKey = "COMPUTE_CLIENT_PRIVATE_KEY"
	EnvComputeClientName       = "COMPUTE_CLIENT_NAME"
	EnvContainerMethod         = "CONTAINER_METHOD"
	EnvUserAPIKey              = "COMPUTE_CLIENT_USER_API_KEY"
)

// Monitor kinds accepted by the internal-job-monitor command
const (
	MonitorConsoleOutput       = "console_output"
	MonitorResourceUtilization = "resource_utilization"
	MonitorJobStatus           = "job_status"
)
