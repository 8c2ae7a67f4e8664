package services

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// ApptainerRuntime runs jobs with `apptainer exec` or `singularity exec`. Both convert the Docker
// image on first use, so there is nothing to pull ahead of time.
type ApptainerRuntime struct {
	logger *utils.LogsManager
	binary string
}

func NewApptainerRuntime(binary string, logger *utils.LogsManager) *ApptainerRuntime {
	return &ApptainerRuntime{
		logger: logger,
		binary: binary,
	}
}

func (ar *ApptainerRuntime) Name() string {
	return ar.binary
}

func (ar *ApptainerRuntime) Prepare(ctx context.Context, image string) error {
	ar.logger.Debug(fmt.Sprintf("%s converts docker://%s at exec time", ar.binary, image), "apptainer")
	return nil
}

// Args builds the exec invocation. --cpus is not passed: cgroup limits make the container fail
// to start on many hosts.
func (ar *ApptainerRuntime) Args(spec RunSpec) []string {
	args := []string{ar.binary, "exec"}
	args = append(args, "--bind", fmt.Sprintf("%s:%s", spec.HostTmpDir, types.ContainerTmpDir))
	args = append(args, "--pwd", types.ContainerWorkingDir)
	args = append(args, "--cleanenv", "--contain")
	if spec.NumGpus > 0 {
		args = append(args, "--nv")
	}
	for _, e := range spec.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", e.Key, e.Value))
	}
	args = append(args, "docker://"+spec.Image)
	return append(args, runScriptArgs()...)
}
