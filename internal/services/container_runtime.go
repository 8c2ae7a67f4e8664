package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// EnvVar is a single container environment entry. Order is preserved on the command line.
type EnvVar struct {
	Key   string
	Value string
}

// RunSpec is everything a runtime needs to build the container invocation for one job
type RunSpec struct {
	Image      string
	HostTmpDir string // bound to /tmp inside the container
	Env        []EnvVar
	NumCpus    int
	NumGpus    int
	APIURL     string
}

// ContainerRuntime wraps a container CLI (docker, apptainer or singularity)
type ContainerRuntime interface {
	Name() string
	// Prepare makes the image available locally before the job starts
	Prepare(ctx context.Context, image string) error
	// Args returns the full argv, binary first, that runs /tmp/run.sh inside the image
	Args(spec RunSpec) []string
}

// NewContainerRuntime selects the runtime for CONTAINER_METHOD
func NewContainerRuntime(method string, logger *utils.LogsManager) (ContainerRuntime, error) {
	switch method {
	case types.ContainerMethodDocker:
		return NewDockerRuntime(logger), nil
	case types.ContainerMethodApptainer, types.ContainerMethodSingularity:
		return NewApptainerRuntime(method, logger), nil
	case "":
		return nil, fmt.Errorf("CONTAINER_METHOD is not set (expected docker, apptainer or singularity)")
	default:
		return nil, fmt.Errorf("unexpected container method: %s", method)
	}
}

// isLocalDevAPI reports whether the API runs on the host in dev mode, in which case the container
// needs host networking to reach it
func isLocalDevAPI(apiURL string) bool {
	return strings.HasPrefix(apiURL, "http://localhost:")
}

func runScriptArgs() []string {
	return []string{"/bin/bash", types.ContainerTmpDir + "/" + types.RunScriptFile}
}
