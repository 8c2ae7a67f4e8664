package dependencies

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// DependencyManager checks that the configured container runtime can be invoked
type DependencyManager struct {
	config   *utils.ConfigManager
	logger   *utils.LogsManager
	lookPath func(string) (string, error)
	probe    func(binary string) error
}

// NewDependencyManager creates a new dependency manager instance
func NewDependencyManager(config *utils.ConfigManager, logger *utils.LogsManager) *DependencyManager {
	return &DependencyManager{
		config:   config,
		logger:   logger,
		lookPath: exec.LookPath,
		probe:    probeRuntime,
	}
}

// RuntimeBinary maps a container method to the CLI it needs
func RuntimeBinary(method string) (string, error) {
	switch method {
	case types.ContainerMethodDocker, types.ContainerMethodApptainer, types.ContainerMethodSingularity:
		return method, nil
	default:
		return "", fmt.Errorf("CONTAINER_METHOD environment variable must be set to either docker, apptainer or singularity (got %q)", method)
	}
}

// GetMissingDependencies returns the binaries method needs that are not on PATH
func (dm *DependencyManager) GetMissingDependencies(method string) []string {
	missing := []string{}
	binary, err := RuntimeBinary(method)
	if err != nil {
		return missing
	}
	if _, err := dm.lookPath(binary); err != nil {
		missing = append(missing, binary)
	}
	return missing
}

// CheckDependencies verifies the runtime for method is installed and answers. Install hints are
// logged when it is missing.
func (dm *DependencyManager) CheckDependencies(method string) error {
	binary, err := RuntimeBinary(method)
	if err != nil {
		return err
	}

	missing := dm.GetMissingDependencies(method)
	if len(missing) > 0 {
		dm.logger.Warn(fmt.Sprintf("Missing dependencies: %s", strings.Join(missing, ", ")), "dependencies")
		for _, hint := range InstallInstructions(binary, runtime.GOOS) {
			dm.logger.Info(hint, "dependencies")
		}
		return fmt.Errorf("%s not found on PATH", binary)
	}

	if err := dm.probe(binary); err != nil {
		return fmt.Errorf("%s is installed but not responsive: %w", binary, err)
	}

	dm.logger.Debug(fmt.Sprintf("Container runtime %s is available", binary), "dependencies")
	return nil
}

func probeRuntime(binary string) error {
	args := []string{"--version"}
	if binary == types.ContainerMethodDocker {
		args = []string{"info"}
	}
	out, err := exec.Command(binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// InstallInstructions are manual installation hints for binary on goos
func InstallInstructions(binary, goos string) []string {
	switch binary {
	case types.ContainerMethodDocker:
		switch goos {
		case "linux":
			return []string{
				"Ubuntu/Debian: sudo apt install -y docker.io && sudo systemctl start docker && sudo usermod -aG docker $USER",
				"Fedora: sudo dnf install -y docker && sudo systemctl start docker && sudo usermod -aG docker $USER",
			}
		case "darwin":
			return []string{"Using Homebrew: brew install colima docker && colima start"}
		default:
			return []string{"Download and install Docker Desktop: https://www.docker.com/products/docker-desktop/"}
		}
	case types.ContainerMethodApptainer:
		if goos != "linux" {
			return []string{"Apptainer runs on Linux only"}
		}
		return []string{"See https://apptainer.org/docs/admin/main/installation.html"}
	case types.ContainerMethodSingularity:
		if goos != "linux" {
			return []string{"Singularity runs on Linux only"}
		}
		return []string{"See https://docs.sylabs.io/guides/latest/admin-guide/installation.html"}
	}
	return nil
}
