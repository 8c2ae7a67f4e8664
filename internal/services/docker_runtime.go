package services

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/cli/cli/config"
	dockerTypes "github.com/docker/cli/cli/config/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// DockerRuntime runs jobs with `docker run`. Images are pulled through the Docker Engine API,
// falling back to `docker pull` when the daemon socket is not reachable from this process.
type DockerRuntime struct {
	logger   *utils.LogsManager
	binary   string
	pullLogs string
}

func NewDockerRuntime(logger *utils.LogsManager) *DockerRuntime {
	return &DockerRuntime{
		logger:   logger,
		binary:   "docker",
		pullLogs: utils.GetAppPaths("").PullLogDir(),
	}
}

func (dr *DockerRuntime) Name() string {
	return types.ContainerMethodDocker
}

func (dr *DockerRuntime) Args(spec RunSpec) []string {
	args := []string{dr.binary, "run"}
	args = append(args, "-v", fmt.Sprintf("%s:%s", spec.HostTmpDir, types.ContainerTmpDir))
	args = append(args, "--workdir", types.ContainerWorkingDir)
	for _, e := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", e.Key, e.Value))
	}
	if spec.NumCpus > 0 {
		args = append(args, "--cpus", strconv.Itoa(spec.NumCpus))
	}
	if spec.NumGpus > 0 {
		args = append(args, "--gpus", "all")
	}
	if isLocalDevAPI(spec.APIURL) {
		args = append(args, "--network", "host")
	}
	args = append(args, spec.Image)
	return append(args, runScriptArgs()...)
}

// Prepare pulls the image unless it already exists locally
func (dr *DockerRuntime) Prepare(ctx context.Context, imageName string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		dr.logger.Warn(fmt.Sprintf("Docker API client unavailable, pulling with CLI: %v", err), "docker")
		return dr.pullWithCLI(ctx, imageName)
	}
	defer cli.Close()

	if err := dr.pullImage(ctx, cli, imageName); err != nil {
		dr.logger.Warn(fmt.Sprintf("Docker API pull failed, pulling with CLI: %v", err), "docker")
		return dr.pullWithCLI(ctx, imageName)
	}
	return nil
}

func (dr *DockerRuntime) pullImage(ctx context.Context, cli *client.Client, imageName string) error {
	exists, err := dr.imageExistsLocally(ctx, cli, imageName)
	if err != nil {
		return err
	}
	if exists {
		dr.logger.Info(fmt.Sprintf("Image %s already exists locally, skipping pull", imageName), "docker")
		return nil
	}

	dr.logger.Info(fmt.Sprintf("Pulling image %s", imageName), "docker")

	authConfig, err := dr.getAuthConfig(imageName)
	if err != nil {
		dr.logger.Warn(fmt.Sprintf("Failed to get auth config, proceeding without auth: %v", err), "docker")
		authConfig = dockerTypes.AuthConfig{}
	}

	encodedAuth, err := encodeAuthToBase64(authConfig)
	if err != nil {
		return fmt.Errorf("failed to encode auth: %w", err)
	}

	var platformStr string
	if platform := dr.getPlatform(ctx, cli); platform != nil {
		platformStr = fmt.Sprintf("%s/%s", platform.OS, platform.Architecture)
	}

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{
		Platform:     platformStr,
		RegistryAuth: encodedAuth,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := dr.processDockerPullOutput(reader, imageName); err != nil {
		return err
	}

	dr.logger.Info(fmt.Sprintf("Image pulled successfully: %s", imageName), "docker")
	return nil
}

func (dr *DockerRuntime) pullWithCLI(ctx context.Context, imageName string) error {
	out, err := exec.CommandContext(ctx, dr.binary, "pull", imageName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", imageName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (dr *DockerRuntime) imageExistsLocally(ctx context.Context, cli *client.Client, imageName string) (bool, error) {
	_, _, err := cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// getAuthConfig reads registry credentials from the user's Docker config, if any
func (dr *DockerRuntime) getAuthConfig(imageName string) (dockerTypes.AuthConfig, error) {
	registry := registryForImage(imageName)

	configFile, err := config.Load(config.Dir())
	if err != nil {
		return dockerTypes.AuthConfig{}, nil
	}

	authConfig, err := configFile.GetAuthConfig(registry)
	if err != nil {
		return dockerTypes.AuthConfig{}, nil
	}

	return authConfig, nil
}

// registryForImage returns the registry host of an image reference, Docker Hub by default
func registryForImage(imageName string) string {
	registry := "https://index.docker.io/v1/"
	if strings.Contains(imageName, "/") {
		first := strings.Split(imageName, "/")[0]
		if strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost" {
			registry = first
		}
	}
	return registry
}

func encodeAuthToBase64(authConfig dockerTypes.AuthConfig) (string, error) {
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}

func (dr *DockerRuntime) getPlatform(ctx context.Context, cli *client.Client) *specs.Platform {
	if platform := platformFromEnv(); platform != nil {
		return platform
	}

	info, err := cli.Info(ctx)
	if err != nil {
		dr.logger.Warn(fmt.Sprintf("Could not detect platform: %v", err), "docker")
		return nil
	}

	return &specs.Platform{
		OS:           info.OSType,
		Architecture: info.Architecture,
	}
}

// platformFromEnv parses DOCKER_DEFAULT_PLATFORM (os/arch)
func platformFromEnv() *specs.Platform {
	env := os.Getenv("DOCKER_DEFAULT_PLATFORM")
	if env == "" {
		return nil
	}
	parts := strings.Split(env, "/")
	if len(parts) != 2 {
		return nil
	}
	return &specs.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}
}

// processDockerPullOutput drains the pull progress stream into a per-image log file and reports
// the first error message the daemon sends
func (dr *DockerRuntime) processDockerPullOutput(reader io.Reader, imageName string) error {
	if err := os.MkdirAll(dr.pullLogs, 0755); err != nil {
		return err
	}

	sanitizedName := strings.ReplaceAll(imageName, "/", "_")
	sanitizedName = strings.ReplaceAll(sanitizedName, ":", "_")
	logFile, err := os.Create(filepath.Join(dr.pullLogs, sanitizedName+".log"))
	if err != nil {
		return err
	}
	defer logFile.Close()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Bytes()
		logFile.Write(append(line, '\n'))

		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("pulling %s: %s", imageName, msg.Error)
		}
		if msg.Status != "" {
			dr.logger.Debug(fmt.Sprintf("Pull: %s", msg.Status), "docker")
		}
	}

	return scanner.Err()
}
