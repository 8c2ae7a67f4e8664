package services

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

func testLogger() *utils.LogsManager {
	return utils.NewLogsManagerWithOutput("debug", io.Discard)
}

func sampleSpec() RunSpec {
	return RunSpec{
		Image:      "ghcr.io/org/proc:1.0",
		HostTmpDir: "/data/jobs/job-1/tmp",
		Env: []EnvVar{
			{Key: "JOB_ID", Value: "job-1"},
			{Key: "JOB_PRIVATE_KEY", Value: "secret"},
		},
		NumCpus: 4,
		NumGpus: 1,
		APIURL:  "https://dendro.vercel.app",
	}
}

func TestNewContainerRuntime(t *testing.T) {
	rt, err := NewContainerRuntime("docker", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "docker", rt.Name())

	rt, err = NewContainerRuntime("apptainer", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "apptainer", rt.Name())

	rt, err = NewContainerRuntime("singularity", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "singularity", rt.Name())

	_, err = NewContainerRuntime("", testLogger())
	assert.Error(t, err)

	_, err = NewContainerRuntime("podman", testLogger())
	assert.ErrorContains(t, err, "unexpected container method")
}

func TestDockerRuntime_Args(t *testing.T) {
	args := NewDockerRuntime(testLogger()).Args(sampleSpec())

	assert.Equal(t, []string{
		"docker", "run",
		"-v", "/data/jobs/job-1/tmp:/tmp",
		"--workdir", "/tmp/working",
		"-e", "JOB_ID=job-1",
		"-e", "JOB_PRIVATE_KEY=secret",
		"--cpus", "4",
		"--gpus", "all",
		"ghcr.io/org/proc:1.0",
		"/bin/bash", "/tmp/run.sh",
	}, args)
}

func TestDockerRuntime_ArgsLocalDevAndNoResources(t *testing.T) {
	spec := sampleSpec()
	spec.NumCpus = 0
	spec.NumGpus = 0
	spec.APIURL = "http://localhost:3000"

	args := NewDockerRuntime(testLogger()).Args(spec)
	assert.NotContains(t, args, "--cpus")
	assert.NotContains(t, args, "--gpus")
	assert.Contains(t, args, "--network")
	assert.Equal(t, []string{"/bin/bash", "/tmp/run.sh"}, args[len(args)-2:])
}

func TestApptainerRuntime_Args(t *testing.T) {
	args := NewApptainerRuntime("singularity", testLogger()).Args(sampleSpec())

	assert.Equal(t, []string{
		"singularity", "exec",
		"--bind", "/data/jobs/job-1/tmp:/tmp",
		"--pwd", "/tmp/working",
		"--cleanenv", "--contain",
		"--nv",
		"--env", "JOB_ID=job-1",
		"--env", "JOB_PRIVATE_KEY=secret",
		"docker://ghcr.io/org/proc:1.0",
		"/bin/bash", "/tmp/run.sh",
	}, args)
}

func TestRegistryForImage(t *testing.T) {
	assert.Equal(t, "https://index.docker.io/v1/", registryForImage("ubuntu:22.04"))
	assert.Equal(t, "https://index.docker.io/v1/", registryForImage("magland/proc:latest"))
	assert.Equal(t, "ghcr.io", registryForImage("ghcr.io/org/proc:1.0"))
	assert.Equal(t, "localhost:5000", registryForImage("localhost:5000/proc"))
}

func TestPlatformFromEnv(t *testing.T) {
	t.Setenv("DOCKER_DEFAULT_PLATFORM", "linux/arm64")
	p := platformFromEnv()
	require.NotNil(t, p)
	assert.Equal(t, "linux", p.OS)
	assert.Equal(t, "arm64", p.Architecture)

	t.Setenv("DOCKER_DEFAULT_PLATFORM", "bogus")
	assert.Nil(t, platformFromEnv())
}
