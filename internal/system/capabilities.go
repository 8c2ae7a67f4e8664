package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
)

// SystemCapabilities describes the host the compute client runs on
type SystemCapabilities struct {
	Platform          string    `json:"platform"`
	Architecture      string    `json:"architecture"`
	KernelVersion     string    `json:"kernel_version"`
	CPUModel          string    `json:"cpu_model"`
	CPUCores          int       `json:"cpu_cores"`
	TotalMemoryMB     int64     `json:"total_memory_mb"`
	AvailableMemoryMB int64     `json:"available_memory_mb"`
	TotalDiskMB       int64     `json:"total_disk_mb"`
	AvailableDiskMB   int64     `json:"available_disk_mb"`
	GPUs              []GPUInfo `json:"gpus,omitempty"`
	ContainerRuntime  string    `json:"container_runtime"`
	RuntimeVersion    string    `json:"runtime_version,omitempty"`
}

// GPUInfo represents information about a GPU
type GPUInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Vendor        string `json:"vendor"`
	MemoryMB      int64  `json:"memory_mb"`
	UUID          string `json:"uuid,omitempty"`
	DriverVersion string `json:"driver_version,omitempty"`
}

// String is the one-line summary logged at daemon start
func (sc *SystemCapabilities) String() string {
	return fmt.Sprintf("%s/%s, %d cores (%s), %d MB RAM (%d MB available), %d MB disk free, %d GPU(s), %s %s",
		sc.Platform, sc.Architecture, sc.CPUCores, sc.CPUModel, sc.TotalMemoryMB, sc.AvailableMemoryMB,
		sc.AvailableDiskMB, len(sc.GPUs), sc.ContainerRuntime, sc.RuntimeVersion)
}

// GatherSystemCapabilities collects host information. dataDir is the directory whose disk is
// measured (the jobs directory), containerMethod the runtime binary to version-check.
func GatherSystemCapabilities(dataDir, containerMethod string) (*SystemCapabilities, error) {
	caps := &SystemCapabilities{
		Platform:         runtime.GOOS,
		Architecture:     runtime.GOARCH,
		ContainerRuntime: containerMethod,
	}

	caps.KernelVersion = getKernelVersion()
	caps.CPUCores = runtime.NumCPU()
	caps.CPUModel = getCPUModel()
	caps.TotalMemoryMB, caps.AvailableMemoryMB = getMemoryInfo()
	caps.TotalDiskMB, caps.AvailableDiskMB = getDiskInfo(dataDir)

	// Attempt GPU detection (best effort)
	caps.GPUs = detectGPUs()

	if containerMethod != "" {
		caps.RuntimeVersion = runtimeVersion(containerMethod)
	}

	return caps, nil
}

// CanRunJob reports whether the host can satisfy the job's resource request, with the reason
// when it cannot
func CanRunJob(caps *SystemCapabilities, req types.RequiredResources) (bool, string) {
	if caps == nil {
		return true, ""
	}
	if req.NumCpus > caps.CPUCores {
		return false, fmt.Sprintf("job requests %d CPUs, host has %d", req.NumCpus, caps.CPUCores)
	}
	if req.NumGpus > len(caps.GPUs) {
		return false, fmt.Sprintf("job requests %d GPUs, host has %d", req.NumGpus, len(caps.GPUs))
	}
	if req.MemoryGb > 0 && int64(req.MemoryGb*1024) > caps.TotalMemoryMB {
		return false, fmt.Sprintf("job requests %.1f GB memory, host has %d MB", req.MemoryGb, caps.TotalMemoryMB)
	}
	return true, ""
}

// getKernelVersion returns the kernel version
func getKernelVersion() string {
	switch runtime.GOOS {
	case "linux", "darwin":
		out, err := exec.Command("uname", "-r").Output()
		if err == nil {
			return strings.TrimSpace(string(out))
		}
	}
	return "unknown"
}

// getCPUModel returns the CPU model name
func getCPUModel() string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					parts := strings.Split(line, ":")
					if len(parts) >= 2 {
						return strings.TrimSpace(parts[1])
					}
				}
			}
		}
	case "darwin":
		out, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output()
		if err == nil {
			return strings.TrimSpace(string(out))
		}
	}
	return "unknown"
}

// MemInfo holds the /proc/meminfo fields we report, in kB
type MemInfo struct {
	TotalKB     int64
	AvailableKB int64
	FreeKB      int64
}

// ParseMeminfo reads /proc/meminfo formatted data
func ParseMeminfo(r io.Reader) (MemInfo, error) {
	var info MemInfo
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			info.TotalKB = val
		case "MemAvailable:":
			info.AvailableKB = val
		case "MemFree:":
			info.FreeKB = val
		}
	}
	return info, scanner.Err()
}

// getMemoryInfo returns total and available memory in MB
func getMemoryInfo() (int64, int64) {
	var total, available int64

	switch runtime.GOOS {
	case "linux":
		if f, err := os.Open("/proc/meminfo"); err == nil {
			if info, err := ParseMeminfo(f); err == nil {
				total = info.TotalKB / 1024
				available = info.AvailableKB / 1024
			}
			f.Close()
		}
	case "darwin":
		out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
		if err == nil {
			if val, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil {
				total = val / (1024 * 1024)
			}
		}
	}

	if available == 0 {
		available = total / 2
	}

	return total, available
}

// getDiskInfo returns total and available disk space for the given path in MB
func getDiskInfo(path string) (int64, int64) {
	var total, available int64

	out, err := exec.Command("df", "-k", path).Output()
	if err != nil {
		return 0, 0
	}
	lines := strings.Split(string(out), "\n")
	if len(lines) > 1 {
		fields := strings.Fields(lines[1])
		if len(fields) >= 4 {
			if val, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				total = val / 1024
			}
			if val, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
				available = val / 1024
			}
		}
	}

	return total, available
}

// detectGPUs attempts to detect available GPUs
func detectGPUs() []GPUInfo {
	out, err := exec.Command("nvidia-smi", "--query-gpu=index,name,memory.total,uuid,driver_version", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) []GPUInfo {
	var gpus []GPUInfo

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ", ")
		if len(fields) < 5 {
			continue
		}
		gpu := GPUInfo{
			Vendor: "nvidia",
		}
		if idx, err := strconv.Atoi(strings.TrimSpace(fields[0])); err == nil {
			gpu.Index = idx
		}
		gpu.Name = strings.TrimSpace(fields[1])
		if mem, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64); err == nil {
			gpu.MemoryMB = mem
		}
		gpu.UUID = strings.TrimSpace(fields[3])
		gpu.DriverVersion = strings.TrimSpace(fields[4])

		gpus = append(gpus, gpu)
	}

	return gpus
}

// runtimeVersion returns the version string printed by the container runtime
func runtimeVersion(binary string) string {
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return ""
	}

	version := strings.TrimSpace(string(out))
	// "Docker version 24.0.7, build afdd53b" -> "24.0.7"
	if strings.Contains(version, "Docker version") {
		parts := strings.Fields(version)
		if len(parts) >= 3 {
			version = strings.TrimSuffix(parts[2], ",")
		}
	}
	// "apptainer version 1.2.5" -> "1.2.5"
	if parts := strings.Fields(version); len(parts) == 3 && parts[1] == "version" {
		version = parts[2]
	}

	return version
}
