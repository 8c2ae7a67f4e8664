package system

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ResourceSample is one line of the job's resource utilization log
type ResourceSample struct {
	Timestamp   float64      `json:"timestamp"`
	CPU         CPUSample    `json:"cpu"`
	Memory      MemorySample `json:"memory"`
	LoadAverage []float64    `json:"load_average,omitempty"`
	GPUs        []GPUSample  `json:"gpus,omitempty"`
}

type CPUSample struct {
	Percent float64 `json:"percent"`
	Cores   int     `json:"cores"`
}

type MemorySample struct {
	Total     int64   `json:"total"`
	Available int64   `json:"available"`
	Used      int64   `json:"used"`
	Percent   float64 `json:"percent"`
}

type GPUSample struct {
	Index         int     `json:"index"`
	Utilization   float64 `json:"utilization"`
	MemoryUsedMB  int64   `json:"memory_used_mb"`
	MemoryTotalMB int64   `json:"memory_total_mb"`
}

// CPUTimes is the aggregate "cpu" line of /proc/stat, in clock ticks
type CPUTimes struct {
	Idle  uint64
	Total uint64
}

// ParseProcStat reads the aggregate CPU times and the number of per-core lines
func ParseProcStat(r io.Reader) (CPUTimes, int, error) {
	var times CPUTimes
	cores := 0
	found := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		if fields[0] != "cpu" {
			cores++
			continue
		}
		found = true
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return times, 0, fmt.Errorf("parsing /proc/stat field %d: %w", i+1, err)
			}
			times.Total += v
			// idle and iowait
			if i == 3 || i == 4 {
				times.Idle += v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return times, 0, err
	}
	if !found {
		return times, 0, errors.New("no aggregate cpu line in /proc/stat")
	}
	return times, cores, nil
}

// CPUPercent is the busy share between two /proc/stat readings
func CPUPercent(prev, cur CPUTimes) float64 {
	total := float64(cur.Total - prev.Total)
	if cur.Total <= prev.Total || total == 0 {
		return 0
	}
	idle := float64(cur.Idle - prev.Idle)
	return (total - idle) / total * 100
}

// ParseLoadavg reads the three load averages from /proc/loadavg
func ParseLoadavg(data string) ([]float64, error) {
	fields := strings.Fields(data)
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected /proc/loadavg content: %q", data)
	}
	loads := make([]float64, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		loads[i] = v
	}
	return loads, nil
}

// UtilizationSampler produces ResourceSamples. CPU percent is measured between consecutive calls.
type UtilizationSampler struct {
	procDir string
	prev    *CPUTimes
}

func NewUtilizationSampler() *UtilizationSampler {
	return &UtilizationSampler{procDir: "/proc"}
}

// Sample reads the current utilization. Missing sources are left zero rather than failing the
// whole sample.
func (s *UtilizationSampler) Sample(now time.Time) ResourceSample {
	sample := ResourceSample{
		Timestamp: float64(now.UnixNano()) / 1e9,
	}

	if f, err := os.Open(s.procDir + "/stat"); err == nil {
		times, cores, err := ParseProcStat(f)
		f.Close()
		if err == nil {
			if s.prev != nil {
				sample.CPU.Percent = CPUPercent(*s.prev, times)
			}
			sample.CPU.Cores = cores
			s.prev = &times
		}
	}

	if f, err := os.Open(s.procDir + "/meminfo"); err == nil {
		info, err := ParseMeminfo(f)
		f.Close()
		if err == nil && info.TotalKB > 0 {
			sample.Memory = MemorySample{
				Total:     info.TotalKB * 1024,
				Available: info.AvailableKB * 1024,
				Used:      (info.TotalKB - info.AvailableKB) * 1024,
				Percent:   float64(info.TotalKB-info.AvailableKB) / float64(info.TotalKB) * 100,
			}
		}
	}

	if data, err := os.ReadFile(s.procDir + "/loadavg"); err == nil {
		if loads, err := ParseLoadavg(string(data)); err == nil {
			sample.LoadAverage = loads
		}
	}

	sample.GPUs = sampleGPUs()
	return sample
}

func sampleGPUs() []GPUSample {
	out, err := exec.Command("nvidia-smi", "--query-gpu=index,utilization.gpu,memory.used,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}

	var gpus []GPUSample
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, ", ")
		if len(fields) < 4 {
			continue
		}
		var g GPUSample
		g.Index, _ = strconv.Atoi(strings.TrimSpace(fields[0]))
		g.Utilization, _ = strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		g.MemoryUsedMB, _ = strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		g.MemoryTotalMB, _ = strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		gpus = append(gpus, g)
	}
	return gpus
}
