// Package conditions gates scheduled workflow submissions on server queue
// depth and local system metrics.
package conditions

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config describes submission conditions for a scheduled workflow. All
// fields are optional, nil or empty means the check is skipped.
type Config struct {
	QueueBelow    *int     `yaml:"queue_below,omitempty" json:"queue_below,omitempty" jsonschema:"minimum=1,description=skip submission unless server queue size is below this"`
	CPUBelow      *int     `yaml:"cpu_below,omitempty" json:"cpu_below,omitempty" jsonschema:"minimum=1,maximum=100"`
	MemoryBelow   *int     `yaml:"memory_below,omitempty" json:"memory_below,omitempty" jsonschema:"minimum=1,maximum=100"`
	LoadAvgBelow  *float64 `yaml:"load_avg_below,omitempty" json:"load_avg_below,omitempty"`
	DiskFreeAbove *int     `yaml:"disk_free_above,omitempty" json:"disk_free_above,omitempty" jsonschema:"minimum=1,maximum=100,description=skip submission unless disk free percent is above this"`
	DiskFreePath  string   `yaml:"disk_free_path,omitempty" json:"disk_free_path,omitempty" jsonschema:"description=mount point to check, defaults to /"`
	Custom        string   `yaml:"custom,omitempty" json:"custom,omitempty" jsonschema:"description=shell command which has to exit with 0"`
}

// Empty reports if no checks are configured
func (c Config) Empty() bool {
	return c.QueueBelow == nil && c.CPUBelow == nil && c.MemoryBelow == nil &&
		c.LoadAvgBelow == nil && c.DiskFreeAbove == nil && c.Custom == ""
}

// Checker verifies submission conditions against the current queue size
type Checker struct{}

// Check verifies all configured conditions, queueSize is the server-wide
// queue depth from the registry snapshot. Returns false with a reason on
// the first failed check.
func (Checker) Check(cfg Config, queueSize int) (bool, string) {
	if cfg.QueueBelow != nil && queueSize >= *cfg.QueueBelow {
		return false, fmt.Sprintf("server queue at %d, threshold %d", queueSize, *cfg.QueueBelow)
	}

	if cfg.CPUBelow != nil {
		if ok, reason := checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}

	if cfg.MemoryBelow != nil {
		if ok, reason := checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}

	if cfg.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}

	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(*cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}

	if cfg.Custom != "" {
		if ok, reason := checkCustom(cfg.Custom); !ok {
			return false, reason
		}
	}

	return true, ""
}

func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	if current := int(cpuPercent[0]); current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	if current := int(v.UsedPercent); current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

func checkCustom(script string) (bool, string) {
	cmd := exec.Command("sh", "-c", script) //nolint:gosec // the script comes from the local schedule file
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
