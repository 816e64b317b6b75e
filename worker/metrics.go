package worker

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is the resource snapshot a robot attaches to registry heartbeats.
// Operators use it to spot overloaded robots; nothing in the claim or lease
// protocol reads it.
type Metrics struct {
	ActiveJobs        int     `json:"active_jobs"`
	MaxConcurrentJobs int     `json:"max_concurrent_jobs"`
	MemoryUsedGB      float64 `json:"memory_used_gb"`
	MemoryTotalGB     float64 `json:"memory_total_gb"`
	MemoryPercent     float64 `json:"memory_percent"`
	CPUPercent        float64 `json:"cpu_percent"`
	NumGoroutine      int     `json:"num_goroutine"`
	CollectedAt       string  `json:"collected_at"`
}

// collectMetrics builds a metrics snapshot. Resource probes that fail leave
// their fields zero rather than failing the heartbeat - liveness reporting
// must not depend on the metrics stack.
func collectMetrics(activeJobs, maxConcurrent int) json.RawMessage {
	m := Metrics{
		ActiveJobs:        activeJobs,
		MaxConcurrentJobs: maxConcurrent,
		NumGoroutine:      runtime.NumGoroutine(),
		CollectedAt:       time.Now().UTC().Format(time.RFC3339),
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		m.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(vm.Used) / 1024 / 1024 / 1024
		m.MemoryPercent = vm.UsedPercent
	}

	// Zero interval reports utilization since the previous call
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}
