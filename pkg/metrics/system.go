package metrics

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot 健康检查附带的主机概况
type HostSnapshot struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	NumCPU        int     `json:"numCpu"`
}

// SampleHost 采集一次主机指标。CPU 使用率相对于上一次调用计算，不会阻塞。
// 单项采集失败时保留零值，只有全部失败才返回错误。
func SampleHost(ctx context.Context) (HostSnapshot, error) {
	snap := HostSnapshot{
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
	}

	var firstErr error
	failed := 0
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else {
		failed++
		firstErr = err
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
	} else {
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSeconds = up
	} else {
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}
	if failed == 3 {
		return snap, firstErr
	}
	return snap, nil
}
