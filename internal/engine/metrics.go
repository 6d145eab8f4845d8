package engine

import (
	"context"
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemMetrics samples process/host resource usage directly via
// runtime.MemStats and the sysinfo syscall. No pack example ships a
// system-metrics sampler, so this is implemented directly against the
// standard library (plus golang.org/x/sys/unix, already required in go.mod, for the
// one syscall Go's stdlib doesn't expose) and documented as a
// stdlib-justified leaf (DESIGN.md).
type SystemMetrics struct {
	memoryLimitMB int64
}

// NewSystemMetrics constructs a Metrics sampler. memoryLimitMB mirrors
// WORKER_MEMORY_LIMIT's percentage-of-configured-ceiling semantics (§6).
func NewSystemMetrics(memoryLimitMB int64) SystemMetrics {
	return SystemMetrics{memoryLimitMB: memoryLimitMB}
}

func (m SystemMetrics) Sample(ctx context.Context) (SystemSample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	allocMB := float64(ms.Sys) / (1 << 20)
	limitMB := float64(m.memoryLimitMB)
	if limitMB <= 0 {
		limitMB = 1
	}

	availableGB, _ := hostAvailableMemoryGB()

	return SystemSample{
		CPUPercent:       0, // no portable stdlib CPU% sample without per-OS /proc parsing
		MemoryPercent:    (allocMB / limitMB) * 100,
		MemoryAvailableG: availableGB,
	}, nil
}

// hostAvailableMemoryGB reads available physical memory via the Linux
// sysinfo syscall. Callers treat a non-nil error (e.g. non-Linux platforms)
// as "unknown", reporting 0.
func hostAvailableMemoryGB() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	bytesAvailable := uint64(info.Freeram) * uint64(info.Unit)
	return float64(bytesAvailable) / (1 << 30), nil
}
