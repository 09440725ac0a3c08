// Package sysload reports coarse CPU and memory utilisation for health
// telemetry. Values are fractions; CPU can exceed 1.0 on loaded machines
// since it is derived from the run-queue average.
package sysload

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// CPUUtilization returns the 15-minute load average normalised by the
// logical core count. Values above 1.0 mean more runnable tasks than
// cores. Returns 0 when the probe fails.
func CPUUtilization() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}

	cores := runtime.NumCPU()
	if cores == 0 {
		return 0
	}

	return avg.Load15 / float64(cores)
}

// MemoryUtilization returns the fraction of physical memory in use.
// Returns 0 when the probe fails.
func MemoryUtilization() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}

	return vm.UsedPercent / 100.0
}
