// Package sysinfo reports host capacity and the concurrency settings
// recommended for it, shown on the settings page.
package sysinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// MaxConcurrency is the configuration ceiling for MAX_CONCURRENCY.
const MaxConcurrency = 32

// Info describes host capacity.
type Info struct {
	CPUCount               int     `json:"cpuCount"`
	TotalMemoryGB          float64 `json:"totalMemoryGB"`
	RecommendedConcurrency int     `json:"recommendedConcurrency"`
	RecommendedMemory      int     `json:"recommendedMemory"`
	MaxConcurrency         int     `json:"maxConcurrency"`
}

// Collect gathers host information. Memory probing failures degrade to zero
// rather than failing the settings page.
func Collect() Info {
	info := Info{
		CPUCount:       runtime.NumCPU(),
		MaxConcurrency: MaxConcurrency,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryGB = float64(vm.Total) / (1 << 30)
	}

	info.RecommendedConcurrency = recommendConcurrency(info.CPUCount)
	info.RecommendedMemory = recommendMemoryMB(info.TotalMemoryGB)

	return info
}

// recommendConcurrency leaves headroom for the WebDAV side: half the cores,
// clamped to [1, MaxConcurrency].
func recommendConcurrency(cpus int) int {
	n := cpus / 2

	if n < 1 {
		n = 1
	}

	if n > MaxConcurrency {
		n = MaxConcurrency
	}

	return n
}

// recommendMemoryMB suggests the encoder cache size: a quarter of physical
// memory, between 128 MB and 2 GB.
func recommendMemoryMB(totalGB float64) int {
	mb := int(totalGB * 1024 / 4)

	if mb < 128 {
		mb = 128
	}

	if mb > 2048 {
		mb = 2048
	}

	return mb
}
