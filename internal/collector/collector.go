// Package collector produces the system_info snapshot attached to
// heartbeat and sync payloads (spec §4.6, §3's NodeState.system_info).
package collector

import (
	"os"
	"runtime"
	"time"
)

// Collector produces a point-in-time system_info snapshot. The interface
// exists so a host embedding this module can swap in a richer collector
// (disk usage, load average, container metadata) without touching
// SyncEngine or the RPC layer, which only ever see map[string]any.
type Collector interface {
	Collect() map[string]any
}

// RuntimeCollector reports process- and Go-runtime-level facts available
// without any OS-specific syscalls, keeping the module portable.
type RuntimeCollector struct {
	startedAt time.Time
}

// NewRuntimeCollector creates a RuntimeCollector; startedAt should be the
// node's process start time, used to compute uptime_seconds.
func NewRuntimeCollector(startedAt time.Time) *RuntimeCollector {
	return &RuntimeCollector{startedAt: startedAt}
}

// Collect implements Collector.
func (c *RuntimeCollector) Collect() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hostname, _ := os.Hostname()

	return map[string]any{
		"hostname":        hostname,
		"uptime_seconds":  time.Since(c.startedAt).Seconds(),
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_bytes": mem.HeapAlloc,
		"num_cpu":         runtime.NumCPU(),
		"go_version":      runtime.Version(),
	}
}
