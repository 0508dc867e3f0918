// Package sysinfo produces the live system-state snapshot consulted by
// aggregation and routing rules with system-state constraints.
package sysinfo

import (
	"os"
	"runtime"
	"strconv"
)

// Snapshot returns process and host figures merged with operator-declared
// static entries. Static entries win on key collision, so a deployment can
// pin values like "mode" or "environment" in configuration.
func Snapshot(static map[string]string) map[string]string {
	state := map[string]string{
		"pid":        strconv.Itoa(os.Getpid()),
		"goroutines": strconv.Itoa(runtime.NumGoroutine()),
		"cpus":       strconv.Itoa(runtime.NumCPU()),
	}
	if host, err := os.Hostname(); err == nil {
		state["hostname"] = host
	}
	for k, v := range static {
		state[k] = v
	}
	return state
}
