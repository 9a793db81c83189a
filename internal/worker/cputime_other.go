//go:build !linux

package worker

import "time"

// processCPUTime has no portable non-procfs implementation in this port
// and always fails on non-Linux platforms. The time-limit enforcer then
// never raises CPUTimeLimitExceeded; only the wall-clock bound
// (RealTimeFactor times the per-call budget) is enforced.
func processCPUTime(pid int) (time.Duration, error) {
	return 0, errUnsupportedCPUTime
}

var errUnsupportedCPUTime = errCPUTimeUnsupported{}

type errCPUTimeUnsupported struct{}

func (errCPUTimeUnsupported) Error() string { return "cputime: unsupported on this platform" }
