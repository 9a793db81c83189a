//go:build linux

package worker

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicksPerSec is the kernel's USER_HZ; 100 is the near-universal value
// on Linux and there is no portable sysconf binding in golang.org/x/sys/unix
// to read it at runtime, so it is taken as a constant like most lightweight
// /proc-based process monitors do.
const clockTicksPerSec = 100

// processCPUTime reads cumulative user+system CPU time consumed by pid from
// /proc/<pid>/stat, used by the time-limit enforcer (spec.md §4.3) to
// measure a worker's CPU consumption independently of wall-clock time.
func processCPUTime(pid int) (time.Duration, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}

	// Field 2 (comm) is parenthesized and may itself contain spaces/parens,
	// so split after the last ')' rather than on every space.
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 {
		return 0, fmt.Errorf("cputime: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[closeParen+1:])
	// After the comm field, utime is field 14 and stime is field 15 overall,
	// i.e. indices 11 and 12 of the remainder (1-indexed fields 3.. start at 0).
	if len(fields) < 13 {
		return 0, fmt.Errorf("cputime: short /proc/%d/stat", pid)
	}
	utime, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	ticks := utime + stime
	return time.Duration(ticks) * time.Second / clockTicksPerSec, nil
}
