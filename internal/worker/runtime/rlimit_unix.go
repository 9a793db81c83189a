//go:build linux || darwin

package runtime

import "golang.org/x/sys/unix"

// ApplyMemoryLimit sets the process's address-space rlimit to maxBytes, per
// spec.md §4.2 ("applies memory limits to its own process: address-space
// rlimit equal to limits.max_memory"). The limit is applied to the current
// process once, when InitWorker is received and before its response is
// sent, so before any package code runs. Child processes started afterwards
// (ExecHost's entrypoint runs) inherit it.
func ApplyMemoryLimit(maxBytes uint64) error {
	if maxBytes == 0 {
		return nil
	}
	limit := unix.Rlimit{Cur: maxBytes, Max: maxBytes}
	return unix.Setrlimit(unix.RLIMIT_AS, &limit)
}
