//go:build linux

package exec

import (
	"os"
	"syscall"
)

// peakRSS reads ru_maxrss, which Linux reports in kilobytes.
func peakRSS(ps *os.ProcessState) uint64 {
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil && ru.Maxrss > 0 {
		return uint64(ru.Maxrss) * 1024
	}
	return 0
}
