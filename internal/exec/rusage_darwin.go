//go:build darwin

package exec

import (
	"os"
	"syscall"
)

// peakRSS reads ru_maxrss, which macOS reports in bytes.
func peakRSS(ps *os.ProcessState) uint64 {
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil && ru.Maxrss > 0 {
		return uint64(ru.Maxrss)
	}
	return 0
}
