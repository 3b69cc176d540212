//go:build !linux

package source

import "errors"

// readProcRSS has no /proc filesystem to sample outside Linux; RSS-cap
// warnings are simply never raised on these platforms.
func readProcRSS(pid int) (uint64, bool) { return 0, false }

var errNoProcFS = errors.New("process state sampling requires /proc")

// readProcStat has no /proc filesystem outside Linux; CPU-spike and
// status-transition (zombie/stopped) detection are simply never raised on
// these platforms.
func readProcStat(pid int) (cpuTicks uint64, state string, err error) {
	return 0, "", errNoProcFS
}
