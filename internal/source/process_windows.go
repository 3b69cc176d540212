//go:build windows

package source

import "os"

// syscallSigZero has no equivalent existence probe on Windows; processAlive
// falls back to os.FindProcess succeeding, which is enough on this platform
// since FindProcess itself fails for a dead pid.
func syscallSigZero() os.Signal { return os.Interrupt }

// isPermissionSignalError never applies on this platform, since
// syscallSigZero's FindProcess-based probe doesn't surface a distinct
// permission error the way a POSIX kill(pid, 0) does.
func isPermissionSignalError(err error) bool { return false }

func exitStatus(pid int) string { return "unknown" }
