//go:build !windows

package source

import (
	"errors"
	"syscall"
)

// syscallSigZero returns the null signal used to probe whether a pid is
// still alive without actually signaling it.
func syscallSigZero() syscall.Signal { return syscall.Signal(0) }

// isPermissionSignalError reports whether err is the kernel telling us a
// pid exists but belongs to a process we lack privilege to signal — still
// alive, just inaccessible.
func isPermissionSignalError(err error) bool { return errors.Is(err, syscall.EPERM) }

// exitStatus returns a human-readable exit status for pid if one can be
// determined. telewatch does not fork the monitored process, so POSIX wait
// semantics are unavailable for it; this is always "unknown" in practice
// and is a named function so a future child-process mode can fill it in.
func exitStatus(pid int) string { return "unknown" }
