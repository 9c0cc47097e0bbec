package sampler

import (
	"context"
	"os"
	"syscall"

	"emperror.dev/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	ErrNoSuchProcess    = errors.Sentinel("process does not exist or has already exited")
	ErrPermissionDenied = errors.Sentinel("permission denied")
)

// Terminate asks the process with the given pid to exit (SIGTERM on POSIX).
func Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return classify(err, pid)
	}
	return classify(p.TerminateWithContext(ctx), pid)
}

func classify(err error, pid int32) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, syscall.ESRCH):
		return errors.WithDetails(ErrNoSuchProcess, "pid", pid)
	case errors.Is(err, os.ErrPermission),
		errors.Is(err, process.ErrorNotPermitted):
		return errors.WithDetails(ErrPermissionDenied, "pid", pid)
	default:
		return errors.WrapWithDetails(err, "terminate process", "pid", pid)
	}
}
