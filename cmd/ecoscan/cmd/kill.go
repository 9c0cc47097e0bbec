package cmd

import (
	"strconv"

	"emperror.dev/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ecoscan/internal/sampler"
)

var killCmd = &cobra.Command{
	Use:   "kill <pid>",
	Short: "Sends SIGTERM to a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil || pid <= 0 {
			return errors.Errorf("invalid pid %q", args[0])
		}
		if err := sampler.Terminate(cmd.Context(), int32(pid)); err != nil {
			switch {
			case errors.Is(err, sampler.ErrNoSuchProcess):
				return errors.Errorf("no process with pid %d", pid)
			case errors.Is(err, sampler.ErrPermissionDenied):
				return errors.Errorf("not allowed to terminate pid %d", pid)
			}
			return err
		}
		log.WithField("pid", pid).Info("terminated process")
		return nil
	},
}
