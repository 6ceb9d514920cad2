package main

import (
	"github.com/spf13/cobra"
)

var cmdCancel = &cobra.Command{
	Use:   "cancel JOB...",
	Short: "Cancel one or more queued or running jobs",
	Long: `Cancels jobs. A queued job is never claimed; a running job's container is
stopped by its worker within one cancel poll.`,
	Run: runWrapper(runCancel),
}

func init() {
	cmdFleet.AddCommand(cmdCancel)
}

func runCancel(cCmd *cobra.Command, args []string) (exit int) {
	if len(args) == 0 {
		stderr("One job ID must be provided")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	for _, id := range args {
		if _, err := cAPI.CancelJob(ctx, id); err != nil {
			stderr("Error canceling job %s: %v", id, err)
			exit = 1
			continue
		}
		stdout("Canceled job %s", id)
	}
	out.Flush()
	return exit
}
