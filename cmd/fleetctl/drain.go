package main

import (
	"github.com/spf13/cobra"
)

var cmdDrain = &cobra.Command{
	Use:   "drain WORKER...",
	Short: "Stop workers from claiming new jobs",
	Long: `Drains workers. A busy worker finishes its current job first; the
supervisor stops the instance once the worker is drained.`,
	Run: runWrapper(runDrain),
}

func init() {
	cmdFleet.AddCommand(cmdDrain)
}

func runDrain(cCmd *cobra.Command, args []string) (exit int) {
	if len(args) == 0 {
		stderr("One worker ID must be provided")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	for _, id := range args {
		w, err := cAPI.DrainWorker(ctx, id)
		if err != nil {
			stderr("Error draining worker %s: %v", id, err)
			exit = 1
			continue
		}
		stdout("Worker %s is %s", id, w.Status)
	}
	out.Flush()
	return exit
}
