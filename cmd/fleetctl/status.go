package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cmdStatus = &cobra.Command{
	Use:   "status JOB...",
	Short: "Output the status of one or more jobs",
	Run:   runWrapper(runStatus),
}

func init() {
	cmdFleet.AddCommand(cmdStatus)
}

func runStatus(cCmd *cobra.Command, args []string) (exit int) {
	if len(args) == 0 {
		stderr("One job ID must be provided")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	for i, id := range args {
		job, err := cAPI.GetJob(ctx, id)
		if err != nil {
			stderr("Error retrieving job %s: %v", id, err)
			exit = 1
			continue
		}
		if i > 0 {
			fmt.Fprintln(out)
		}

		exitCode := "-"
		if job.ExitCode != nil {
			exitCode = fmt.Sprint(*job.ExitCode)
		}
		fmt.Fprintf(out, "ID:\t%s\n", job.ID)
		fmt.Fprintf(out, "Pool:\t%s\n", job.Pool())
		fmt.Fprintf(out, "Status:\t%s\n", job.Status)
		fmt.Fprintf(out, "Image:\t%s\n", job.Image)
		fmt.Fprintf(out, "Command:\t%s\n", orDash(strings.Join(job.Command, " ")))
		fmt.Fprintf(out, "Worker:\t%s\n", orDash(job.WorkerID))
		fmt.Fprintf(out, "Retries:\t%d\n", job.RetryCount)
		fmt.Fprintf(out, "Exit code:\t%s\n", exitCode)
		fmt.Fprintf(out, "Error:\t%s\n", orDash(job.ErrorMessage))
		fmt.Fprintf(out, "Created:\t%s\n", formatTime(&job.CreatedAt))
		fmt.Fprintf(out, "Started:\t%s\n", formatTime(job.StartedAt))
		fmt.Fprintf(out, "Finished:\t%s\n", formatTime(job.FinishedAt))
	}
	out.Flush()
	return exit
}
