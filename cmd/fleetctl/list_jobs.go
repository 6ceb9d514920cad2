package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mimir-aip/mimir-fleet/pkg/client"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

var listJobsFlags = struct {
	WorkerID string
	Limit    int
}{}

var cmdListJobs = &cobra.Command{
	Use:   "list-jobs [--org ORG] [--kind KIND] [--status S1,S2] [--no-legend]",
	Short: "List jobs, oldest first",
	Long: `Lists jobs known to the fleet, oldest first.

Show what is still waiting for acme:
fleetctl list-jobs --org acme --status queued`,
	Run: runWrapper(runListJobs),
}

func init() {
	cmdFleet.AddCommand(cmdListJobs)

	cmdListJobs.Flags().StringVar(&sharedFlags.OrgID, "org", "", "Only list jobs of this organization")
	cmdListJobs.Flags().StringVar(&sharedFlags.Kind, "kind", "", "Only list jobs of this kind")
	cmdListJobs.Flags().StringVar(&sharedFlags.Status, "status", "", "Comma separated statuses to list")
	cmdListJobs.Flags().StringVar(&listJobsFlags.WorkerID, "worker", "", "Only list jobs claimed by this worker")
	cmdListJobs.Flags().IntVar(&listJobsFlags.Limit, "limit", 100, "Maximum number of jobs to list")
	cmdListJobs.Flags().BoolVar(&sharedFlags.NoLegend, "no-legend", false, "Do not print a legend (column headers)")
}

func runListJobs(cCmd *cobra.Command, args []string) (exit int) {
	opts := client.JobListOptions{
		OrgID:    sharedFlags.OrgID,
		Kind:     models.JobKind(sharedFlags.Kind),
		WorkerID: listJobsFlags.WorkerID,
		Limit:    listJobsFlags.Limit,
	}
	for _, s := range splitFlag(sharedFlags.Status) {
		opts.Statuses = append(opts.Statuses, models.JobStatus(s))
	}

	ctx, cancel := requestContext()
	defer cancel()
	jobs, err := cAPI.ListJobs(ctx, opts)
	if err != nil {
		stderr("Error retrieving list of jobs from fleet API: %v", err)
		return 1
	}

	printLegend("JOB", "ORG", "KIND", "STATUS", "WORKER", "RETRIES", "CREATED")
	for _, j := range jobs {
		fmt.Fprintln(out, strings.Join([]string{
			j.ID, j.OrgID, string(j.Kind), string(j.Status), orDash(j.WorkerID),
			strconv.Itoa(j.RetryCount), formatTime(&j.CreatedAt),
		}, "\t"))
	}
	out.Flush()
	return 0
}

func splitFlag(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
