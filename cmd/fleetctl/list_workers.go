package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mimir-aip/mimir-fleet/pkg/client"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

var cmdListWorkers = &cobra.Command{
	Use:   "list-workers [--org ORG] [--kind KIND] [--status S1,S2] [--no-legend]",
	Short: "Enumerate the workers in the fleet",
	Long: `Lists workers. Terminated workers are included unless filtered out:
fleetctl list-workers --status idle,busy,draining`,
	Run: runWrapper(runListWorkers),
}

func init() {
	cmdFleet.AddCommand(cmdListWorkers)

	cmdListWorkers.Flags().StringVar(&sharedFlags.OrgID, "org", "", "Only list workers of this organization")
	cmdListWorkers.Flags().StringVar(&sharedFlags.Kind, "kind", "", "Only list workers of this kind")
	cmdListWorkers.Flags().StringVar(&sharedFlags.Status, "status", "", "Comma separated statuses to list")
	cmdListWorkers.Flags().BoolVar(&sharedFlags.NoLegend, "no-legend", false, "Do not print a legend (column headers)")
}

func runListWorkers(cCmd *cobra.Command, args []string) (exit int) {
	opts := client.WorkerListOptions{
		OrgID: sharedFlags.OrgID,
		Kind:  models.JobKind(sharedFlags.Kind),
	}
	for _, s := range splitFlag(sharedFlags.Status) {
		opts.Statuses = append(opts.Statuses, models.WorkerStatus(s))
	}

	ctx, cancel := requestContext()
	defer cancel()
	workers, err := cAPI.ListWorkers(ctx, opts)
	if err != nil {
		stderr("Error retrieving list of workers from fleet API: %v", err)
		return 1
	}

	printLegend("WORKER", "POOL", "STATUS", "INSTANCE", "JOB", "HEARTBEAT")
	for _, w := range workers {
		fmt.Fprintln(out, strings.Join([]string{
			w.ID, w.Pool().String(), string(w.Status), orDash(w.InstanceID),
			orDash(w.CurrentJobID), formatTime(&w.LastHeartbeat),
		}, "\t"))
	}
	out.Flush()
	return 0
}
