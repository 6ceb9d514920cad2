package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

var cmdListQueue = &cobra.Command{
	Use:   "list-queue [--no-legend]",
	Short: "Show queued jobs per pool",
	Run:   runWrapper(runListQueue),
}

func init() {
	cmdFleet.AddCommand(cmdListQueue)

	cmdListQueue.Flags().BoolVar(&sharedFlags.NoLegend, "no-legend", false, "Do not print a legend (column headers)")
}

func runListQueue(cCmd *cobra.Command, args []string) (exit int) {
	ctx, cancel := requestContext()
	defer cancel()
	depths, err := cAPI.QueueDepths(ctx)
	if err != nil {
		stderr("Error retrieving queue depths from fleet API: %v", err)
		return 1
	}

	printLegend("POOL", "QUEUED", "OLDEST")
	for _, d := range depths {
		pool := models.Pool{OrgID: d.OrgID, Kind: d.Kind}
		fmt.Fprintf(out, "%s\t%d\t%s\n", pool, d.Queued, formatTime(&d.OldestCreatedAt))
	}
	out.Flush()
	return 0
}
