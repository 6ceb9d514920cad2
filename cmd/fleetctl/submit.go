package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

var submitFlags = struct {
	Image    string
	GPUType  string
	GPUs     int
	MemoryMB int64
	Env      []string
}{}

var cmdSubmit = &cobra.Command{
	Use:   "submit --org ORG --kind KIND --image IMAGE [-- COMMAND [ARG...]]",
	Short: "Enqueue a job",
	Long: `Enqueue a job for an organization's pool. The job runs IMAGE with the
given command on the next idle worker of that kind.

Run a training script on eight A100s:
fleetctl submit --org acme --kind train --image registry.local/train:1 --gpu-type a100 --gpus 8 -- python train.py`,
	Run: runWrapper(runSubmit),
}

func init() {
	cmdFleet.AddCommand(cmdSubmit)

	cmdSubmit.Flags().StringVar(&sharedFlags.OrgID, "org", "", "Organization the job is billed to")
	cmdSubmit.Flags().StringVar(&sharedFlags.Kind, "kind", "", "Job kind: train, finetune or infer")
	cmdSubmit.Flags().StringVar(&submitFlags.Image, "image", "", "Container image to run")
	cmdSubmit.Flags().StringVar(&submitFlags.GPUType, "gpu-type", "", "Required GPU type, empty for any")
	cmdSubmit.Flags().IntVar(&submitFlags.GPUs, "gpus", 0, "Number of GPUs the job needs")
	cmdSubmit.Flags().Int64Var(&submitFlags.MemoryMB, "memory-mb", 0, "Memory the job needs in MB")
	cmdSubmit.Flags().StringArrayVar(&submitFlags.Env, "env", nil, "Environment variable KEY=VALUE, may be repeated")
}

func runSubmit(cCmd *cobra.Command, args []string) (exit int) {
	env, err := parseEnv(submitFlags.Env)
	if err != nil {
		stderr("%v", err)
		return 1
	}

	req := models.JobSubmissionRequest{
		OrgID:   sharedFlags.OrgID,
		Kind:    models.JobKind(sharedFlags.Kind),
		Image:   submitFlags.Image,
		Command: args,
		Env:     env,
		Resources: models.ResourceRequirements{
			GPUType:  submitFlags.GPUType,
			GPUCount: submitFlags.GPUs,
			MemoryMB: submitFlags.MemoryMB,
		},
	}
	if err := req.Validate(); err != nil {
		stderr("Invalid job: %v", err)
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	job, err := cAPI.SubmitJob(ctx, req)
	if err != nil {
		stderr("Error submitting job: %v", err)
		return 1
	}

	stdout("%s", job.ID)
	out.Flush()
	return 0
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}
