package commands

import (
	"errors"
	"fmt"

	"github.com/benvon/cohort-tags/internal/queue"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/benvon/cohort-tags/internal/workers"
	"github.com/spf13/cobra"
)

// NewRevalidateCmd creates the revalidate command
func NewRevalidateCmd(env *Env) *cobra.Command {
	var all, now bool

	cmd := &cobra.Command{
		Use:   "revalidate [ID]",
		Short: "Re-run load validation over one or all projects",
		Long: "Enqueue a revalidation job for the worker. With --now the projects are\n" +
			"revalidated in this process and the results printed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one of a project ID or --all")
			}
			projectID := ""
			if !all {
				projectID = args[0]
				if err := validation.ValidateProjectID(projectID); err != nil {
					return err
				}
			}

			if !now {
				jobType := queue.JobTypeRevalidateProject
				if all {
					jobType = queue.JobTypeRevalidateAll
				}
				job := queue.NewJob(jobType, projectID)
				if err := env.Enqueue(cmd.Context(), job); err != nil {
					return fmt.Errorf("failed to enqueue revalidation: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s job %s\n", job.Type, job.ID)
				return nil
			}

			return env.withRuntime(cmd.Context(), func(rt *Runtime) error {
				concurrency := 1
				if rt.Config != nil {
					concurrency = rt.Config.WorkerConcurrency
				}
				r := workers.NewRevalidator(rt.Services.Repository, rt.Backend.Lister, nil, concurrency, env.Logger)

				var reports []workers.Report
				var runErr error
				if all {
					reports, runErr = r.RevalidateAll(cmd.Context())
				} else {
					var report workers.Report
					report, runErr = r.RevalidateProject(cmd.Context(), projectID)
					if runErr == nil {
						reports = append(reports, report)
					}
				}

				out := cmd.OutOrStdout()
				for _, rep := range reports {
					status := workers.ResultClean
					if !rep.Clean() {
						status = workers.ResultCorrupt
					}
					fmt.Fprintf(out, "%-8s %s: %d tag(s), %d quarantined\n", status, rep.ProjectID, rep.Tags, len(rep.Quarantined))
				}
				return runErr
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Revalidate every project")
	cmd.Flags().BoolVar(&now, "now", false, "Revalidate in process instead of enqueueing a job")
	return cmd
}
