package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/tagstate"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/spf13/cobra"
)

// NewProjectCmd creates the project command
func NewProjectCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Inspect a project's persisted tags",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show the tags of a project and any quarantined records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			if err := validation.ValidateProjectID(projectID); err != nil {
				return err
			}
			return env.withRuntime(cmd.Context(), func(rt *Runtime) error {
				res, err := rt.Services.Repository.Load(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Project %s: %d library, %d custom, %d quarantined\n",
					projectID, len(res.Library), len(res.Custom), len(res.Quarantined))

				tags := res.Tags()
				if len(tags) > 0 {
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tNAME\tKIND\tRULE\tDEPENDS ON")
					for _, t := range tags {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
							t.ID, t.Name, models.KindOf(t), t.QualificationRules.RuleType, strings.Join(t.Dependencies, ","))
					}
					if err := w.Flush(); err != nil {
						return err
					}
				}
				for _, warning := range res.Warnings {
					fmt.Fprintf(out, "WARNING %d record(s) quarantined: %s\n", warning.Count, warning.Type)
				}
				return nil
			})
		},
	})
	return cmd
}

// NewQuarantineCmd creates the quarantine command
func NewQuarantineCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List or discard records that failed validation on load",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list ID",
		Short: "List the quarantined records of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			if err := validation.ValidateProjectID(projectID); err != nil {
				return err
			}
			return env.withRuntime(cmd.Context(), func(rt *Runtime) error {
				res, err := rt.Services.Repository.Load(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(res.Quarantined) == 0 {
					fmt.Fprintf(out, "Project %s has no quarantined records\n", projectID)
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCOLLECTION\tTYPE\tREASONS")
				for _, q := range res.Quarantined {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", q.ID, q.Name, q.Collection, q.Type, strings.Join(q.Reasons, "; "))
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard ID RECORD...",
		Short: "Permanently delete quarantined records",
		Long:  "Permanently delete the named quarantined records of project ID. The rest of the document is rewritten unchanged.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, ids := args[0], args[1:]
			if err := validation.ValidateProjectID(projectID); err != nil {
				return err
			}
			return env.withRuntime(cmd.Context(), func(rt *Runtime) error {
				store := tagstate.NewStore(projectID, rt.Services.Repository, tagstate.Options{Logger: env.Logger})
				defer store.Close()
				if err := store.Load(cmd.Context()); err != nil {
					return err
				}
				if err := store.DiscardQuarantined(cmd.Context(), ids...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d record(s); %d still quarantined\n", len(ids), len(store.Quarantined()))
				return nil
			})
		},
	})
	return cmd
}
