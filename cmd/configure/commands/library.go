package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/spf13/cobra"
)

// NewLibraryCmd creates the library command
func NewLibraryCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Inspect the predefined tag library",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the library tags projects can import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withRuntime(cmd.Context(), func(rt *Runtime) error {
				tags, err := rt.Services.Catalog.LibraryTags(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list library: %w", err)
				}
				if len(tags) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "The tag library is empty")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tBEHAVIOR\tCOMPLEXITY")
				for _, t := range tags {
					c := validation.AnalyzeComplexity(t.QualificationRules)
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s (%d)\n", t.ID, t.Name, t.Category, t.Behavior, c.Level, c.Score)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}
